package models

import "errors"

// Configuration and usage errors raised while resolving or running an
// inference. None of them are retryable: the same inputs reproduce them.
var (
	ErrUnregisteredType            = errors.New("entity type has no inference configurations")
	ErrUnsupportedTarget           = errors.New("no inference configuration covers the requested targets")
	ErrAmbiguousTargets            = errors.New("more than one inference configuration covers the requested targets")
	ErrEmptyBasis                  = errors.New("record has no usable basis fields")
	ErrUnsupportedBasisCombination = errors.New("membership function does not cover basis combination")
	ErrDegenerateSigma             = errors.New("sigma is zero or not finite")
	ErrDegenerateWeights           = errors.New("maximum raw weight is zero")
	ErrInvalidConfig               = errors.New("invalid inference configuration")
)

var configurationErrors = []error{
	ErrUnregisteredType,
	ErrUnsupportedTarget,
	ErrAmbiguousTargets,
	ErrEmptyBasis,
	ErrUnsupportedBasisCombination,
	ErrDegenerateSigma,
	ErrDegenerateWeights,
	ErrInvalidConfig,
}

// IsConfigurationError reports whether err belongs to the inference error
// taxonomy, as opposed to a data store or transport failure.
func IsConfigurationError(err error) bool {
	for _, target := range configurationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
