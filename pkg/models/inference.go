package models

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// Record is a partially populated row keyed by field name. A missing key is
// a null value.
type Record map[string]float64

// Has reports whether field is present and non-null
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// Fields returns the record's non-null field names in sorted order
func (r Record) Fields() []string {
	fields := make([]string, 0, len(r))
	for k := range r {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Estimate is the inferred value for one target. Defined is false when no
// population row carried any membership, which is a legitimate "no similar
// data" outcome rather than an error.
type Estimate struct {
	Target  string  `json:"target"`
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
}

// AggregateFunc names a numeric aggregate a data store can evaluate
type AggregateFunc string

const (
	AggCount  AggregateFunc = "count"
	AggSum    AggregateFunc = "sum"
	AggAvg    AggregateFunc = "avg"
	AggMax    AggregateFunc = "max"
	AggMin    AggregateFunc = "min"
	AggStddev AggregateFunc = "stddev" // population standard deviation
)

// Valid reports whether fn is a known aggregate
func (fn AggregateFunc) Valid() bool {
	switch fn {
	case AggCount, AggSum, AggAvg, AggMax, AggMin, AggStddev:
		return true
	}
	return false
}

// Aggregator evaluates aggregates over a fixed row population. The boolean
// result is false when the aggregate is null (for example, no rows).
type Aggregator interface {
	Aggregate(ctx context.Context, fn AggregateFunc, column string) (float64, bool, error)
}

// InferenceConfig describes one inferable target set. It is immutable once
// registered.
type InferenceConfig struct {
	// Targets are the fields this configuration can jointly estimate
	Targets []string `json:"targets"`
	// Basis lists the comparison fields, in priority order
	Basis []string `json:"basis"`
	// Sigma computes the per-field bandwidth
	Sigma SigmaRule `json:"-"`
	// Membership combines normalized per-field weights into one score
	Membership Membership `json:"-"`
	// RowWeight optionally names a field holding a pre-existing row weight
	RowWeight string `json:"row_weight,omitempty"`
}

// Validate checks the configuration invariants
func (c *InferenceConfig) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidConfig)
	}
	if dup, ok := firstDuplicate(c.Targets); ok {
		return fmt.Errorf("%w: duplicate target %q", ErrInvalidConfig, dup)
	}
	if len(c.Basis) == 0 {
		return fmt.Errorf("%w: at least one basis field is required", ErrInvalidConfig)
	}
	if dup, ok := firstDuplicate(c.Basis); ok {
		return fmt.Errorf("%w: duplicate basis field %q", ErrInvalidConfig, dup)
	}
	for _, f := range c.Basis {
		if slices.Contains(c.Targets, f) {
			return fmt.Errorf("%w: field %q is both a target and a basis field", ErrInvalidConfig, f)
		}
	}
	if c.Sigma == nil {
		return fmt.Errorf("%w: sigma rule is required", ErrInvalidConfig)
	}
	if c.Membership == nil {
		return fmt.Errorf("%w: membership function is required", ErrInvalidConfig)
	}
	if c.RowWeight != "" && (slices.Contains(c.Targets, c.RowWeight) || slices.Contains(c.Basis, c.RowWeight)) {
		return fmt.Errorf("%w: row weight %q must not be a target or basis field", ErrInvalidConfig, c.RowWeight)
	}
	return nil
}

// Covers reports whether every requested target is one of c's targets
func (c *InferenceConfig) Covers(targets []string) bool {
	for _, t := range targets {
		if !slices.Contains(c.Targets, t) {
			return false
		}
	}
	return true
}

// SameTargets reports whether c and other estimate exactly the same target set
func (c *InferenceConfig) SameTargets(other *InferenceConfig) bool {
	return len(c.Targets) == len(other.Targets) && c.Covers(other.Targets)
}

func firstDuplicate(values []string) (string, bool) {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return v, true
		}
		seen[v] = struct{}{}
	}
	return "", false
}
