package models

import (
	"context"
	"fmt"
	"math"
)

// SigmaRule computes the Gaussian bandwidth for one basis field. column is
// the basis field and value is the query record's value for it; agg
// evaluates aggregates over the filtered population.
type SigmaRule interface {
	Sigma(ctx context.Context, agg Aggregator, column string, value float64) (float64, error)
}

// SigmaFunc adapts a plain function to SigmaRule
type SigmaFunc func(ctx context.Context, agg Aggregator, column string, value float64) (float64, error)

// Sigma calls f
func (f SigmaFunc) Sigma(ctx context.Context, agg Aggregator, column string, value float64) (float64, error) {
	return f(ctx, agg, column, value)
}

// StddevDistance widens the bandwidth with both the population spread and
// the query value's distance from the population mean:
//
//	sigma = stddev(column)/StddevDivisor + |avg(column) - value|/DistanceDivisor
type StddevDistance struct {
	StddevDivisor   float64
	DistanceDivisor float64
}

// DefaultStddevDistance is the empirically tuned hotel energy rule
var DefaultStddevDistance = StddevDistance{StddevDivisor: 5, DistanceDivisor: 3}

// Sigma evaluates the rule
func (r StddevDistance) Sigma(ctx context.Context, agg Aggregator, column string, value float64) (float64, error) {
	if r.StddevDivisor == 0 || r.DistanceDivisor == 0 {
		return 0, fmt.Errorf("%w: stddev_distance divisors must be non-zero", ErrInvalidConfig)
	}
	stddev, ok, err := agg.Aggregate(ctx, AggStddev, column)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: stddev(%s) is null", ErrDegenerateSigma, column)
	}
	avg, ok, err := agg.Aggregate(ctx, AggAvg, column)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: avg(%s) is null", ErrDegenerateSigma, column)
	}
	return stddev/r.StddevDivisor + math.Abs(avg-value)/r.DistanceDivisor, nil
}

// FixedSigma uses the same bandwidth for every field and query value
type FixedSigma float64

// Sigma returns the fixed bandwidth
func (s FixedSigma) Sigma(context.Context, Aggregator, string, float64) (float64, error) {
	return float64(s), nil
}

// CheckSigma rejects bandwidths that cannot be used as a divisor
func CheckSigma(column string, sigma float64) error {
	if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return fmt.Errorf("%w: sigma(%s) = %v", ErrDegenerateSigma, column, sigma)
	}
	return nil
}
