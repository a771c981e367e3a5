package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// State is the last stage an invocation reached
type State int

const (
	StateCreated State = iota
	StateBasisExtracted
	StateSigmaComputed
	StateWorkingSetBuilt
	StateAggregated
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBasisExtracted:
		return "basis_extracted"
	case StateSigmaComputed:
		return "sigma_computed"
	case StateWorkingSetBuilt:
		return "working_set_built"
	case StateAggregated:
		return "aggregated"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const membershipColumn = "fuzzy_membership"

func weightColumn(field string) string           { return "fuzzy_w_" + field }
func normalizedWeightColumn(field string) string { return "fuzzy_nw_" + field }
func weightedValueColumn(i int) string           { return fmt.Sprintf("fuzzy_wv_%d", i) }

// Result is the outcome of one invocation
type Result struct {
	Estimates  map[string]models.Estimate `json:"estimates"`
	Basis      Basis                      `json:"basis"`
	Sigma      map[string]float64         `json:"sigma,omitempty"`
	Rows       int                        `json:"rows"`
	WorkingSet string                     `json:"working_set,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

// Estimate returns the estimate for target
func (r *Result) Estimate(target string) (models.Estimate, bool) {
	e, ok := r.Estimates[target]
	return e, ok
}

// Machine runs inference for one record against one configuration. A
// Machine is not safe for concurrent use; each Infer call is a fresh
// invocation with its own working set.
type Machine struct {
	store      datastore.Store
	entityType string
	record     models.Record
	targets    []string
	cfg        *models.InferenceConfig
	logger     *logging.Logger
	state      State
}

// NewMachine prepares an invocation estimating targets for record. Every
// target must be one of cfg's registered targets.
func NewMachine(store datastore.Store, entityType string, record models.Record, targets []string, cfg *models.InferenceConfig) (*Machine, error) {
	if store == nil {
		return nil, errors.New("inference: store is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", models.ErrInvalidConfig)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets requested", models.ErrUnsupportedTarget)
	}
	if !cfg.Covers(targets) {
		return nil, fmt.Errorf("%w: %v not within %v", models.ErrUnsupportedTarget, targets, cfg.Targets)
	}
	return &Machine{
		store:      store,
		entityType: entityType,
		record:     record,
		targets:    distinct(targets),
		cfg:        cfg,
		logger:     logging.NewNop(),
	}, nil
}

// WithLogger sets the logger used for invocation diagnostics
func (m *Machine) WithLogger(logger *logging.Logger) *Machine {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// State reports the last stage the most recent invocation reached
func (m *Machine) State() State {
	return m.state
}

// Basis returns the comparison fields this record will be matched on
func (m *Machine) Basis() (Basis, error) {
	return ExtractBasis(m.record, m.cfg)
}

// Membership returns the combiner selected for the record's present basis
func (m *Machine) Membership() (models.Combiner, error) {
	basis, err := m.Basis()
	if err != nil {
		return nil, err
	}
	return m.cfg.Membership.Compile(basis.Names())
}

// Sigma evaluates the bandwidth for every basis field over the population
func (m *Machine) Sigma(ctx context.Context) (map[string]float64, error) {
	basis, err := m.Basis()
	if err != nil {
		return nil, err
	}
	return m.sigma(ctx, basis, m.filter(basis))
}

// filter selects rows where every registered target and every present
// basis field is non-null. It uses the full registered target set, not just
// the requested targets.
func (m *Machine) filter(basis Basis) datastore.Filter {
	fields := slices.Clone(m.cfg.Targets)
	for _, f := range basis {
		fields = append(fields, f.Name)
	}
	return datastore.NonNull(fields...)
}

func (m *Machine) sigma(ctx context.Context, basis Basis, filter datastore.Filter) (map[string]float64, error) {
	agg := populationAggregator{store: m.store, entityType: m.entityType, filter: filter}
	sigma := make(map[string]float64, len(basis))
	for _, f := range basis {
		s, err := m.cfg.Sigma.Sigma(ctx, agg, f.Name, f.Value)
		if err != nil {
			return nil, fmt.Errorf("sigma(%s): %w", f.Name, err)
		}
		if err := models.CheckSigma(f.Name, s); err != nil {
			return nil, err
		}
		sigma[f.Name] = s
	}
	return sigma, nil
}

// Infer estimates every requested target from one working set
func (m *Machine) Infer(ctx context.Context) (*Result, error) {
	start := time.Now()
	m.state = StateCreated

	result, err := m.infer(ctx)

	elapsed := time.Since(start)
	invocationDuration.Observe(elapsed.Seconds())
	targetsPerInvocation.Observe(float64(len(m.targets)))

	if err != nil {
		if models.IsConfigurationError(err) {
			invocationsTotal.WithLabelValues(outcomeConfigError).Inc()
		} else {
			invocationsTotal.WithLabelValues(outcomeStoreError).Inc()
		}
		m.logger.Warn("Inference failed",
			logging.String("entity_type", m.entityType),
			logging.Strings("targets", m.targets),
			logging.String("state", m.state.String()),
			logging.Error(err))
		return nil, err
	}

	result.Duration = elapsed
	outcome := outcomeDefined
	for _, e := range result.Estimates {
		if !e.Defined {
			outcome = outcomeUndefined
		}
	}
	invocationsTotal.WithLabelValues(outcome).Inc()

	m.logger.Debug("Inference complete",
		logging.String("entity_type", m.entityType),
		logging.Strings("targets", m.targets),
		logging.Strings("basis", result.Basis.Names()),
		logging.Any("sigma", result.Sigma),
		logging.Int("rows", result.Rows),
		logging.String("working_set", result.WorkingSet),
		logging.Duration("duration", elapsed))
	return result, nil
}

func (m *Machine) infer(ctx context.Context) (*Result, error) {
	basis, err := ExtractBasis(m.record, m.cfg)
	if err != nil {
		return nil, err
	}
	m.state = StateBasisExtracted

	combine, err := m.cfg.Membership.Compile(basis.Names())
	if err != nil {
		return nil, err
	}

	result := &Result{
		Estimates: make(map[string]models.Estimate, len(m.targets)),
		Basis:     basis,
	}

	filter := m.filter(basis)
	count, _, err := m.store.Aggregate(ctx, m.entityType, filter, models.AggCount, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count population: %w", err)
	}
	if count == 0 {
		for _, t := range m.targets {
			result.Estimates[t] = models.Estimate{Target: t}
		}
		m.state = StateAggregated
		return result, nil
	}

	sigma, err := m.sigma(ctx, basis, filter)
	if err != nil {
		return nil, err
	}
	result.Sigma = sigma
	m.state = StateSigmaComputed

	computed := make([]string, 0, 2*len(basis)+1+len(m.targets))
	for _, f := range basis {
		computed = append(computed, weightColumn(f.Name), normalizedWeightColumn(f.Name))
	}
	computed = append(computed, membershipColumn)
	for i := range m.targets {
		computed = append(computed, weightedValueColumn(i))
	}

	ws, err := m.store.Materialize(ctx, m.entityType, filter, computed)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize working set: %w", err)
	}
	workingSetsTotal.Inc()
	m.state = StateWorkingSetBuilt
	defer func() {
		if dropErr := ws.Drop(context.WithoutCancel(ctx)); dropErr != nil {
			m.logger.Error("Failed to drop working set", dropErr, logging.String("working_set", ws.Name()))
		}
		m.state = StateDiscarded
	}()

	result.WorkingSet = ws.Name()
	result.Rows = ws.Len()

	membership, err := m.membership(ctx, ws, basis, sigma, combine)
	if err != nil {
		return nil, err
	}
	if err := m.aggregate(ctx, ws, membership, result); err != nil {
		return nil, err
	}
	m.state = StateAggregated
	return result, nil
}

// membership writes the raw and normalized weights for each basis field and
// the combined per-row membership, which it also returns.
func (m *Machine) membership(ctx context.Context, ws datastore.WorkingSet, basis Basis, sigma map[string]float64, combine models.Combiner) ([]float64, error) {
	n := ws.Len()
	normalized := make(map[string][]float64, len(basis))

	for _, f := range basis {
		values, err := ws.Values(ctx, f.Name)
		if err != nil {
			return nil, err
		}
		raw := make([]float64, n)
		for i, x := range values {
			raw[i] = gaussian(x, f.Value, sigma[f.Name])
		}
		if err := ws.SetValues(ctx, weightColumn(f.Name), raw); err != nil {
			return nil, err
		}

		maxWeight, ok, err := ws.Aggregate(ctx, models.AggMax, weightColumn(f.Name))
		if err != nil {
			return nil, err
		}
		if !ok || maxWeight <= 0 || math.IsNaN(maxWeight) || math.IsInf(maxWeight, 0) {
			return nil, fmt.Errorf("%w: max weight for %s is %v", models.ErrDegenerateWeights, f.Name, maxWeight)
		}

		norm := make([]float64, n)
		for i, w := range raw {
			norm[i] = w / maxWeight
		}
		if err := ws.SetValues(ctx, normalizedWeightColumn(f.Name), norm); err != nil {
			return nil, err
		}
		normalized[f.Name] = norm
	}

	var rowWeights []float64
	if m.cfg.RowWeight != "" {
		var err error
		rowWeights, err = ws.Values(ctx, m.cfg.RowWeight)
		if err != nil {
			return nil, err
		}
	}

	membership := make([]float64, n)
	scores := make(map[string]float64, len(basis))
	for i := 0; i < n; i++ {
		for _, f := range basis {
			scores[f.Name] = normalized[f.Name][i]
		}
		score := combine(scores)
		if rowWeights != nil {
			// a null row weight drops the row out of both sums
			if w := rowWeights[i]; math.IsNaN(w) {
				score = 0
			} else {
				score *= w
			}
		}
		membership[i] = score
	}
	if err := ws.SetValues(ctx, membershipColumn, membership); err != nil {
		return nil, err
	}
	return membership, nil
}

// aggregate computes SUM(membership * target) / SUM(membership) per target
func (m *Machine) aggregate(ctx context.Context, ws datastore.WorkingSet, membership []float64, result *Result) error {
	denominator, ok, err := ws.Aggregate(ctx, models.AggSum, membershipColumn)
	if err != nil {
		return err
	}
	defined := ok && denominator != 0 && !math.IsNaN(denominator)

	for i, target := range m.targets {
		values, err := ws.Values(ctx, target)
		if err != nil {
			return err
		}
		weighted := make([]float64, len(values))
		for j, v := range values {
			weighted[j] = membership[j] * v
		}
		col := weightedValueColumn(i)
		if err := ws.SetValues(ctx, col, weighted); err != nil {
			return err
		}

		if !defined {
			result.Estimates[target] = models.Estimate{Target: target}
			continue
		}
		numerator, ok, err := ws.Aggregate(ctx, models.AggSum, col)
		if err != nil {
			return err
		}
		if !ok {
			result.Estimates[target] = models.Estimate{Target: target}
			continue
		}
		result.Estimates[target] = models.Estimate{Target: target, Value: numerator / denominator, Defined: true}
	}
	return nil
}

func distinct(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// gaussian is the normal density at x with mean mu and deviation sigma
func gaussian(x, mu, sigma float64) float64 {
	d := x - mu
	return math.Exp(-(d*d)/(2*sigma*sigma)) / (sigma * math.Sqrt(2*math.Pi))
}

// populationAggregator evaluates aggregates over the filtered population
type populationAggregator struct {
	store      datastore.Store
	entityType string
	filter     datastore.Filter
}

func (a populationAggregator) Aggregate(ctx context.Context, fn models.AggregateFunc, column string) (float64, bool, error) {
	return a.store.Aggregate(ctx, a.entityType, a.filter, fn, column)
}
