package datastore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// MemoryStore is an in-process Store. It is used by tests and by callers
// that already hold their population in memory.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[string][]Row
	nextID      int64
	imputations map[string]*Imputation

	materialized int
	active       map[string]struct{}
}

// MemoryStats reports working-set bookkeeping for a MemoryStore
type MemoryStats struct {
	Materialized int // working sets ever created
	Active       int // working sets not yet dropped
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string][]Row),
		imputations: make(map[string]*Imputation),
		active:      make(map[string]struct{}),
	}
}

// Insert adds a copy of rec to entityType's population
func (s *MemoryStore) Insert(_ context.Context, entityType string, rec models.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	fields := make(models.Record, len(rec))
	for k, v := range rec {
		fields[k] = v
	}
	s.entities[entityType] = append(s.entities[entityType], Row{ID: s.nextID, Fields: fields})
	return s.nextID, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Stats returns working-set counters
func (s *MemoryStore) Stats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MemoryStats{Materialized: s.materialized, Active: len(s.active)}
}

func (s *MemoryStore) filtered(entityType string, filter Filter) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []Row
	for _, row := range s.entities[entityType] {
		if filter.Matches(row.Fields) {
			rows = append(rows, row)
		}
	}
	return rows
}

// Rows returns the rows passing filter
func (s *MemoryStore) Rows(_ context.Context, entityType string, filter Filter) ([]Row, error) {
	return s.filtered(entityType, filter), nil
}

// Aggregate evaluates fn over the filtered population
func (s *MemoryStore) Aggregate(_ context.Context, entityType string, filter Filter, fn models.AggregateFunc, column string) (float64, bool, error) {
	rows := s.filtered(entityType, filter)
	if fn == models.AggCount && column == "" {
		return float64(len(rows)), true, nil
	}
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		if v, ok := row.Fields[column]; ok {
			values = append(values, v)
		}
	}
	return aggregateValues(fn, values)
}

// Materialize snapshots the filtered population into a working set
func (s *MemoryStore) Materialize(_ context.Context, entityType string, filter Filter, computed []string) (WorkingSet, error) {
	if err := checkIdentifiers(computed...); err != nil {
		return nil, err
	}
	rows := s.filtered(entityType, filter)

	ws := &memWorkingSet{
		store:    s,
		name:     newWorkingSetName(),
		rows:     rows,
		computed: make(map[string][]float64, len(computed)),
	}
	for _, c := range computed {
		if len(rows) > 0 {
			if _, clash := rows[0].Fields[c]; clash {
				return nil, fmt.Errorf("computed column %s already exists on %s", c, entityType)
			}
		}
		col := make([]float64, len(rows))
		for i := range col {
			col[i] = math.NaN()
		}
		ws.computed[c] = col
	}

	s.mu.Lock()
	s.materialized++
	s.active[ws.name] = struct{}{}
	s.mu.Unlock()
	return ws, nil
}

// SaveImputation records one batch estimate, replacing any earlier estimate
// for the same row and target
func (s *MemoryStore) SaveImputation(_ context.Context, imp *Imputation) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	if imp.ComputedAt.IsZero() {
		imp.ComputedAt = time.Now().UTC()
	}
	copied := *imp
	key := fmt.Sprintf("%s/%d/%s", imp.EntityType, imp.RowID, imp.Target)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imputations[key] = &copied
	return nil
}

// ListImputations returns the stored estimates for entityType ordered by row and target
func (s *MemoryStore) ListImputations(_ context.Context, entityType string) ([]*Imputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Imputation
	for _, imp := range s.imputations {
		if imp.EntityType == entityType {
			copied := *imp
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RowID != result[j].RowID {
			return result[i].RowID < result[j].RowID
		}
		return result[i].Target < result[j].Target
	})
	return result, nil
}

type memWorkingSet struct {
	store    *MemoryStore
	name     string
	rows     []Row
	computed map[string][]float64
	dropped  bool
}

func (w *memWorkingSet) Name() string { return w.name }

func (w *memWorkingSet) Len() int { return len(w.rows) }

func (w *memWorkingSet) Values(_ context.Context, column string) ([]float64, error) {
	if w.dropped {
		return nil, fmt.Errorf("working set %s has been dropped", w.name)
	}
	if col, ok := w.computed[column]; ok {
		out := make([]float64, len(col))
		copy(out, col)
		return out, nil
	}
	out := make([]float64, len(w.rows))
	for i, row := range w.rows {
		v, ok := row.Fields[column]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out, nil
}

func (w *memWorkingSet) SetValues(_ context.Context, column string, values []float64) error {
	if w.dropped {
		return fmt.Errorf("working set %s has been dropped", w.name)
	}
	col, ok := w.computed[column]
	if !ok {
		return fmt.Errorf("working set %s has no computed column %s", w.name, column)
	}
	if len(values) != len(col) {
		return fmt.Errorf("working set has %d rows, got %d values for %s", len(col), len(values), column)
	}
	copy(col, values)
	return nil
}

func (w *memWorkingSet) Aggregate(ctx context.Context, fn models.AggregateFunc, column string) (float64, bool, error) {
	if fn == models.AggCount && column == "" {
		return float64(len(w.rows)), true, nil
	}
	values, err := w.Values(ctx, column)
	if err != nil {
		return 0, false, err
	}
	present := values[:0]
	for _, v := range values {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	return aggregateValues(fn, present)
}

func (w *memWorkingSet) Drop(context.Context) error {
	if w.dropped {
		return nil
	}
	w.dropped = true
	w.store.mu.Lock()
	delete(w.store.active, w.name)
	w.store.mu.Unlock()
	return nil
}

// aggregateValues mirrors SQL semantics: every aggregate but COUNT is null
// over an empty input.
func aggregateValues(fn models.AggregateFunc, values []float64) (float64, bool, error) {
	if !fn.Valid() {
		return 0, false, fmt.Errorf("unsupported aggregate %q", fn)
	}
	if fn == models.AggCount {
		return float64(len(values)), true, nil
	}
	if len(values) == 0 {
		return 0, false, nil
	}

	data := stats.Float64Data(values)
	var (
		v   float64
		err error
	)
	switch fn {
	case models.AggSum:
		v, err = stats.Sum(data)
	case models.AggAvg:
		v, err = stats.Mean(data)
	case models.AggMax:
		v, err = stats.Max(data)
	case models.AggMin:
		v, err = stats.Min(data)
	case models.AggStddev:
		v, err = stats.StandardDeviationPopulation(data)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to evaluate %s: %w", fn, err)
	}
	return v, true, nil
}
