package datastore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// Store is the population source the inference engine reads from.
// This is the collaborator that owns persistence, aggregate evaluation and
// temporary working sets; the engine only ever talks to it through here.
type Store interface {
	// Rows returns every row of entityType passing filter, in ID order
	Rows(ctx context.Context, entityType string, filter Filter) ([]Row, error)

	// Aggregate evaluates fn over column for the rows passing filter. The
	// boolean is false when the aggregate is null (no qualifying values).
	// AggCount with an empty column counts rows.
	Aggregate(ctx context.Context, entityType string, filter Filter, fn models.AggregateFunc, column string) (float64, bool, error)

	// Materialize copies the rows passing filter into a uniquely named
	// working set with the given computed columns added (initially null).
	// The caller must Drop it.
	Materialize(ctx context.Context, entityType string, filter Filter, computed []string) (WorkingSet, error)
}

// WorkingSet is one invocation's derived population. Row order is fixed at
// materialization and shared by Values and SetValues.
type WorkingSet interface {
	Name() string
	Len() int

	// Values reads a column in row order; nulls come back as NaN
	Values(ctx context.Context, column string) ([]float64, error)

	// SetValues writes a column in row order; NaN is stored as null
	SetValues(ctx context.Context, column string, values []float64) error

	// Aggregate evaluates fn over column across the working set
	Aggregate(ctx context.Context, fn models.AggregateFunc, column string) (float64, bool, error)

	// Drop releases the working set. It is safe to call more than once.
	Drop(ctx context.Context) error
}

// Row is one stored population record
type Row struct {
	ID     int64         `json:"id"`
	Fields models.Record `json:"fields"`
}

// Filter restricts a population to rows where every NonNull field is present
type Filter struct {
	NonNull []string
}

// NonNull builds a filter requiring each field to be non-null
func NonNull(fields ...string) Filter {
	return Filter{NonNull: fields}
}

// Matches reports whether rec passes the filter
func (f Filter) Matches(rec models.Record) bool {
	for _, field := range f.NonNull {
		if !rec.Has(field) {
			return false
		}
	}
	return true
}

// Imputation is one stored estimate produced by a batch imputation run
type Imputation struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	RowID      int64     `json:"row_id"`
	Target     string    `json:"target"`
	Value      float64   `json:"value"`
	Defined    bool      `json:"defined"`
	Rows       int       `json:"rows"`
	ComputedAt time.Time `json:"computed_at"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table or column name
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func checkIdentifiers(names ...string) error {
	for _, name := range names {
		if !ValidIdentifier(name) {
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// newWorkingSetName returns a name unique to one invocation
func newWorkingSetName() string {
	return "fuzzy_infer_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
