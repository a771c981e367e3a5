package imputation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/inference"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// Inferrer runs one inference invocation
type Inferrer interface {
	Infer(ctx context.Context, entityType string, record models.Record, targets ...string) (*inference.Result, error)
}

// Store is the population source and the destination for estimates
type Store interface {
	Rows(ctx context.Context, entityType string, filter datastore.Filter) ([]datastore.Row, error)
	SaveImputation(ctx context.Context, imp *datastore.Imputation) error
}

// Summary reports one batch run
type Summary struct {
	EntityType string        `json:"entity_type"`
	Targets    []string      `json:"targets"`
	Candidates int           `json:"candidates"`
	Imputed    int           `json:"imputed"`
	Undefined  int           `json:"undefined"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Runner fills in missing target values for stored rows. Estimates are
// recorded as imputations and never written back into the population.
type Runner struct {
	engine      Inferrer
	store       Store
	concurrency int
	logger      *logging.Logger
}

// NewRunner creates a runner running at most concurrency invocations at once
func NewRunner(engine Inferrer, store Store, concurrency int, logger *logging.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		engine:      engine,
		store:       store,
		concurrency: concurrency,
		logger:      logger.WithFields(logging.Component("imputation")),
	}
}

// Run infers every requested target that is missing on each row of
// entityType. Rows whose own fields cannot drive an inference are skipped;
// lookup and store failures abort the run.
func (r *Runner) Run(ctx context.Context, entityType string, targets []string) (*Summary, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	start := time.Now()

	rows, err := r.store.Rows(ctx, entityType, datastore.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", entityType, err)
	}

	summary := &Summary{EntityType: entityType, Targets: targets}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, row := range rows {
		missing := missingTargets(row.Fields, targets)
		if len(missing) == 0 {
			continue
		}
		summary.Candidates++

		row := row
		g.Go(func() error {
			imputed, undefined, err := r.imputeRow(gctx, entityType, row, missing)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Imputed += imputed
				summary.Undefined += undefined
				return nil
			case skippable(err):
				summary.Skipped++
				r.logger.Debug("Skipping row",
					logging.String("entity_type", entityType),
					logging.Any("row_id", row.ID),
					logging.Error(err))
				return nil
			default:
				return fmt.Errorf("row %d: %w", row.ID, err)
			}
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Error("Imputation run failed", err, logging.String("entity_type", entityType))
		return nil, err
	}

	summary.Duration = time.Since(start)
	r.logger.Info("Imputation run complete",
		logging.String("entity_type", entityType),
		logging.Strings("targets", targets),
		logging.Int("candidates", summary.Candidates),
		logging.Int("imputed", summary.Imputed),
		logging.Int("undefined", summary.Undefined),
		logging.Int("skipped", summary.Skipped),
		logging.Duration("duration", summary.Duration))
	return summary, nil
}

func (r *Runner) imputeRow(ctx context.Context, entityType string, row datastore.Row, targets []string) (imputed, undefined int, err error) {
	result, err := r.engine.Infer(ctx, entityType, row.Fields, targets...)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()
	for _, target := range targets {
		est := result.Estimates[target]
		imp := &datastore.Imputation{
			EntityType: entityType,
			RowID:      row.ID,
			Target:     target,
			Value:      est.Value,
			Defined:    est.Defined,
			Rows:       result.Rows,
			ComputedAt: now,
		}
		if err := r.store.SaveImputation(ctx, imp); err != nil {
			return 0, 0, fmt.Errorf("failed to save imputation: %w", err)
		}
		if est.Defined {
			imputed++
		} else {
			undefined++
		}
	}
	return imputed, undefined, nil
}

// skippable reports whether err is specific to one row's fields. Lookup
// failures apply to every row and abort the run instead.
func skippable(err error) bool {
	return errors.Is(err, models.ErrEmptyBasis) ||
		errors.Is(err, models.ErrUnsupportedBasisCombination) ||
		errors.Is(err, models.ErrDegenerateSigma) ||
		errors.Is(err, models.ErrDegenerateWeights)
}

func missingTargets(rec models.Record, targets []string) []string {
	var missing []string
	for _, t := range targets {
		if !rec.Has(t) {
			missing = append(missing, t)
		}
	}
	return missing
}
