package inference

import (
	"context"
	"fmt"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// Resolver finds the configuration covering a set of targets
type Resolver interface {
	Lookup(entityType string, targets []string) (*models.InferenceConfig, error)
}

// Engine resolves configurations and runs invocations against one store.
// It holds no per-invocation state and is safe for concurrent use.
type Engine struct {
	resolver Resolver
	store    datastore.Store
	logger   *logging.Logger
}

// NewEngine creates an engine. A nil logger discards output.
func NewEngine(resolver Resolver, store datastore.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		resolver: resolver,
		store:    store,
		logger:   logger.WithFields(logging.Component("inference")),
	}
}

// Machine resolves the configuration for targets and prepares an invocation
func (e *Engine) Machine(entityType string, record models.Record, targets ...string) (*Machine, error) {
	cfg, err := e.resolver.Lookup(entityType, targets)
	if err != nil {
		return nil, err
	}
	m, err := NewMachine(e.store, entityType, record, targets, cfg)
	if err != nil {
		return nil, err
	}
	return m.WithLogger(e.logger), nil
}

// Infer estimates targets for record in one invocation
func (e *Engine) Infer(ctx context.Context, entityType string, record models.Record, targets ...string) (*Result, error) {
	m, err := e.Machine(entityType, record, targets...)
	if err != nil {
		return nil, err
	}
	return m.Infer(ctx)
}

// InferOne estimates a single target. The boolean is false when no
// population row carried any membership.
func (e *Engine) InferOne(ctx context.Context, entityType string, record models.Record, target string) (float64, bool, error) {
	result, err := e.Infer(ctx, entityType, record, target)
	if err != nil {
		return 0, false, err
	}
	est, ok := result.Estimate(target)
	if !ok {
		return 0, false, fmt.Errorf("no estimate produced for %s", target)
	}
	return est.Value, est.Defined, nil
}
