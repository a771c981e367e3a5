package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

var (
	// ErrNoTargets is returned by Lookup when no targets are requested
	ErrNoTargets = errors.New("at least one target must be requested")
	// ErrRegistryFrozen is returned by Register after Freeze
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Registry maps entity types to the inference configurations registered for
// them. It is populated at startup, frozen, and then only read.
type Registry struct {
	mu      sync.RWMutex
	configs map[string][]*models.InferenceConfig
	frozen  bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{configs: make(map[string][]*models.InferenceConfig)}
}

// Register validates cfg and adds it under entityType. A second config with
// exactly the same target set for the same type is rejected.
func (r *Registry) Register(entityType string, cfg *models.InferenceConfig) error {
	if strings.TrimSpace(entityType) == "" {
		return fmt.Errorf("%w: entity type is required", models.ErrInvalidConfig)
	}
	if cfg == nil {
		return fmt.Errorf("%w: nil configuration for %s", models.ErrInvalidConfig, entityType)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register %s %v: %w", entityType, cfg.Targets, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	for _, existing := range r.configs[entityType] {
		if existing.SameTargets(cfg) {
			return fmt.Errorf("%w: %s already has a configuration for %v", models.ErrInvalidConfig, entityType, cfg.Targets)
		}
	}
	r.configs[entityType] = append(r.configs[entityType], cfg)
	return nil
}

// Lookup returns the single configuration whose targets include every
// requested target.
func (r *Registry) Lookup(entityType string, targets []string) (*models.InferenceConfig, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	configs, ok := r.configs[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnregisteredType, entityType)
	}

	var match *models.InferenceConfig
	for _, cfg := range configs {
		if !cfg.Covers(targets) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %s %v matches both %v and %v",
				models.ErrAmbiguousTargets, entityType, targets, match.Targets, cfg.Targets)
		}
		match = cfg
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s %v", models.ErrUnsupportedTarget, entityType, targets)
	}
	return match, nil
}

// Freeze stops further registration
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// EntityTypes lists the registered entity types in sorted order
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Configs returns the configurations registered for entityType in
// registration order
func (r *Registry) Configs(entityType string) []*models.InferenceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := r.configs[entityType]
	out := make([]*models.InferenceConfig, len(configs))
	copy(out, configs)
	return out
}
