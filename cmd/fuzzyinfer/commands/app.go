package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/pkg/config"
	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/inference"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/registry"
)

// Options holds the persistent flags shared by every command
type Options struct {
	ConfigFile   string
	LogLevel     string
	LogFormat    string
	DatabasePath string
	RegistryPath string
}

// AddPersistentFlags registers the shared flags on root
func (o *Options) AddPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVar(&o.ConfigFile, "config", "", "Configuration file path")
	flags.StringVar(&o.LogLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	flags.StringVar(&o.LogFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&o.DatabasePath, "db", "fuzzy-infer.db", "SQLite database holding the populations")
	flags.StringVar(&o.RegistryPath, "registry", "registry.yaml", "Inference registry document")
}

// overrides returns the config keys for flags set explicitly on cmd
func (o *Options) overrides(cmd *cobra.Command) map[string]any {
	flagKeys := map[string]struct {
		key   string
		value string
	}{
		"log-level":  {"log_level", o.LogLevel},
		"log-format": {"log_format", o.LogFormat},
		"db":         {"database_path", o.DatabasePath},
		"registry":   {"registry_path", o.RegistryPath},
	}
	overrides := make(map[string]any)
	for flag, kv := range flagKeys {
		if cmd.Flags().Changed(flag) {
			overrides[kv.key] = kv.value
		}
	}
	return overrides
}

// app is the wiring shared by the commands
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *datastore.SQLiteStore
	registry *registry.Registry
	engine   *inference.Engine
}

// setup loads configuration, opens the store and, when withRegistry is
// set, loads and freezes the registry.
func setup(cmd *cobra.Command, opts *Options, withRegistry bool) (*app, error) {
	cfg, err := config.Load(opts.ConfigFile, opts.overrides(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := datastore.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened SQLite store", logging.String("path", cfg.DatabasePath))

	a := &app{cfg: cfg, logger: logger, store: store}
	if withRegistry {
		reg, err := registry.LoadFile(cfg.RegistryPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		reg.Freeze()
		a.registry = reg
		a.engine = inference.NewEngine(reg, store, logger)
		logger.Debug("Loaded registry",
			logging.String("path", cfg.RegistryPath),
			logging.Strings("entity_types", reg.EntityTypes()))
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", err)
	}
}
