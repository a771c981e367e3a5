package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/pkg/api"
	"github.com/seamusabshere/fuzzy-infer/pkg/imputation"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
)

// NewServeCommand runs the HTTP API and, when configured, scheduled imputation
func NewServeCommand(opts *Options) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inference HTTP API",
		Long: `Serve the inference HTTP API. When impute_schedule is configured every
registered target set is also imputed on that cron schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			var scheduler *imputation.Scheduler
			if a.cfg.ImputeSchedule != "" {
				runner := imputation.NewRunner(a.engine, a.store, a.cfg.ImputeConcurrency, a.logger)
				scheduler = imputation.NewScheduler(runner, 0, a.logger)
				for _, entity := range a.registry.EntityTypes() {
					for _, cfg := range a.registry.Configs(entity) {
						name := fmt.Sprintf("%s:%s", entity, strings.Join(cfg.Targets, ","))
						if _, err := scheduler.Add(name, entity, cfg.Targets, a.cfg.ImputeSchedule); err != nil {
							return err
						}
					}
				}
				scheduler.Start()
				defer scheduler.Stop()
			}

			server := api.NewServer(a.engine, a.registry, a.store, api.Options{
				Port:           a.cfg.Port,
				RequestTimeout: a.cfg.RequestTimeout,
				Logger:         a.logger,
				Scheduler:      scheduler,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				a.logger.Info("Shutting down", logging.String("signal", sig.String()))
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "8080", "HTTP port")
	return cmd
}
