package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/version"
)

type options struct {
	operator string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "secctl",
		Short:         "Operate BookGuard rate limits, IP blocks and incidents",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.Init(opts.verbose, cmd.ErrOrStderr())
		},
	}
	defaultOperator := os.Getenv("USER")
	if defaultOperator == "" {
		defaultOperator = "secctl"
	}
	root.PersistentFlags().StringVar(&opts.operator, "as", defaultOperator, "operator name recorded on changes")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newTokenCmd(),
		newOverrideCmd(opts),
		newAdjustCmd(opts),
		newIPCmd(opts),
		newIncidentsCmd(opts),
		newJanitorCmd(opts),
	)
	return root
}

// env is the in-process service graph a command runs against.
type env struct {
	cfg   config.Config
	store store.Store
	cerb  *cerberus.Cerberus
}

func (e *env) svc() cerberus.Services { return e.cerb.Services() }

func (e *env) Close() {
	e.svc().Incidents.Wait()
	_ = e.store.Close()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "memory" {
		logger.Log().Warn("store driver is memory; changes will not reach a running server")
	}
	// Notifications stay synchronous so Close never races a pending send.
	cfg.Notifications.Async = false
	st, err := store.Open(ctx, cfg.Store, clock.Real{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cerb, err := cerberus.Build(cfg, st, clock.Real{}, cerberus.Options{})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &env{cfg: cfg, store: st, cerb: cerb}, nil
}

// withEnv opens the services, runs fn and closes them again.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// janitor is built on demand; secctl never schedules it.
func newJanitor(e *env) (*services.JanitorService, error) {
	cfg := e.cfg.Janitor
	cfg.Enabled = false
	return services.NewJanitorService(cfg, e.store, e.svc().Events, e.svc().Anomaly)
}
