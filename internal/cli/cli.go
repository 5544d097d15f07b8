// Package cli builds the coreflow command tree with github.com/spf13/cobra,
// one subcommand per spec.md §6 flag group, grounded on
// `ChuLiYu-raft-recovery/internal/cli/cli.go`'s BuildCLI/buildXCommand shape.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coreflowhq/coreflow/internal/config"
	"github.com/coreflowhq/coreflow/internal/control"
	"github.com/coreflowhq/coreflow/internal/executor"
	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/notify"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/platform/metrics"
	"github.com/coreflowhq/coreflow/internal/platform/otelx"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/scheduler"
	"github.com/coreflowhq/coreflow/internal/store"
	"github.com/coreflowhq/coreflow/internal/worker"
)

// RegisterFunc lets the binary's main register its job handlers and
// scheduled classes before any daemon subcommand runs.
type RegisterFunc func(reg *registry.Registry, sch *scheduler.Scheduler) error

var configFile string

// BuildCLI constructs the root command. register is invoked once per
// process, after the registry exists and before the queue is used, so
// main can wire its own job handlers without this package knowing about
// them.
func BuildCLI(register RegisterFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "coreflow",
		Short: "coreflow: a distributed job execution platform",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	root.AddCommand(
		buildHaltCmd(),
		buildWorkerCmd(register),
		buildSchedulerCmd(register),
		buildApplicationCmd(),
		buildEnqueueCmd(),
		buildInfoCmd(),
		buildListingCmd(),
		buildDetailCmd(),
		buildRemoveCmd(),
		buildRestartCmd(),
		buildKillCmd(),
		buildPauseCmd(),
		buildResumeCmd(),
		buildModeCmd(),
		buildAliveCmd(),
		buildExecCmd(register),
	)
	return root
}

// env bundles everything every subcommand needs, built fresh per
// invocation so no subcommand leaks state into another.
type env struct {
	cfg          config.Config
	log          *logger.Logger
	metrics      *metrics.Collector
	st           store.Adapter
	reg          *registry.Registry
	svc          *queue.Service
	surface      *control.Surface
	shutdownOtel func(context.Context) error
}

// Close flushes and tears down the env's ambient stack (tracer provider,
// logger). Daemon subcommands defer this on shutdown; one-shot subcommands
// call it right before returning.
func (e *env) Close(ctx context.Context) {
	if e.shutdownOtel != nil {
		_ = e.shutdownOtel(ctx)
	}
	e.log.Sync()
}

func newEnv(register RegisterFunc) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("cli: logger init: %w", err)
	}
	m := metrics.NewCollector()
	shutdownOtel := otelx.Init(context.Background(), log, otelx.Config{ServiceName: "coreflow"})

	db, err := gorm.Open(postgres.Open(cfg.Store.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("cli: connect store: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("cli: migrate store: %w", err)
	}
	st := store.NewPostgres(db, log)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.RedisAddr != "" {
		bus, err := notify.NewRedisBus(context.Background(), log, cfg.Notify.RedisAddr, cfg.Notify.Channel)
		if err != nil {
			log.Warn("redis notifier unavailable, continuing without it", "error", err)
		} else {
			notifier = bus
		}
	}

	reg := registry.New()
	svc := queue.New(st, reg, log, m, notifier)

	if register != nil {
		sch := scheduler.New("", svc, log, scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval, StoreTimeout: cfg.Scheduler.StoreTimeout,
		})
		if err := register(reg, sch); err != nil {
			return nil, fmt.Errorf("cli: register job handlers: %w", err)
		}
	}

	return &env{
		cfg: cfg, log: log, metrics: m, st: st, reg: reg, svc: svc,
		surface: control.New(svc), shutdownOtel: shutdownOtel,
	}, nil
}

func buildHaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "immediate system halt",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			fmt.Println("system halt")
			return e.surface.Halt(cmd.Context())
		},
	}
}

func buildWorkerCmd(register RegisterFunc) *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "launch a Worker Daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(register)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())
			startMetricsServer(e)
			w := worker.New(identifier, e.svc, e.log, e.metrics, &worker.OSSpawner{}, worker.Config{
				Concurrency: e.cfg.Worker.Concurrency, PollInterval: e.cfg.Worker.PollInterval,
				StoreTimeout: e.cfg.Worker.StoreTimeout,
			})
			fmt.Printf("start worker [%s]\n", w.ID())
			return runUntilSignal(w.Run)
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "worker daemon identifier")
	return cmd
}

func buildSchedulerCmd(register RegisterFunc) *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "launch the Scheduler Daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())
			startMetricsServer(e)
			sch := scheduler.New(identifier, e.svc, e.log, scheduler.Config{
				PollInterval: e.cfg.Scheduler.PollInterval, StoreTimeout: e.cfg.Scheduler.StoreTimeout,
			})
			if register != nil {
				if err := register(e.reg, sch); err != nil {
					return err
				}
			}
			fmt.Printf("start scheduler [%s]\n", sch.ID())
			return runUntilSignal(sch.Run)
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "scheduler daemon identifier")
	return cmd
}

// buildApplicationCmd registers the --application subcommand spec.md §6
// requires present but out of scope: HTTP request-routing/handler
// machinery is an explicit Non-goal (spec.md §1/§11), so this returns
// ErrSetup rather than silently doing nothing.
func buildApplicationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "application",
		Short: "launch the API application server (not implemented in this core)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("%w: application server is out of scope for this core", queue.ErrSetup)
		},
	}
}

func buildEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue QUAL_NAME [K=V ...]",
		Short: "enqueue a job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			fmt.Printf("enqueueing [%s]\n", args[0])
			rec, err := e.surface.Enqueue(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Println(rec.ID.String())
			return nil
		},
	}
}

func buildInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "job state summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			out, err := e.surface.Info(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func buildListingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listing [STATE ...]",
		Short: "job listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			states := make([]jobqueue.State, 0, len(args))
			for _, a := range args {
				states = append(states, jobqueue.State(a))
			}
			out, err := e.surface.Listing(cmd.Context(), states)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func buildDetailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detail ID_OR_NAME...",
		Short: "job details",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			for _, token := range args {
				ids, err := e.svc.ResolveByIDOrName(cmd.Context(), token)
				if err != nil || len(ids) == 0 {
					continue
				}
				out, err := e.surface.Detail(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}
			return nil
		},
	}
}

func buildRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID_OR_NAME...",
		Short: "remove jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			for _, token := range args {
				removed, err := e.surface.Remove(cmd.Context(), token)
				if err != nil || len(removed) == 0 {
					fmt.Printf("failed to remove [%s]\n", token)
					continue
				}
				for _, id := range removed {
					fmt.Printf("removed [%s]\n", id)
				}
			}
			return nil
		},
	}
}

func buildRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart ID_OR_NAME...",
		Short: "restart jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			for _, token := range args {
				restarted, err := e.surface.Restart(cmd.Context(), token)
				if err != nil || len(restarted) == 0 {
					fmt.Printf("failed to restart [%s]\n", token)
					continue
				}
				for _, rec := range restarted {
					fmt.Printf("restarted [%s], new _id [%s]\n", token, rec.ID.String())
				}
			}
			return nil
		},
	}
}

func buildKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill ID_OR_NAME...",
		Short: "kill jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			for _, token := range args {
				killed, err := e.surface.Kill(cmd.Context(), token)
				if err != nil || len(killed) == 0 {
					fmt.Printf("failed to kill [%s]\n", token)
					continue
				}
				for _, id := range killed {
					fmt.Printf("killed [%s]\n", id)
				}
			}
			return nil
		},
	}
}

func buildPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [PROJECT]",
		Short: "enter maintenance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			out, err := e.surface.Pause(cmd.Context(), project)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func buildResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [PROJECT]",
		Short: "leave maintenance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			out, err := e.surface.Resume(cmd.Context(), project)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func buildModeCmd() *cobra.Command {
	var projects []string
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "show maintenance mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			out, err := e.surface.Mode(cmd.Context(), projects)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&projects, "project", nil, "project names to check (repeatable)")
	return cmd
}

func buildAliveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alive",
		Short: "worker/scheduler alive state",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			out, err := e.surface.Alive(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// buildExecCmd is the hidden Executor entrypoint: the same binary re-execs
// itself with `__exec`, a job id on stdin, per spec.md §6.
func buildExecCmd(register RegisterFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "__exec",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(register)
			if err != nil {
				return err
			}
			defer e.Close(cmd.Context())
			return executor.Run(cmd.Context(), e.svc, io.Reader(os.Stdin))
		},
	}
	return cmd
}

// startMetricsServer launches the Prometheus /metrics endpoint in the
// background if the config enables it. ListenAndServe only returns on
// error, so a failure here is logged, not fatal: the daemon keeps running
// without metrics scraping rather than refusing to start.
func startMetricsServer(e *env) {
	if !e.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.StartServer(e.cfg.Metrics.Addr); err != nil {
			e.log.Warn("metrics server stopped", "error", err)
		}
	}()
}

// runUntilSignal runs a daemon loop until SIGINT/SIGTERM, then cancels its
// context and waits for it to return.
func runUntilSignal(loop func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return loop(ctx)
}
