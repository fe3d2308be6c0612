package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/internal/waker"
	"github.com/rendis/flowcore/pkg/schema"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the waker and expose /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.withApp(cmd, func(_ context.Context, a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	w, err := waker.New(a.store, a.engine, a.locker, waker.Config{
		Schedule:   cfg.PollSchedule,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.BatchSize,
		PoolSize:   cfg.PoolSize,
	}, waker.WithLogger(a.logger), waker.WithObserver(a.metrics))
	if err != nil {
		return err
	}
	if err := a.metrics.WatchPool(w.Pool().Active); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.Handle("/circuits", circuitsHandler(a.breakers))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := w.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("waker started", "schedule", cfg.PollSchedule, "pool_size", cfg.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.engine.RunCacheEviction(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("flowcore stopped")
	return err
}

// circuitsHandler reports every known circuit breaker, ordered by service.
func circuitsHandler(breakers *resilience.BreakerRegistry) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		services := breakers.Services()
		slices.Sort(services)
		out := make([]resilience.Stats, 0, len(services))
		for _, s := range services {
			out = append(out, breakers.Stats(s))
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(out)
	})
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.store.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return err
			})
		},
	}
}

func newTemplateCmd(c *cli) *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage templates"}

	var code string
	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Validate and register a template file (JSON or YAML) as its next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readTemplateFile(args[0])
			if err != nil {
				return err
			}
			if code == "" {
				code = codeFromPath(args[0])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				result := a.validator.Validate(code, def)
				if err := result.Report(cmd.ErrOrStderr()); err != nil {
					return err
				}
				if err := result.ToError(); err != nil {
					return err
				}
				t, err := a.store.PutTemplate(ctx, code, def)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"code": t.Code, "version": t.Version})
			})
		},
	}
	put.Flags().StringVar(&code, "code", "", "template code (default: file name without extension)")

	tpl.AddCommand(put)
	return tpl
}

func newStartCmd(c *cli) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "start <template-code>",
		Short: "Create an instance of the latest template version and drive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseObject("input", input)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				id, runErr := a.engine.Start(ctx, args[0], in)
				if id == "" {
					return runErr
				}
				if err := printInstance(ctx, cmd, a, id); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "instance input as a JSON object")
	return cmd
}

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume an instance from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				runErr := a.resumeLocked(ctx, args[0])
				if schema.IsNotFound(runErr) {
					return runErr
				}
				if err := printInstance(ctx, cmd, a, args[0]); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func newTaskCmd(c *cli) *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage human tasks"}

	var result string
	complete := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a pending task and resume its instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := rawJSON("result", result)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				t, err := a.store.CompleteTask(ctx, args[0], res)
				if err != nil {
					return err
				}
				runErr := a.resumeLocked(ctx, t.InstanceID)
				if err := printInstance(ctx, cmd, a, t.InstanceID); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	complete.Flags().StringVar(&result, "result", "", "task result as JSON")

	task.AddCommand(complete)
	return task
}

func newEventCmd(c *cli) *cobra.Command {
	event := &cobra.Command{Use: "event", Short: "Deliver correlated event responses"}

	var payload string
	deliver := &cobra.Command{
		Use:   "deliver <correlation-id>",
		Short: "Store an event response and resume the instance waiting for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := rawJSON("payload", payload)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				instanceID, err := a.store.DeliverEvent(ctx, args[0], body)
				if err != nil {
					return err
				}
				if instanceID == "" {
					// Nobody waits yet; the step picks the response up when it runs.
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "stored response for %s\n", args[0])
					return err
				}
				runErr := a.resumeLocked(ctx, instanceID)
				if err := printInstance(ctx, cmd, a, instanceID); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	deliver.Flags().StringVar(&payload, "payload", "", "event payload as JSON")

	event.AddCommand(deliver)
	return event
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printInstance(ctx context.Context, cmd *cobra.Command, a *app, id string) error {
	inst, err := a.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"id":         inst.ID,
		"template":   fmt.Sprintf("%s@%d", inst.TemplateCode, inst.TemplateVersion),
		"status":     inst.Status,
		"wake_at":    inst.WakeAt,
		"last_error": inst.LastError,
		"context":    inst.Context,
	})
}

// rawJSON validates a JSON flag value. Empty input is null.
func rawJSON(flag, raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--%s is not valid JSON", flag)
	}
	return json.RawMessage(raw), nil
}
