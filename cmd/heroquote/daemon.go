package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/observability"
	"github.com/oriys/heroquote/internal/scheduler"
	"github.com/oriys/heroquote/internal/state"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func daemonCmd() *cobra.Command {
	var (
		schedule string
		httpAddr string
		noRunNow bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Process mention batches on a schedule",
		Long:  "Run batches on a cron schedule and serve /metrics, /healthz and /stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("schedule") {
				cfg.Daemon.Schedule = schedule
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			sched := scheduler.New(func(ctx context.Context) error {
				_, err := a.proc.Run(ctx)
				return err
			}, 0)
			if err := sched.Schedule(cfg.Daemon.Schedule); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx, !noRunNow) })

			if cfg.Daemon.HTTPAddr != "" {
				srv := &http.Server{
					Addr:              cfg.Daemon.HTTPAddr,
					Handler:           observability.HTTPMiddleware(newMux(a.state, sched)),
					ReadHeaderTimeout: 10 * time.Second,
				}
				g.Go(func() error {
					logging.Op().Info("HTTP server started", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}

			logging.Op().Info("daemon started", "schedule", cfg.Daemon.Schedule, "bot", cfg.Bot.Username)
			err = g.Wait()
			logging.Op().Info("daemon stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression or descriptor, e.g. \"@every 2m\"")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address for /metrics, /healthz and /stats")
	cmd.Flags().BoolVar(&noRunNow, "no-run-now", false, "Wait for the first scheduled trigger")

	return cmd
}

// statsSource is the part of the state manager the HTTP endpoints read.
type statsSource interface {
	GetStatistics(ctx context.Context) state.Statistics
}

type schedulerStatus interface {
	Next() time.Time
	Runs() int
	LastError() error
}

func newMux(st statsSource, sched schedulerStatus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok", "runs": sched.Runs()}
		if next := sched.Next(); !next.IsZero() {
			resp["next_run"] = next
		}
		if err := sched.LastError(); err != nil {
			resp["last_error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.GetStatistics(r.Context()))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("failed to write response", "error", err)
	}
}
