package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/discovery-cli/internal/api"
	"github.com/sells-group/discovery-cli/internal/durable"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/store"
)

var (
	servePort    int
	serveDurable bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the discovery HTTP API",
	Long:  "Serves the run API. Runs are resumed in-process by a bounded dispatcher, or handed to Temporal with --durable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			dispatch api.Dispatcher
			local    *pipeline.Dispatcher
		)
		if serveDurable {
			tc, err := durable.Dial(temporalConfig())
			if err != nil {
				return err
			}
			defer tc.Close()
			dispatch = durable.NewStarter(tc, cfg.Temporal.TaskQueue, runInputTemplate())
		} else {
			local = pipeline.NewDispatcher(env.Orch, cfg.Pipeline.MaxConcurrentRuns)
			dispatch = local
		}

		if n, err := recoverRuns(ctx, env.Store, dispatch); err != nil {
			zap.L().Warn("serve: run recovery incomplete", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("serve: resumed unfinished runs", zap.Int("count", n))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.New(env.Orch, dispatch, env.Store, api.Options{
				CORSOrigins: cfg.Server.CORSOrigins,
				Circuits:    env.Gateway,
				Cache:       env.Cache,
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.Bool("durable", serveDurable))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			purgeLoop(gctx, env.Cache, time.Duration(cfg.Cache.PurgeIntervalMins)*time.Minute)
			return nil
		})
		if cfg.Monitoring.Enabled {
			checker := newChecker(env.Store)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if local != nil {
				if err := local.Shutdown(shutdownCtx); err != nil {
					zap.L().Warn("dispatcher shutdown cancelled in-flight runs", zap.Error(err))
				}
			}
			return nil
		})

		return g.Wait()
	},
}

// resumableStatuses are the statuses a restarted server picks back up.
var resumableStatuses = []model.RunStatus{
	model.RunStatusPending,
	model.RunStatusRunning,
	model.RunStatusAwaitingRetry,
}

// runLister is the store surface recoverRuns reads.
type runLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// recoverRuns dispatches every unfinished run so work interrupted by a
// restart continues. Runs held under another worker's live lease are
// dispatched too; the orchestrator waits them out.
func recoverRuns(ctx context.Context, st runLister, d api.Dispatcher) (int, error) {
	const page = 200
	n := 0
	for _, status := range resumableStatuses {
		for offset := 0; ; offset += page {
			runs, err := st.ListRuns(ctx, store.RunFilter{Status: status, Limit: page, Offset: offset})
			if err != nil {
				return n, eris.Wrapf(err, "serve: list %s runs", status)
			}
			for _, r := range runs {
				if d.Dispatch(r.ID) {
					n++
				}
			}
			if len(runs) < page {
				break
			}
		}
	}
	return n, nil
}

// purger drops expired fingerprint cache rows.
type purger interface {
	Purge(ctx context.Context) (int, error)
}

// purgeLoop purges the cache every interval until ctx ends. A zero
// interval disables it.
func purgeLoop(ctx context.Context, p purger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				zap.L().Warn("cache purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("cache purged", zap.Int("entries", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveDurable, "durable", false, "dispatch runs to Temporal instead of the in-process dispatcher")
	rootCmd.AddCommand(serveCmd)
}
