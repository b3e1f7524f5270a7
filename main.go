// api/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tracklane/api/config"
	"tracklane/api/handlers"
	"tracklane/api/middleware"
	"tracklane/api/queue"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("Exiting")
	}
}

func rootCmd() *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:          "tracklane",
		Short:        "Buffered analytics ingestion into ClickHouse",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			return configureLogging(cfg.LogLevel)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "api",
			Short: "Serve the tracking and stats endpoints",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAPI(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Process queued events, session ends and cron jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWorker(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Flush the event and profile buffers once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runFlush(cmd.Context(), cfg)
			},
		},
	)
	return cmd
}

func configureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid LOG_LEVEL %q", level)
	}
	log.SetLevel(parsed)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runAPI(parent context.Context, cfg config.Config) error {
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	trackHandlers := handlers.NewTrackHandlers(a.deps, a.profiles, a.salts, handlers.HeaderGeoResolver{})
	statsHandlers := handlers.NewStatsHandlers(a.analytics)

	r := gin.Default()
	r.Use(middleware.CORSMiddleware(cfg.FEOrigin))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/track", trackHandlers.TrackEvent)
		api.POST("/profile", trackHandlers.Identify)

		statsGroup := api.Group("/stats")
		{
			statsGroup.GET("/event-counts", statsHandlers.GetEventCountsOverTime)
			statsGroup.GET("/screen-view-duration", statsHandlers.GetAverageScreenViewDuration)
			statsGroup.GET("/top-paths", statsHandlers.GetTopNPaths)
		}
	}

	ctx, stop := signalContext(parent)
	defer stop()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("API server starting on http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "API server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(srv)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// threshold flushes started by profile inserts
	a.profiles.Wait()
	log.Info("API server exiting")
	return nil
}

func runWorker(parent context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	if err := a.deps.ScheduleCron(ctx, a.cronQueue, cfg.BatchInterval); err != nil {
		return err
	}

	opts := queue.WorkerOptions{Concurrency: cfg.Concurrency}
	workers := []*queue.Worker{
		queue.NewWorker(a.eventsQueue, a.deps.EventsHandler, opts),
		queue.NewWorker(a.sessionsQueue, a.deps.SessionsHandler, opts),
		queue.NewWorker(a.cronQueue, a.deps.CronHandler, queue.WorkerOptions{Concurrency: 1}),
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		log.Infof("Worker metrics on http://localhost:%s/metrics", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(metricsSrv)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.events.Wait()
	a.profiles.Wait()
	log.Info("Worker exiting")
	return nil
}

func runFlush(parent context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	if err := a.deps.FlushEvents(ctx); err != nil {
		return err
	}
	return a.deps.FlushProfiles(ctx)
}

func shutdown(srv *http.Server) error {
	log.Infof("Shutting down server on %s...", srv.Addr)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	return nil
}
