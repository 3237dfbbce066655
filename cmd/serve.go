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

	"github.com/sells-group/ghpipe/internal/api"
	"github.com/sells-group/ghpipe/internal/ingest"
	"github.com/sells-group/ghpipe/internal/monitoring"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API, scheduler and optional Kafka consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if n, err := env.Scheduler.RecoverStale(ctx); err != nil {
			return err
		} else if n > 0 {
			zap.L().Warn("recovered stale pipeline runs", zap.Int("count", n))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		webhook := ingest.NewWebhookHandler(env.Store, cfg.GitHub.WebhookSecret)
		collector := monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.StuckRunMinutes)*time.Minute)
		handler := api.NewServer(env.Scheduler, env.Store, webhook).WithMetrics(collector).Handler(cfg.Server.CORSOrigins)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			env.Scheduler.Run(gctx, time.Duration(cfg.Scheduler.TickSecs)*time.Second)
			return nil
		})
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
			g.Go(func() error {
				return ingest.NewConsumer(ingest.NewKafkaReader(cfg.Kafka), env.Store).Run(gctx)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
