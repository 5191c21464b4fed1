package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/terraconstructs/gatekeeper/internal/audit"
	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/authz"
	"github.com/terraconstructs/gatekeeper/internal/config"
	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
	"github.com/terraconstructs/gatekeeper/internal/forward"
	"github.com/terraconstructs/gatekeeper/internal/gatekeeper"
	"github.com/terraconstructs/gatekeeper/internal/origin"
	"github.com/terraconstructs/gatekeeper/internal/server"
	"github.com/terraconstructs/gatekeeper/internal/telemetry"
)

const redisStreamMaxLen = 100000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gatekeeper",
	Long:  `Starts the HTTP server that guards and forwards requests to the operations service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(tctx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(registry)

		keys := auth.NewKeyCache(cfg.OIDC.Issuer, cfg.OIDC.JWKSURL,
			auth.WithRefreshPolicy(cfg.OIDC.KeyFreshness, cfg.OIDC.MinRefreshInterval, cfg.OIDC.FetchTimeout),
			auth.WithLogger(logger),
			auth.WithMetrics(metrics),
		)
		warmCtx, cancelWarm := context.WithTimeout(ctx, 2*cfg.OIDC.FetchTimeout)
		if err := keys.Refresh(warmCtx); err != nil {
			// Keys are fetched again on the first unknown kid.
			logger.Warn("initial jwks fetch failed", zap.Error(err))
		} else {
			logger.Info("jwks loaded", zap.Int("keys", len(keys.KeyIDs())))
		}
		cancelWarm()
		verifier := auth.NewVerifier(cfg.OIDC, keys, auth.WithVerifierLogger(logger))

		source, closeSource, err := openPermissionSource(ctx, cfg.Authz, logger)
		if err != nil {
			return err
		}
		defer closeSource()
		resolver := authz.NewResolver(source, authz.ResolverOptions{
			CacheTTL:      cfg.Authz.CacheTTL,
			CacheSize:     cfg.Authz.CacheSize,
			LookupTimeout: cfg.Authz.LookupTimeout,
			Logger:        logger,
			Metrics:       metrics,
		})

		sink, closeSinks, err := buildAuditSink(ctx, cfg.Audit)
		if err != nil {
			return err
		}
		defer closeSinks()
		recorder := audit.NewRecorder(sink, audit.Options{
			QueueSize:       cfg.Audit.QueueSize,
			InitialBackoff:  cfg.Audit.InitialBackoff,
			MaxBackoff:      cfg.Audit.MaxBackoff,
			DeliveryTimeout: cfg.Audit.DeliveryTimeout,
			Logger:          logger,
			Metrics:         metrics,
		})

		guard := origin.NewGuard(origin.Options{
			Allowed:    cfg.Origins.Allowed,
			Window:     cfg.Origins.Window,
			Threshold:  cfg.Origins.AnomalyThreshold,
			BufferSize: cfg.Origins.BufferSize,
			MaxTracked: cfg.Origins.MaxTracked,
			Logger:     logger,
			Metrics:    metrics,
		})
		sweepCtx, stopSweep := context.WithCancel(ctx)
		defer stopSweep()
		go guard.Run(sweepCtx, cfg.Origins.Window/2)

		proxy, err := forward.New(cfg.Downstream, logger)
		if err != nil {
			return fmt.Errorf("configure downstream proxy: %w", err)
		}

		routes := append(gatekeeper.RoutesFromConfig(cfg.Routes), server.OriginEventsRoute(guard, cfg.Origins.RecentLimit))
		pipeline, err := gatekeeper.New(gatekeeper.Dependencies{
			Origins:    guard,
			Verifier:   verifier,
			Authorizer: resolver,
			Recorder:   recorder,
			Forwarder:  proxy,
			Routes:     routes,
			WarnWindow: cfg.Session.WarnWindow,
			Logger:     logger,
			Metrics:    metrics,
		})
		if err != nil {
			return fmt.Errorf("build pipeline: %w", err)
		}

		healthHandler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":            "ok",
				"permission_source": source.Name(),
				"signing_keys":      len(keys.KeyIDs()),
				"audit_pending":     recorder.Pending(),
				"audit_dropped":     recorder.Dropped(),
				"tracked_origins":   guard.Tracked(),
			})
		}

		r := server.NewRouter(server.RouterOptions{
			Pipeline:          pipeline,
			Guard:             guard,
			RecentLimit:       cfg.Origins.RecentLimit,
			Gatherer:          registry,
			HealthHandler:     healthHandler,
			Logger:            logger,
			TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      h2c.NewHandler(r, &http2.Server{}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting gatekeeper",
				zap.String("addr", cfg.ServerAddr),
				zap.String("downstream", cfg.Downstream.URL),
				zap.Int("routes", len(pipeline.Routes().Routes())),
			)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP reloads policy, drops cached permissions and refetches keys.
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case sig := <-reload:
				logger.Info("reloading", zap.String("signal", sig.String()))
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := resolver.Reload(rctx); err != nil {
					logger.Error("policy reload failed", zap.Error(err))
				}
				if err := keys.Refresh(rctx); err != nil {
					logger.Error("jwks refresh failed", zap.Error(err))
				}
				cancel()

			case sig := <-shutdown:
				logger.Info("shutting down gracefully", zap.String("signal", sig.String()))

				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()

				if err := srv.Shutdown(sctx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}
				if err := recorder.Close(sctx); err != nil {
					logger.Warn("audit queue not drained",
						zap.Int("pending", recorder.Pending()), zap.Error(err))
				}

				logger.Info("server stopped")
				return nil
			}
		}
	},
}

// buildAuditSink assembles the configured sinks. A single sink is used
// directly; several are fanned out through a MultiSink.
func buildAuditSink(ctx context.Context, c config.AuditConfig) (audit.Sink, func(), error) {
	var (
		sinks   []audit.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, name := range c.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger.Named("audit")))
		case "database":
			db, err := bunx.Open(ctx, c.DatabaseURL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("failed to connect to audit database: %w", err)
			}
			closers = append(closers, closeDB(db))
			sinks = append(sinks, audit.NewBunSink(db))
		case "redis":
			client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
			closers = append(closers, func() { _ = client.Close() })
			sinks = append(sinks, audit.NewRedisSink(client, c.RedisStream, redisStreamMaxLen))
		}
	}

	switch len(sinks) {
	case 0:
		return audit.NewLogSink(logger.Named("audit")), closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return audit.NewMultiSink(sinks...), closeAll, nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
