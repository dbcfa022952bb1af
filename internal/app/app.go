// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse) when configured
//  2. initProviders — upstream provider instances and the model registry
//  3. initServices  — API keys, rate limiter, overflow queue, metrics
//  4. initGateway   — proxy, failover, health surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/runestonehq/runestone/internal/aliases"
	"github.com/runestonehq/runestone/internal/apikey"
	"github.com/runestonehq/runestone/internal/config"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/proxy"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/internal/telemetry"
)

const (
	// rateLimitPrefix namespaces limiter keys; the limiter appends ":rl:".
	rateLimitPrefix = "runestone"
	overflowPrefix  = "runestone:overflow"

	// evictInterval is how often the in-process limiter sweeps idle keys.
	evictInterval = time.Minute
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	keys     *apikey.Store
	limiter  ratelimit.Limiter
	registry *providers.Registry
	resolver *aliases.Resolver

	reqLogger *logger.Logger
	prom      *metrics.Registry

	queue   overflow.Store
	drainer *overflow.Drainer

	healthView *proxy.HealthView
	healthSrv  *fasthttp.Server
	gw         *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the proxy listener, the unauthenticated health listener and the
// background workers, then blocks until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	healthAddr := fmt.Sprintf(":%d", a.cfg.HealthPort)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("health_addr", healthAddr),
		slog.String("router_policy", a.cfg.RouterPolicy),
		slog.Int("instances", len(a.registry.Names())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		a.log.Info("health listener up", slog.String("addr", healthAddr))
		return a.healthSrv.ListenAndServe(healthAddr)
	})

	if a.drainer != nil {
		g.Go(func() error {
			return ignoreCancel(a.drainer.Drain(gctx))
		})
	}

	// The in-process limiter accumulates per-key window state; sweep keys
	// that went quiet so a churn of tenants cannot grow memory unbounded.
	if local, ok := a.limiter.(*ratelimit.Local); ok {
		g.Go(func() error {
			ticker := time.NewTicker(evictInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					local.EvictIdle()
				}
			}
		})
	}

	if a.resolver != nil && a.cfg.AliasesFile != "" {
		g.Go(func() error {
			return ignoreCancel(a.resolver.Watch(gctx))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		if err := a.healthSrv.Shutdown(); err != nil {
			a.log.Error("health shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ignoreCancel maps a clean context cancellation to nil so a graceful stop
// does not surface as a run error.
func ignoreCancel(err error) error {
	if err == nil || err == context.Canceled {
		return nil
	}
	return err
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

// telemetrySink fans events out to the structured log and, when metrics are
// enabled, to Prometheus counters.
func telemetrySink(log *slog.Logger, prom *metrics.Registry) telemetry.Sink {
	sinks := telemetry.Fanout{&telemetry.SlogSink{Log: log}}
	if prom != nil {
		sinks = append(sinks, prom)
	}
	return sinks
}
