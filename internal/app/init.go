package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/admission"
	"github.com/runestonehq/runestone/internal/aliases"
	"github.com/runestonehq/runestone/internal/apikey"
	"github.com/runestonehq/runestone/internal/config"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	anthropicprov "github.com/runestonehq/runestone/internal/providers/anthropic"
	geminiprov "github.com/runestonehq/runestone/internal/providers/gemini"
	openaiprov "github.com/runestonehq/runestone/internal/providers/openai"
	openaicompatprov "github.com/runestonehq/runestone/internal/providers/openaicompat"
	"github.com/runestonehq/runestone/internal/proxy"
	"github.com/runestonehq/runestone/internal/ratelimit"
	"github.com/runestonehq/runestone/internal/relay"
	"github.com/runestonehq/runestone/internal/telemetry"
	"github.com/runestonehq/runestone/internal/usage"
)

// initInfra establishes the optional external connections. Redis backs the
// distributed rate limiter and the overflow queue; ClickHouse backs the async
// request log. Both degrade to in-process equivalents when absent.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		reqLogger, err := logger.New(a.baseCtx, sink, a.log)
		if err != nil {
			return fmt.Errorf("request logger: %w", err)
		}
		a.reqLogger = reqLogger
		a.log.Info("request log sink: clickhouse")
	}

	return nil
}

// initProviders builds the instance registry from configured API keys. At
// least one provider is guaranteed by config validation.
func (a *App) initProviders(_ context.Context) error {
	reg, err := buildRegistry(a.cfg)
	if err != nil {
		return err
	}
	a.registry = reg

	names := reg.Names()
	if len(names) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.log.Info("providers loaded", slog.Any("instances", names))

	if a.cfg.AliasesFile != "" {
		res, err := aliases.NewFromFile(a.cfg.AliasesFile, a.log)
		if err != nil {
			return fmt.Errorf("aliases: %w", err)
		}
		a.resolver = res
		a.log.Info("model aliases loaded", slog.String("path", a.cfg.AliasesFile))
	}

	return nil
}

// initServices creates the tenant key store, the rate limiter, the overflow
// queue and the Prometheus registry.
func (a *App) initServices(_ context.Context) error {
	keys := apikey.NewStore(apikey.DefaultPrefix)
	for _, e := range a.cfg.APIKeys {
		err := keys.Add(apikey.Key{
			ID:     e.ID,
			Token:  e.Token,
			Active: true,
			Limits: apikey.Limits{
				PerMinute:     a.cfg.RequestsPerMinute,
				PerHour:       a.cfg.RequestsPerHour,
				MaxConcurrent: a.cfg.MaxConcurrentPerTenant,
			},
		})
		if err != nil {
			return fmt.Errorf("api key %q: %w", e.ID, err)
		}
	}
	a.keys = keys
	a.log.Info("api keys provisioned", slog.Int("count", len(a.cfg.APIKeys)))

	if a.rdb != nil {
		a.limiter = ratelimit.NewDistributed(a.rdb, rateLimitPrefix, a.log)
		a.log.Info("rate limiter: redis (shared across replicas)")
	} else {
		a.limiter = ratelimit.NewLocal()
		a.log.Info("rate limiter: in-process")
	}

	if a.cfg.Overflow.Enabled {
		if a.rdb != nil {
			a.queue = overflow.NewRedis(a.rdb, overflowPrefix, a.log)
			a.log.Info("overflow queue: redis")
		} else {
			a.queue = overflow.NewMemory()
			a.log.Info("overflow queue: in-process")
		}
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	telemetry.SetSink(telemetrySink(a.log, a.prom))

	return nil
}

// initGateway wires the admission controller, router, failover walk, SSE
// relay and health surface into the Gateway, and hangs the overflow drainer
// off the finished gateway.
func (a *App) initGateway(_ context.Context) error {
	cb := proxy.NewCircuitBreaker(proxy.CBConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Window:           a.cfg.CircuitBreaker.Window,
		RecoveryTimeout:  a.cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenLimit:    a.cfg.CircuitBreaker.HalfOpenLimit,
	})
	retry := proxy.NewRetryPolicy(
		a.cfg.Retry.MaxAttempts,
		a.cfg.Retry.BaseDelay,
		a.cfg.Retry.BackoffFactor,
		a.cfg.Retry.Jitter,
	)

	tau := a.cfg.HealthThreshold
	rt := proxy.NewRouter(a.registry, a.resolver, proxy.Policy(a.cfg.RouterPolicy), tau)
	fo := proxy.NewFailover(a.registry, cb, retry, tau, a.log)
	rl := relay.New(usage.NewTracker(), usage.NewEstimator(), a.log)
	adm := admission.NewController(a.keys, a.limiter)

	gw := proxy.NewGateway(adm, rt, fo, rl, a.registry, proxy.GatewayOptions{
		Overflow:             a.queue,
		RequestLogger:        a.reqLogger,
		Metrics:              a.prom,
		Logger:               a.log,
		TotalTimeout:         a.cfg.TotalTimeout,
		FirstByteTimeout:     a.cfg.FirstByteTimeout,
		OverflowMaxAttempts:  a.cfg.Overflow.MaxAttempts,
		OverflowRedactBudget: a.cfg.Overflow.RedactBudget,
		CORSOrigins:          a.cfg.CORSOrigins,
	})
	a.gw = gw

	if a.queue != nil {
		a.drainer = overflow.NewDrainer(a.queue, gw.RunJob, overflow.DrainerOptions{
			Parallelism:  a.cfg.Overflow.Parallelism,
			PollInterval: a.cfg.Overflow.PollInterval,
		}, a.log)
	}

	groups := []*proxy.FailoverGroup{{
		Name:      "providers",
		Instances: a.registry.Names(),
		Strategy:  proxy.StrategyPriority,
	}}
	a.healthView = proxy.NewHealthView(a.registry, cb, groups, tau)
	a.healthSrv = &fasthttp.Server{
		Handler: a.healthView.Handler(),
		Name:    "runestone-health",
	}

	return nil
}

// buildRegistry registers one instance per configured vendor. First-party
// vendors carry built-in model lists; OpenAI-compatible vendors serve
// whatever model ids the caller asks for against their base URL.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry()

	register := func(name, vendor string, pc config.ProviderConfig, drv providers.Driver) error {
		if pc.APIKey == "" {
			return nil
		}
		return reg.Register(providers.InstanceConfig{
			Name:           name,
			Vendor:         vendor,
			APIKey:         pc.APIKey,
			BaseURL:        pc.BaseURL,
			Timeout:        pc.Timeout,
			RetryAttempts:  pc.RetryAttempts,
			CircuitBreaker: pc.CircuitBreaker,
		}, drv)
	}

	if err := register("openai-main", "openai", cfg.OpenAI, openaiprov.New()); err != nil {
		return nil, err
	}
	if err := register("anthropic-main", "anthropic", cfg.Anthropic, anthropicprov.New()); err != nil {
		return nil, err
	}
	if err := register("gemini-main", "gemini", cfg.Gemini, geminiprov.New()); err != nil {
		return nil, err
	}

	compat := []struct {
		vendor string
		pc     config.ProviderConfig
	}{
		{"xai", cfg.XAI},
		{"deepseek", cfg.DeepSeek},
		{"groq", cfg.Groq},
		{"together", cfg.Together},
		{"mistral", cfg.Mistral},
	}
	for _, c := range compat {
		name := c.vendor + "-main"
		if err := register(name, c.vendor, c.pc, openaicompatprov.New(c.vendor)); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
