package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/link/internal/config"
	"github.com/ehr/link/internal/domain/audit"
	"github.com/ehr/link/internal/domain/emrclient"
	"github.com/ehr/link/internal/domain/link"
	"github.com/ehr/link/internal/platform/db"
	"github.com/ehr/link/internal/platform/hipaa"
	"github.com/ehr/link/internal/platform/idp"
	"github.com/ehr/link/internal/platform/lease"
	"github.com/ehr/link/internal/platform/middleware"
)

type server struct {
	echo    *echo.Echo
	mgr     *link.Manager
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type stores struct {
	links   link.Store
	audit   audit.Log
	clients emrclient.Repository
}

// newServer wires every component from cfg. With an empty DATABASE_URL the
// stores are in memory; with an empty REDIS_URL leases are in-process.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.Close()
		return nil, err
	}

	cipher, err := hipaa.NewRotatingEncryptorFromHex(cfg.TokenEncryptionKey, cfg.PreviousEncryptionKeys, logger)
	if err != nil {
		return fail(err)
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	var st stores
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")

		conn := db.FromPool(pool)
		st = stores{links: link.NewStorePG(conn), audit: audit.NewLogPG(conn), clients: emrclient.NewRepoPG(conn)}
		e.GET("/health/db", db.HealthHandler(pool))
	} else {
		st = stores{links: link.NewMemoryStore(), audit: audit.NewMemoryLog(), clients: emrclient.NewMemoryRepo()}
		logger.Warn().Msg("DATABASE_URL not set; using in-memory stores")
	}

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(srv.closers, closeLocker)

	auth, err := emrclient.NewAuthenticator(st.clients, logger, emrclient.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		return fail(err)
	}
	if cfg.DatabaseURL == "" && cfg.IsDev() {
		client, secret, err := auth.Provision(ctx, "development")
		if err != nil {
			return fail(err)
		}
		logger.Warn().
			Str("client_id", client.ClientID).
			Str("client_secret", secret).
			Msg("provisioned in-memory development EMR client")
	}

	leaseWait, requestTimeout := routeTimeouts(cfg.ProviderTimeout)
	srv.mgr = link.NewManager(st.links, st.audit, provider, cipher, locker, logger,
		link.WithRefreshSkew(cfg.RefreshSkew),
		link.WithMetrics(link.NewMetrics(reg)),
		link.WithLeaseWait(leaseWait),
	)

	e.Use(middleware.ContextLogger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Tracing(otel.GetTracerProvider(), otel.GetTextMapPropagator()))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.NewHTTPMetrics(reg).Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	api := e.Group(cfg.RoutePrefix, middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(requestTimeout))
	if !cfg.StatusRequireAuth {
		logger.Warn().Msg("STATUS_REQUIRE_AUTH=false: /status returns decrypted tokens without client authentication")
	}
	link.NewHandler(srv.mgr).RegisterRoutes(api, auth.Middleware(), cfg.StatusRequireAuth)
	audit.NewHandler(st.audit).RegisterRoutes(api)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return srv, nil
}

// routeTimeouts derives the refresh lease wait and the request deadline from
// the provider timeout. The lease wait ends first so a contended refresh
// answers 503 rather than running into the 504 deadline.
func routeTimeouts(providerTimeout time.Duration) (leaseWait, request time.Duration) {
	return 2 * providerTimeout, 3 * providerTimeout
}

// newLocker returns Redis leases when REDIS_URL is set and in-process leases
// otherwise. The returned func closes the Redis client.
func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lease.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lease.NewMemoryLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Msg("using redis leases")
	// The lease must outlive a full provider round trip.
	return lease.NewRedisLocker(rdb, logger, lease.WithTTL(3*cfg.ProviderTimeout)), func() { _ = rdb.Close() }, nil
}

// newRegistry returns a registry with the runtime collectors attached.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*idp.Client, error) {
	pc := idp.Config{
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		AuthURL:      cfg.ProviderAuthURL,
		TokenURL:     cfg.ProviderTokenURL,
		UserInfoURL:  cfg.ProviderUserInfoURL,
		RedirectURL:  cfg.ProviderRedirectURL,
		Scopes:       cfg.ProviderScopes,
		Timeout:      cfg.ProviderTimeout,
		Logger:       logger,
	}
	if cfg.ProviderIssuer != "" {
		md, err := idp.Discover(ctx, &http.Client{Timeout: cfg.ProviderTimeout}, cfg.ProviderIssuer)
		if err != nil {
			return nil, fmt.Errorf("provider discovery: %w", err)
		}
		md.Apply(&pc)
		logger.Info().Str("issuer", cfg.ProviderIssuer).Msg("provider endpoints discovered")
	}
	return idp.NewClient(pc)
}
