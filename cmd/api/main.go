// Package main is the entrypoint for the mailverify API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/cache"
	"github.com/mailverify/mailverify/internal/config"
	"github.com/mailverify/mailverify/internal/handler"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/middleware"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/pipeline"
	"github.com/mailverify/mailverify/internal/prober"
	"github.com/mailverify/mailverify/internal/queue"
	"github.com/mailverify/mailverify/internal/repository"
	"github.com/mailverify/mailverify/internal/resolver"
	"github.com/mailverify/mailverify/internal/scheduler"
	"github.com/mailverify/mailverify/internal/server"
	"github.com/mailverify/mailverify/internal/storage"
)

const version = "0.1.0"

// keyStore is satisfied by both the Postgres repository and the memory store.
type keyStore interface {
	middleware.KeyStore
	handler.APIKeyStore
}

// stores groups the persistence selected at startup.
type stores struct {
	repo          *repository.Repository
	keys          keyStore
	credits       ledger.Store
	tasks         bulk.TaskStore
	verifications handler.VerificationStore
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	if st.repo != nil {
		defer st.repo.Close()
	}

	var cacheClient *cache.Cache
	if cfg.RedisURL != "" {
		cacheClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", redactURL(cfg.RedisURL)),
			)
			os.Exit(1)
		}
		defer cacheClient.Close()
		logger.Info("connected to Redis")
	} else {
		logger.Warn("REDIS_URL not set; auth cache, rate limits and shared throttling are disabled")
	}

	artifacts, err := openStorage(cfg)
	if err != nil {
		logger.Error("failed to open artifact storage", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	recorder := metrics.NewInMemory()

	// Verification pipeline
	verifier := newPipeline(cfg, cacheClient, recorder, logger)
	credits := ledger.New(st.credits, recorder, logger)

	// Bulk orchestration
	bulkCfg := bulk.Config{
		Workers:          cfg.BulkWorkers,
		MaxTasks:         cfg.BulkMaxTasks,
		ProgressInterval: cfg.ProgressInterval,
	}
	if cfg.QueueBackend == config.QueueRedis {
		bulkCfg.Dispatcher = queue.NewPublisher(cacheClient.Client(), logger)
	}
	orchestrator := bulk.New(st.tasks, artifacts, credits, verifier, bulkCfg, recorder, logger)

	var locker scheduler.Locker
	if cacheClient != nil {
		locker = cacheClient
	}
	sched, err := scheduler.New(cfg.DailyResetSchedule, credits, locker, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	// Memory stores start empty, so there is no other way to obtain a key.
	if st.repo == nil {
		if err := bootstrapKey(ctx, st.keys, credits, logger); err != nil {
			logger.Error("failed to create bootstrap key", "error", err)
			os.Exit(1)
		}
	}

	// Health checks take interfaces; a nil pointer must stay a nil interface.
	var dbCheck, cacheCheck handler.HealthChecker
	if st.repo != nil {
		dbCheck = st.repo
	}
	if cacheClient != nil {
		cacheCheck = cacheClient
	}

	h := handlers{
		base:          handler.New(),
		health:        handler.NewHealthHandler(dbCheck, cacheCheck),
		metrics:       handler.NewMetricsHandler(recorder),
		verify:        handler.NewVerifyHandler(verifier, credits, cfg.VerifyTimeout, logger),
		tasks:         handler.NewTaskHandler(orchestrator, cfg.MaxUploadSize, logger),
		credits:       handler.NewCreditHandler(credits, logger),
		admin:         handler.NewAdminHandler(st.keys, credits, version, logger),
		apiKeys:       handler.NewAPIKeyHandler(logger, st.keys, apiKeyEnv(cfg)),
		verifications: handler.NewVerificationHandler(st.verifications, logger),
	}
	h.verify.RecordTo(st.verifications)
	if cacheClient != nil {
		// A revoked key must stop working before its cached principal expires.
		h.apiKeys.OnRevoke(cacheClient.ForgetKey)
	}
	r := setupRouter(h, st.keys, cacheClient, cfg, logger)

	srv := server.New(r, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Registered first, stopped last: tasks finish before the stores close.
	srv.OnShutdown("bulk dispatcher", orchestrator.Shutdown)

	if cfg.QueueBackend == config.QueueRedis {
		consumer := queue.InstanceName()
		for i := range cfg.BulkMaxTasks {
			w := queue.NewWorker(cacheClient.Client(), orchestrator, logger, fmt.Sprintf("%s-%d", consumer, i), recorder)
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("queue worker stopped", "error", err)
				}
			}()
			srv.OnShutdown(fmt.Sprintf("queue worker %d", i), w.Shutdown)
		}
	}

	sched.Start()
	srv.OnShutdown("scheduler", sched.Shutdown)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"version", version,
		"persistence", persistenceName(st),
		"queue", cfg.QueueBackend,
		"storage", cfg.StorageBackend,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openStores connects to Postgres, or falls back to in-memory stores when
// DATABASE_URL is empty.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory stores, data is lost on restart")
		return &stores{
			keys:          repository.NewMemoryAPIKeys(),
			credits:       ledger.NewMemoryStore(),
			tasks:         bulk.NewMemoryTaskStore(),
			verifications: repository.NewMemoryVerifications(0),
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	repo, err := repository.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")
	return &stores{repo: repo, keys: repo, credits: repo, tasks: repo, verifications: repo}, nil
}

func openStorage(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return storage.NewS3Store(storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return storage.NewFileStore(cfg.StorageDir)
	}
}

// newPipeline builds the resolver and prober. With Redis the catch-all
// cache and the per-domain throttle are shared by every instance.
func newPipeline(cfg *config.Config, c *cache.Cache, recorder metrics.Recorder, logger *slog.Logger) *pipeline.Pipeline {
	domainRate := prober.CappedDomainRate(cfg.SMTPDomainRate)

	var (
		throttler prober.Throttler = prober.NewLocalThrottler(domainRate)
		catchAll  prober.CatchAllCache
	)
	local := prober.NewMemoryCatchAllCache(cfg.CatchAllTTL)
	catchAll = local
	if c != nil {
		throttler = cache.NewDomainThrottle(c, domainRate)
		catchAll = prober.Tiered{local, c.NewCatchAllCache(cfg.CatchAllTTL)}
	}

	res := resolver.New(resolver.Config{
		Timeout: cfg.DNSTimeout,
		Metrics: recorder,
	})
	prb := prober.New(prober.Config{
		HeloDomain:     cfg.SMTPHeloDomain,
		MailFrom:       cfg.SMTPMailFrom,
		Port:           cfg.SMTPPort,
		ConnectTimeout: cfg.SMTPConnectTimeout,
		Timeout:        cfg.SMTPTimeout,
		Throttler:      throttler,
		CatchAll:       catchAll,
		Metrics:        recorder,
		Logger:         logger,
	})
	return pipeline.New(res, prb, recorder, logger)
}

// bootstrapKey creates an admin key with starting credits so a fresh
// in-memory instance can be used right away.
func bootstrapKey(ctx context.Context, keys keyStore, credits *ledger.Ledger, logger *slog.Logger) error {
	const userID = "dev"

	generated, err := auth.GenerateAPIKey(auth.EnvTest)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        userID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        []string{model.ScopeAdmin},
		RateLimitTier: model.TierUnlimited,
		Name:          "bootstrap",
		CreatedAt:     time.Now().UTC(),
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	if _, err := credits.Grant(ctx, userID, 0, 1000); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}

	logger.Warn("bootstrap key created for in-memory stores",
		"user_id", userID,
		"key", generated.Plaintext,
	)
	return nil
}

func apiKeyEnv(cfg *config.Config) string {
	if cfg.IsProduction() {
		return auth.EnvLive
	}
	return auth.EnvTest
}

func persistenceName(st *stores) string {
	if st.repo != nil {
		return "postgres"
	}
	return "memory"
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type handlers struct {
	base          *handler.Handler
	health        *handler.HealthHandler
	metrics       *handler.MetricsHandler
	verify        *handler.VerifyHandler
	tasks         *handler.TaskHandler
	credits       *handler.CreditHandler
	admin         *handler.AdminHandler
	apiKeys       *handler.APIKeyHandler
	verifications *handler.VerificationHandler
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(h handlers, keys middleware.KeyStore, cacheClient *cache.Cache, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment: cfg.IsDevelopment(),
	}))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	r.Use(middleware.CORS(corsCfg))

	// Unauthenticated operational endpoints
	r.Get("/healthz", h.health.Healthz)
	r.Get("/readyz", h.health.Readyz)
	r.Get("/metrics", h.metrics.Metrics)

	authCfg := middleware.AuthConfig{
		Logger: logger,
		Keys:   keys,
		Cache:  cacheClient,
	}
	rateLimitCfg := middleware.RateLimitConfig{
		Logger:     logger,
		Cache:      cacheClient,
		APIEnabled: cfg.RateLimitAPIEnabled,
		IPEnabled:  cfg.RateLimitIPEnabled,
		IPRPS:      cfg.RateLimitIPRPS,
		IPBurst:    cfg.RateLimitIPBurst,
	}

	r.Route(handler.APIBase, func(r chi.Router) {
		r.Use(middleware.RateLimitIP(rateLimitCfg))
		r.Use(middleware.Auth(authCfg))
		r.Use(middleware.RateLimitAPI(rateLimitCfg))

		// Batch uploads carry their own, larger limit.
		r.With(middleware.RequireVerify()).Post("/verify/batch", h.tasks.Submit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))

			r.With(middleware.RequireVerify()).Post("/verify", h.verify.Verify)

			r.Route("/verifications", func(r chi.Router) {
				r.Use(middleware.RequireRead())
				r.Get("/", h.verifications.List)
				r.Get("/summary", h.verifications.Summary)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.With(middleware.RequireRead()).Get("/", h.tasks.List)
				r.With(middleware.RequireRead()).Get("/{id}", h.tasks.Get)
				r.With(middleware.RequireVerify()).Delete("/{id}", h.tasks.Delete)
				r.With(middleware.RequireRead()).Get("/{id}/download/{kind}", h.tasks.Download)
			})

			r.Route("/credits", func(r chi.Router) {
				r.With(middleware.RequireRead()).Get("/balance", h.credits.Balance)
				r.With(middleware.RequireRead()).Get("/history", h.credits.History)
				r.With(middleware.RequireAdmin()).Post("/purchase", h.credits.Purchase)
				r.With(middleware.RequireAdmin()).Post("/subscribe", h.credits.Subscribe)
			})

			r.Route("/api-keys", func(r chi.Router) {
				r.With(middleware.RequireRead()).Get("/", h.apiKeys.ListAPIKeys)
				r.With(middleware.RequireAdmin()).Post("/", h.apiKeys.CreateAPIKey)
				r.With(middleware.RequireAdmin()).Delete("/{key_id}", h.apiKeys.RevokeAPIKey)
				r.With(middleware.RequireAdmin()).Post("/{key_id}/rotate", h.apiKeys.RotateAPIKey)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Get("/api-keys", h.admin.ListAPIKeysByUser)
				r.Get("/stats", h.admin.Stats)
				r.Post("/credits/grant", h.admin.GrantCredits)
				r.Post("/credits/reset", h.admin.ResetDailyCredits)
			})
		})
	})

	r.NotFound(h.base.NotFound)
	r.MethodNotAllowed(h.base.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
