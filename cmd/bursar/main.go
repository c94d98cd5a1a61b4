package main

import (
	"context"
	"time"

	"lessonworks/internal/handlers"
	"lessonworks/internal/ledger"
	"lessonworks/internal/otp"
	"lessonworks/internal/sessions"
	"lessonworks/pkg/auth"
	"lessonworks/pkg/cache"
	"lessonworks/pkg/config"
	"lessonworks/pkg/database"
	"lessonworks/pkg/flow"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/monitoring"
	"lessonworks/pkg/ratelimit"
	"lessonworks/pkg/redis"
	"lessonworks/pkg/server"
	"lessonworks/pkg/version"
)

// logNotifier is the default code delivery path for deployments without a
// messaging provider configured. It logs that a code went out, never the code.
type logNotifier struct {
	logger logging.Logger
}

func (n *logNotifier) SendCode(_ context.Context, identity, purpose, _ string) error {
	n.logger.WithFields(logging.Fields{
		"identity": identity,
		"purpose":  purpose,
	}).Info("Verification code issued (no delivery provider configured)")
	return nil
}

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Session & Credit API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Rate limit windows live in Redis when configured, in memory otherwise.
	var limiterStore ratelimit.Store
	var memoryStore *ratelimit.MemoryStore
	if redisCfg, ok := redis.ConfigFromEnv(); ok {
		redisClient, err := redis.NewUniversalClient(context.Background(), redisCfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		limiterStore = ratelimit.NewRedisStore(redisClient, "bursar")
	} else {
		memoryStore = ratelimit.NewMemoryStore()
		limiterStore = memoryStore
	}

	limiter := ratelimit.New(ratelimit.Config{
		Enabled: config.GetEnvBool("RATE_LIMIT_ENABLED", true),
		Rules: map[string]ratelimit.Rule{
			"otp-send":      {MaxRequests: config.GetEnvInt("RATE_LIMIT_OTP_SEND", 5), Window: time.Minute},
			"otp-verify":    {MaxRequests: config.GetEnvInt("RATE_LIMIT_OTP_VERIFY", 10), Window: time.Minute},
			"session-start": {MaxRequests: config.GetEnvInt("RATE_LIMIT_SESSION_START", 20), Window: time.Minute},
		},
		DefaultRule: ratelimit.Rule{MaxRequests: config.GetEnvInt("RATE_LIMIT_DEFAULT", 120), Window: time.Minute},
		Store:       limiterStore,
		Logger:      logger,
	})

	// Create custom bursar metrics
	metrics := &handlers.BursarMetrics{
		SessionTransitions: metricsCollector.NewCounter("session_transitions_total", "Session lifecycle transitions", []string{"event", "outcome"}),
		CreditOperations:   metricsCollector.NewCounter("credit_operations_total", "Credit ledger operations", []string{"operation", "outcome"}),
		OTPOperations:      metricsCollector.NewCounter("otp_operations_total", "Verification code operations", []string{"operation", "outcome"}),
		StaleSweeps:        metricsCollector.NewCounter("stale_sessions_swept_total", "Sessions force-expired by the sweep", []string{"outcome"}),
	}
	catalogCache := metricsCollector.NewCounter("catalog_cache_events_total", "Session type cache hits, misses and stale serves", []string{"event"})

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Build core components
	creditLedger := ledger.New(db, logger)
	catalog := sessions.NewDBCatalog(db, cache.MetricsHooks{
		OnHit:   func(map[string]string) { catalogCache.WithLabelValues("hit").Inc() },
		OnMiss:  func(map[string]string) { catalogCache.WithLabelValues("miss").Inc() },
		OnStale: func(map[string]string) { catalogCache.WithLabelValues("stale").Inc() },
	})
	sessionManager := sessions.NewManager(db, creditLedger, catalog, logger)
	otpVerifier := otp.NewVerifier(db, &logNotifier{logger: logger}, logger)
	flowStore := flow.NewPostgresStore(db)

	// Initialize handlers
	handlers.Init(handlers.Deps{
		DB:             db,
		Logger:         logger,
		Metrics:        metrics,
		Ledger:         creditLedger,
		SessionManager: sessionManager,
		SessionCatalog: catalog,
		OTPVerifier:    otpVerifier,
		FlowStore:      flowStore,
	})

	// Initialize and start JobManager for background tasks
	jobManager := handlers.NewJobManager(db, sessionManager, creditLedger, otpVerifier, memoryStore, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if kafkaClient := jobManager.KafkaClient(); kafkaClient != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(kafkaClient))
	}

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - sweep, cleanup and purchase ingest active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/bursar/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			// Session endpoints
			protected.GET("/session-types", handlers.GetSessionTypes)
			protected.POST("/sessions", ratelimit.Middleware(limiter, "session-start"), handlers.StartSession)
			protected.POST("/sessions/:id/activate", handlers.ActivateSession)
			protected.POST("/sessions/:id/pause", handlers.PauseSession)
			protected.POST("/sessions/:id/resume", handlers.ResumeSession)
			protected.POST("/sessions/:id/extend", handlers.ExtendSession)
			protected.POST("/sessions/:id/end", handlers.EndSession)
			protected.GET("/sessions/:id", handlers.GetSessionDetails)
			protected.GET("/sessions", handlers.ListSessions)

			// Credit endpoints
			protected.GET("/credits/balance", handlers.GetBalance)
			protected.GET("/credits/transactions", handlers.ListTransactions)

			// Onboarding flow endpoints
			protected.GET("/flow", handlers.GetFlowState)
			protected.GET("/flow/can-access/:step", handlers.CanAccessStep)
			protected.POST("/flow/complete", handlers.CompleteFlowStep)
			protected.POST("/flow/reset", handlers.ResetFlowState)
		}

		// Verification endpoints (pre-auth: callers are proving an identity)
		router.POST("/verification/send", ratelimit.Middleware(limiter, "otp-send"), handlers.SendVerificationCode)
		router.POST("/verification/verify", ratelimit.Middleware(limiter, "otp-verify"), handlers.VerifyCode)
		router.GET("/verification/status", handlers.GetVerificationStatus)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/grant", handlers.GrantCredits)
			serviceAPI.POST("/credits/deduct", handlers.DeductCredits)
			serviceAPI.GET("/service/sessions", handlers.ListActiveSessions)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
