// Package main is the entry point of the referral engine: click tracking,
// conversion attribution and commission resolution.
package main

import (
	"context"
	"errors"
	lg "log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"referral-engine/internal/attribution"
	"referral-engine/internal/auth"
	"referral-engine/internal/commission"
	"referral-engine/internal/config"
	"referral-engine/internal/conversion"
	"referral-engine/internal/database"
	"referral-engine/internal/events"
	httpHandler "referral-engine/internal/handler/http"
	"referral-engine/internal/jobs"
	"referral-engine/internal/metrics"
	"referral-engine/internal/repository"
	"referral-engine/internal/repository/cache"
	"referral-engine/internal/repository/postgres"
	"referral-engine/internal/tracking"
	"referral-engine/pkg/logger"
	"referral-engine/pkg/useragent"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// conversionStore pairs conversion persistence with a (possibly cached)
// partner directory.
type conversionStore struct {
	repository.ConversionStore
	repository.PartnerDirectory
}

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)
	defer func() {
		if err := log.Sync(); err != nil {
			lg.Printf("ERROR: failed to sync zap logger: %v\n", err)
		}
	}()

	log.Info("starting referral engine", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if cfg.Database.AutoMigrate {
		log.Info("running database migrations (auto_migrate: true)")
		if err := database.RunMigrations(database.URL(&cfg.Database), cfg.Database.MigrationsPath, log); err != nil {
			log.Fatal("failed to run database migrations", zap.Error(err))
		}
	} else {
		log.Info("skipping database migrations (auto_migrate: false)")
	}

	if cfg.Database.SeedData {
		if err := database.SeedData(db, log); err != nil {
			log.Fatal("failed to seed database", zap.Error(err))
		}
	}

	storage := postgres.New(db, log)

	var partners repository.PartnerDirectory = storage
	if cfg.Redis.URL != "" {
		rdb, err := cache.NewClient(cfg.Redis.URL)
		if err != nil {
			log.Warn("redis unavailable, partner cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			partners = cache.NewPartnerDirectory(storage, rdb, cfg.Redis.PartnerTTL, m, log)
			log.Info("partner cache enabled", zap.Duration("ttl", cfg.Redis.PartnerTTL))
		}
	}

	// Click tracking
	uaParser, err := useragent.NewParser(cfg.Tracking.RegexesPath, log)
	if err != nil {
		log.Fatal("failed to initialize User-Agent parser", zap.Error(err))
	}
	rules := []tracking.BotRule{
		tracking.MissingUserAgent{},
		tracking.MalformedUserAgent{MinLength: cfg.Tracking.MinUserAgentLen},
		tracking.UserAgentSubstrings(cfg.Tracking.BotUserAgents),
		tracking.ParsedBot{Parser: uaParser},
	}
	if len(cfg.Tracking.DatacenterCIDRs) > 0 {
		ranges, err := tracking.NewNetworkRanges(cfg.Tracking.DatacenterCIDRs)
		if err != nil {
			log.Fatal("invalid datacenter CIDR list", zap.Error(err))
		}
		rules = append(rules, ranges)
	}
	filter := tracking.NewDedupBotFilter(cfg.Tracking.MaxClicksPerMin, rules...)
	ingestor := tracking.NewIngestor(storage, partners, filter, uaParser, tracking.Config{
		DedupWindow:       cfg.Tracking.DedupWindow,
		FingerprintBucket: cfg.Tracking.FingerprintBucket,
		VelocityWindow:    cfg.Tracking.VelocityWindow,
		MaxBackdate:       cfg.Tracking.MaxBackdate,
	}, m, log)

	processor := tracking.NewProcessor(ingestor, m, log, tracking.ProcessorConfig{
		WorkerCount:     cfg.Processor.Workers,
		BufferSize:      cfg.Processor.BufferSize,
		RetryAttempts:   cfg.Processor.RetryAttempts,
		RetryDelay:      cfg.Processor.RetryDelay,
		AttemptTimeout:  cfg.Processor.AttemptTimeout,
		ShutdownTimeout: cfg.Processor.ShutdownTimeout,
	})
	if err := processor.Start(); err != nil {
		log.Fatal("failed to start click processor", zap.Error(err))
	}

	// Kafka is optional; without brokers conversions arrive over HTTP only.
	var (
		publisher     conversion.Publisher
		kafkaProducer *kafka.Producer
	)
	if cfg.Kafka.Brokers != "" {
		kafkaProducer, err = kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.Brokers,
			"enable.idempotence": true,
			"acks":               "all",
		})
		if err != nil {
			log.Fatal("failed to create kafka producer", zap.Error(err))
		}
		publisher = events.NewKafkaPublisher(kafkaProducer, cfg.Kafka.ConversionEventTopic, log)

		// Delivery reports go to per-message channels; only client errors
		// arrive here.
		go func() {
			for ev := range kafkaProducer.Events() {
				if e, ok := ev.(kafka.Error); ok {
					log.Error("kafka producer error", zap.Error(e), zap.Bool("fatal", e.IsFatal()))
				}
			}
		}()
	}

	// Conversions and commissions
	commissions := commission.NewService(storage, log)
	resolver := attribution.NewResolver(storage, attribution.LastTouch{}, cfg.Attribution.WindowDays, log)
	recorder := conversion.NewRecorder(
		conversionStore{ConversionStore: storage, PartnerDirectory: partners},
		resolver,
		commissions,
		publisher,
		conversion.Config{
			IdempotencyScope:   cfg.Attribution.IdempotencyScope,
			DropUnattributed:   cfg.Attribution.DropUnattributed,
			DefaultCurrency:    cfg.Commission.DefaultCurrency,
			MaxResolveAttempts: cfg.Commission.MaxResolveAttempts,
		},
		m,
		log,
	)

	var (
		consumer     *events.KafkaConsumer
		consumerDone = make(chan struct{})
	)
	if cfg.Kafka.Brokers != "" {
		kc, err := kafka.NewConsumer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.Brokers,
			"group.id":           cfg.Kafka.GroupID,
			"auto.offset.reset":  "earliest",
			"enable.auto.commit": true,
		})
		if err != nil {
			log.Fatal("failed to create kafka consumer", zap.Error(err))
		}
		consumer, err = events.NewKafkaConsumer(kc, map[string]events.MessageHandler{
			cfg.Kafka.OrderCompletedTopic: events.NewOrderCompletedHandler(recorder, log),
			cfg.Kafka.OrderStatusTopic:    events.NewOrderStatusHandler(recorder, log),
		}, events.ConsumerConfig{MaxRetries: cfg.Kafka.MaxRetries, RetryBackoff: 200 * time.Millisecond}, log)
		if err != nil {
			log.Fatal("failed to start kafka consumer", zap.Error(err))
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("kafka disabled, conversions accepted over HTTP only")
	}

	// Scheduled jobs
	cronManager := jobs.NewCronManager(storage, jobs.RetentionConfig{
		Schedule:       cfg.Retention.Schedule,
		AnonymizeAfter: cfg.Retention.AnonymizeAfter,
	}, log)
	if err := cronManager.SetupJobs(); err != nil {
		log.Fatal("failed to set up scheduled jobs", zap.Error(err))
	}
	cronManager.Start()

	// HTTP
	var jwtService *auth.JWTService
	if cfg.Auth.JWTSecret != "" {
		jwtService = auth.NewJWTService(&auth.JWTConfig{
			SecretKey: []byte(cfg.Auth.JWTSecret),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
		})
	} else {
		log.Warn("JWT secret not configured, API authentication disabled")
	}

	clientIP, err := httpHandler.NewClientIPResolver(cfg.HTTPServer.TrustedProxies)
	if err != nil {
		log.Fatal("invalid trusted proxy list", zap.Error(err))
	}

	limiter := httpHandler.NewIPRateLimiter(cfg.HTTPServer.RateLimit, cfg.HTTPServer.RateBurst, log)
	go limiter.Cleanup(ctx, time.Minute)

	server := httpHandler.NewServer(httpHandler.Deps{
		Clicks: httpHandler.NewClicksHandler(ingestor, log),
		Redirect: httpHandler.NewRedirectHandler(processor, httpHandler.RedirectConfig{
			LandingURL:    cfg.HTTPServer.LandingURL,
			SessionCookie: cfg.Tracking.SessionCookie,
			SessionTTL:    cfg.Tracking.SessionTTL,
		}, log),
		Conversions: httpHandler.NewConversionsHandler(recorder, log),
		Commissions: httpHandler.NewCommissionsHandler(commissions, partners, cfg.Commission.DefaultCurrency, log),
		Health:      httpHandler.NewHealthHandler(storage, processor, log),
		Auth:        auth.NewMiddleware(jwtService, cfg.HTTPServer.AllowedOrigins, log),
		Limiter:     limiter,
		ClientIP:    clientIP,
		Metrics:     m,
	}, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      server.SetupRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("starting HTTP server", zap.String("address", cfg.HTTPServer.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down referral engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	cronManager.Stop(shutdownCtx)

	if err := processor.Stop(); err != nil {
		log.Error("click processor shutdown incomplete", zap.Error(err))
	}

	if consumer != nil {
		<-consumerDone
		if err := consumer.Close(); err != nil {
			log.Error("failed to close kafka consumer", zap.Error(err))
		}
	}
	if kafkaProducer != nil {
		if remaining := kafkaProducer.Flush(int(cfg.HTTPServer.ShutdownTimeout / time.Millisecond)); remaining > 0 {
			log.Warn("kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
		}
		kafkaProducer.Close()
	}

	log.Info("referral engine stopped")
}
