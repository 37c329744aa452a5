package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/config"
	"github.com/arklim/extension-license-service/internal/infra/database"
	kafkainfra "github.com/arklim/extension-license-service/internal/infra/kafka"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	redisinfra "github.com/arklim/extension-license-service/internal/infra/redis"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/infra/telemetry"
	postgresrepo "github.com/arklim/extension-license-service/internal/repository/postgres"
	redisrepo "github.com/arklim/extension-license-service/internal/repository/redis"
	transportgrpc "github.com/arklim/extension-license-service/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/extension-license-service/internal/transport/grpc/interceptors"
	"github.com/arklim/extension-license-service/internal/transport/http/middleware"
	"github.com/arklim/extension-license-service/internal/transport/http/routes"
	"github.com/arklim/extension-license-service/internal/usecase"
)

type Application struct {
	cfg            *config.AppConfig
	engine         *gin.Engine
	logger         *zap.Logger
	pool           *pgxpool.Pool
	redis          *redisinfra.Client
	producer       *kafkainfra.Producer
	telemetry      *telemetry.Provider
	grpcServer     *grpc.Server
	grpcAddr       string
	health         *transportgrpc.HealthReporter
	sweeper        *usecase.Sweeper
	statusConsumer *kafkainfra.StatusConsumerGroup
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	secrets, err := cfg.SecurityConfig()
	if err != nil {
		return nil, fmt.Errorf("init security config: %w", err)
	}

	provider, err := telemetry.Attach(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	handshakeMetrics := provider.Metrics

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	repos := postgresrepo.NewRepositories(pool)

	// Initialize Kafka event publisher
	var (
		eventPublisher port.EventPublisher
		kafkaProducer  *kafkainfra.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err = kafkainfra.NewProducer(cfg.Kafka, cfg.App.Name, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(kafkaProducer, cfg.App, log)
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	detector := security.NewProxyDetector(cfg.Security.ProxyDetectionEnabled)
	auditor := usecase.NewSecurityAuditor(repos.SecurityLogs, eventPublisher, log)
	licenseLimiter := redisrepo.NewFixedWindowLimiter(redisClient.Client(), redisClient.Key("ratelimit", "license"))

	sweeper := usecase.NewSweeper(repos.Challenges, repos.Sessions, cfg.Sweeper.Interval, cfg.Sweeper.ChallengeRetention, log).
		WithMetrics(handshakeMetrics).
		WithNudgeCooldown(cfg.Sweeper.NudgeCooldown)

	challengeService := usecase.NewChallengeService(repos.Challenges, detector, auditor, log).
		WithTTL(cfg.Security.ChallengeTTL).
		WithMetrics(handshakeMetrics)
	if cfg.Sweeper.Enabled {
		challengeService.WithSweeper(sweeper)
	}

	validationService := usecase.NewValidationService(usecase.ValidationDeps{
		Challenges: repos.Challenges,
		Licenses:   repos.Licenses,
		Devices:    repos.Devices,
		Sessions:   repos.Sessions,
		Limiter:    licenseLimiter,
		Detector:   detector,
		Secrets:    secrets,
		Audit:      auditor,
		Metrics:    handshakeMetrics,
	}, usecase.ValidationSettings{
		SessionTTL:    cfg.Security.SessionTTL,
		RateLimit:     cfg.RateLimit.LicenseLimit,
		RateWindow:    cfg.RateLimit.LicenseWindow,
		LegacyEnabled: cfg.Security.LegacyEnabled,
	}, log)

	heartbeatService := usecase.NewHeartbeatService(repos.Sessions, repos.Licenses, detector, secrets, auditor, log).
		WithSessionTTL(cfg.Security.SessionTTL).
		WithMetrics(handshakeMetrics)

	adminService := usecase.NewAdminService(repos.Licenses, repos.Devices, repos.Sessions, auditor, log)

	var adminVerifier middleware.AdminTokenVerifier
	if cfg.Admin.Enabled {
		verifier, err := security.NewAdminTokenVerifier(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
		if err != nil {
			redisClient.Close()
			pool.Close()
			return nil, fmt.Errorf("init admin token verifier: %w", err)
		}
		adminVerifier = verifier
	}

	ipWindow := cfg.RateLimit.IPWindow
	if ipWindow <= 0 {
		ipWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
		KeyPrefix: redisClient.Key("ratelimit", "ip"),
		TTL:       ipWindow * 2,
	})
	rateLimiter := middleware.NewRateLimiter(rateLimitStore, log)

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init grpc metrics: %w", err)
	}

	var tracing *grpcinterceptors.ServerTracing
	if provider.Tracer != nil {
		tracing = grpcinterceptors.NewServerTracing(grpcinterceptors.TracingOptions{
			TracerProvider: provider.Tracer.TracerProvider(),
		})
	}

	health := transportgrpc.NewHealthReporter(map[string]transportgrpc.DependencyCheck{
		"postgres": repos.Ping,
		"redis":    redisClient.HealthCheck,
	}, 0, log)

	grpcSrv := transportgrpc.NewServer(transportgrpc.ServerDependencies{
		Health:            health,
		Metrics:           grpcMetrics,
		Tracing:           tracing,
		Logger:            log,
		ReflectionEnabled: cfg.GRPC.ReflectionEnabled,
	})

	services := routes.ServiceSet{
		Challenges: challengeService,
		Validator:  validationService,
		Sessions:   heartbeatService,
	}
	if cfg.Admin.Enabled {
		services.Admin = adminService
	}

	engine := routes.Register(routes.Dependencies{
		Config:        cfg,
		Logger:        log,
		RateLimiter:   rateLimiter,
		HTTPMetrics:   httpMetrics,
		Handshake:     handshakeMetrics,
		Services:      services,
		AdminVerifier: adminVerifier,
		Database:      pool,
		Cache:         redisClient,
	})

	var statusConsumer *kafkainfra.StatusConsumerGroup
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.StatusTopic != "" {
		consumer := kafkainfra.NewLicenseStatusConsumer(adminService, cfg.Kafka.MaxEventAge, log)
		topic := kafkainfra.StatusTopicName(cfg.Kafka)
		statusConsumer, err = kafkainfra.NewStatusConsumerGroup(
			cfg.Kafka.Brokers,
			cfg.Kafka.ConsumerGroup,
			topic,
			cfg.App.Name,
			kafkainfra.NewGroupHandler(consumer, log),
			log,
		)
		if err != nil {
			log.Warn("failed to join license status consumer group, status events disabled", zap.Error(err))
			statusConsumer = nil
		}
	}

	var appSweeper *usecase.Sweeper
	if cfg.Sweeper.Enabled {
		appSweeper = sweeper
	}

	return &Application{
		cfg:            cfg,
		engine:         engine,
		logger:         log,
		pool:           pool,
		redis:          redisClient,
		producer:       kafkaProducer,
		telemetry:      provider,
		grpcServer:     grpcSrv,
		grpcAddr:       fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
		health:         health,
		sweeper:        appSweeper,
		statusConsumer: statusConsumer,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       durationOr(a.cfg.HTTP.ReadTimeout, 30*time.Second),
		WriteTimeout:      durationOr(a.cfg.HTTP.WriteTimeout, 30*time.Second),
		IdleTimeout:       60 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", a.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.Info("starting license API",
			zap.String("env", a.cfg.App.Env),
			zap.String("address", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
		if err := a.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("run grpc server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return a.health.Run(groupCtx)
	})

	if a.sweeper != nil {
		group.Go(func() error {
			return a.sweeper.Run(groupCtx)
		})
	}

	if a.statusConsumer != nil {
		group.Go(func() error {
			return a.statusConsumer.Run(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownTimeout := durationOr(a.cfg.HTTP.ShutdownTimeout, 10*time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.grpcServer.GracefulStop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	return group.Wait()
}

func (a *Application) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			a.logger.Warn("shutdown telemetry", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
