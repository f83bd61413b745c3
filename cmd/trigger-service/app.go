package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	driveapi "google.golang.org/api/drive/v3"
	gmailapi "google.golang.org/api/gmail/v1"

	"triggerhub/internal/attachment"
	"triggerhub/internal/checkpoint"
	"triggerhub/internal/config"
	"triggerhub/internal/constants"
	"triggerhub/internal/credentials"
	"triggerhub/internal/dispatch"
	"triggerhub/internal/filtering"
	"triggerhub/internal/locks"
	"triggerhub/internal/logger"
	"triggerhub/internal/outcome"
	"triggerhub/internal/pipeline"
	"triggerhub/internal/provider"
	"triggerhub/internal/provider/airtable"
	"triggerhub/internal/provider/drive"
	"triggerhub/internal/provider/gmail"
	"triggerhub/internal/provider/webhook"
	"triggerhub/internal/reconcile"
	"triggerhub/internal/signature"
	"triggerhub/internal/subscription"
	"triggerhub/internal/transport/pubsub"
	ingress "triggerhub/internal/webhook"
	"triggerhub/pkg/bootstrap"
	"triggerhub/pkg/health"
	"triggerhub/pkg/logging"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/middleware"
	"triggerhub/pkg/migrations"
	"triggerhub/pkg/ratelimit"
	"triggerhub/pkg/tracing"
)

// googleDefaultCredential is the credential reference served by Application
// Default Credentials when no credential service or static tokens are set.
const googleDefaultCredential = "google-default"

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	redis       *redis.Client
	db          *sql.DB
	mongoClient *mongo.Client

	tracker    *subscription.Tracker
	dispatcher *dispatch.Dispatcher
	subs       *subscription.Service
	renewer    *subscription.Renewer
	ingress    *ingress.Handler
	receiver   *pubsub.Receiver
	limiter    *ratelimit.Limiter

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		tracker:     subscription.NewTracker(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(constants.ServiceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	p, err := a.initPipeline(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	var opts []ingress.Option
	if a.HasBroker() {
		opts = append(opts, ingress.WithRedelivery(a.Producer, a.Config.Broker.Kafka.RedeliveryTopic))
	}
	a.ingress = ingress.NewHandler(p, a.tracker, a.Config.Webhook, a.Logger, opts...)

	if a.Config.Google.PubSubPull {
		receiver, err := pubsub.NewReceiver(ctx, a.Config.Google.ProjectID, a.Config.Google.PubSubSubscriber, a.subs, p, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Pub/Sub receiver: %w", err)
		}
		a.receiver = receiver
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "MongoDB connection failed, continuing without outcome history", "error", err)
	} else {
		a.mongoClient = mongoClient
	}

	if !a.Config.Database.RunMigrations {
		return nil
	}
	if a.db != nil {
		if err := migrations.RunPostgresMigrations(a.db); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "PostgreSQL migrations applied")
	}
	if a.mongoClient != nil {
		if err := migrations.EnsureOutcomeIndexes(ctx, a.mongoDatabase(), constants.OutcomesCollection); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) mongoDatabase() *mongo.Database {
	dbName := a.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	return a.mongoClient.Database(dbName)
}

func (a *App) initPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	cfg := a.Config

	registry := a.newRegistry()

	engine, err := filtering.NewEngine(a.Logger, filtering.WithOnExpressionError(cfg.Filtering.OnExpressionError))
	if err != nil {
		return nil, err
	}

	creds := a.newCredentials(ctx)

	store, err := a.newCheckpointStore()
	if err != nil {
		return nil, err
	}

	resolver, err := a.newResolver(ctx)
	if err != nil {
		return nil, err
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatcher

	recorder, outcomes := a.newRecorder()

	var (
		repo  subscription.Repository
		audit subscription.AuditRecorder
	)
	if a.db != nil {
		repo = subscription.NewPostgresRepository(a.db)
		audit = subscription.NewPostgresAudit(a.db)
	} else {
		a.Logger.WarnwCtx(ctx, "PostgreSQL not configured, subscriptions are kept in memory")
		repo = subscription.NewMemoryRepository()
		audit = subscription.NewMemoryAudit()
	}

	svcOpts := []subscription.ServiceOption{
		subscription.WithAudit(audit),
		subscription.WithTracker(a.tracker),
		subscription.WithPublicBaseURL(cfg.Webhook.PublicBaseURL),
	}
	if outcomes != nil {
		svcOpts = append(svcOpts, subscription.WithOutcomes(outcomes))
	}
	a.subs = subscription.NewService(repo, registry, engine, creds, store, a.Logger, svcOpts...)
	a.renewer = subscription.NewRenewer(a.subs, cfg.WatchRenewal.Interval, cfg.WatchRenewal.Before, a.Logger)

	verifierOpts := []signature.Option{
		signature.WithReplayTolerance(cfg.Signature.ReplayTolerance),
	}
	if len(cfg.Signature.OIDCIssuers) > 0 {
		verifierOpts = append(verifierOpts, signature.WithIssuers(cfg.Signature.OIDCIssuers))
	}
	if cfg.Signature.JWTSecret != "" {
		verifierOpts = append(verifierOpts, signature.WithTokenValidator(&signature.JWTValidator{HMACSecret: []byte(cfg.Signature.JWTSecret)}))
	}

	reconciler := reconcile.NewReconciler(registry, store, creds, a.Logger,
		reconcile.WithPolicy(cfg.Reconcile.Retry.Policy()),
		reconcile.WithMaxPages(cfg.Reconcile.MaxPages),
	)

	return pipeline.New(pipeline.Config{
		Registry:      registry,
		Subscriptions: repo,
		Verifier:      signature.NewVerifier(a.Logger, verifierOpts...),
		Reconciler:    reconciler,
		Mapper:        registry.Mapper(),
		Filter:        engine,
		Resolver:      resolver,
		Dispatcher:    dispatcher,
		Credentials:   creds,
		Locker:        a.newLocker(),
		Recorder:      recorder,
		Logger:        a.Logger,
	}), nil
}

func (a *App) newRegistry() *provider.Registry {
	cfg := a.Config
	variants := []provider.Provider{
		gmail.New(gmail.WithTopic(cfg.Google.PubSubTopic)),
		drive.New(),
		airtable.New(cfg.Airtable.BaseURL, dispatch.BreakerConfig("airtable-api", cfg.CircuitBreaker)),
	}
	variants = append(variants, webhook.All()...)
	return provider.NewRegistry(variants...)
}

func (a *App) newCredentials(ctx context.Context) credentials.Supplier {
	cfg := a.Config.Credentials
	if cfg.ServiceURL != "" {
		return credentials.NewHTTPSupplier(cfg.ServiceURL, &http.Client{Timeout: constants.DefaultHTTPTimeout})
	}
	if len(cfg.Static) > 0 {
		return credentials.NewStaticSupplier(cfg.Static)
	}

	ts, err := google.DefaultTokenSource(ctx, gmailapi.GmailReadonlyScope, driveapi.DriveReadonlyScope)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "No credential source configured, provider API calls will fail", "error", err)
		return credentials.NewStaticSupplier(nil)
	}
	return credentials.NewTokenSourceSupplier(map[string]oauth2.TokenSource{googleDefaultCredential: ts})
}

func (a *App) newCheckpointStore() (checkpoint.Store, error) {
	switch a.Config.Checkpoint.Backend {
	case constants.BackendRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("checkpoint backend redis requires database.redis")
		}
		return checkpoint.NewRedisStore(a.redis), nil
	case constants.BackendPostgres:
		if a.db == nil {
			return nil, fmt.Errorf("checkpoint backend postgres requires database.postgres")
		}
		return checkpoint.NewPostgresStore(a.db), nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func (a *App) newLocker() locks.Locker {
	if a.Config.Locks.Backend == constants.BackendRedis && a.redis != nil {
		return locks.NewRedisLocker(a.redis, a.Config.Locks.Expiry, a.Config.Locks.Tries, a.Logger)
	}
	return locks.NewKeyedMutex()
}

func (a *App) newResolver(ctx context.Context) (*attachment.Resolver, error) {
	cfg := a.Config.Attachments

	var mirror attachment.Mirror
	if cfg.MirrorBackend == constants.BackendGCS {
		gcs, err := attachment.NewGCSMirror(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, err
		}
		mirror = gcs
	} else {
		a.Logger.Warnw("Mirroring attachments in process; use the gcs backend in production",
			"mirror_max_bytes", cfg.MirrorMaxBytes,
		)
		mirror = attachment.NewMemoryMirror(cfg.MirrorMaxBytes)
	}

	fetcher := attachment.NewHTTPFetcher(
		&http.Client{Timeout: cfg.FetchTimeout},
		dispatch.BreakerConfig("attachment-fetch", a.Config.CircuitBreaker),
		attachment.WithAllowedHosts(cfg.AllowedHosts...),
	)
	return attachment.NewResolver(mirror, a.Logger,
		attachment.WithLimits(cfg.MaxCount, cfg.MaxBytes),
		attachment.WithHTTPFetcher(fetcher),
		attachment.WithLinkFields(cfg.LinkFields...),
	), nil
}

func (a *App) newDispatcher() (*dispatch.Dispatcher, error) {
	cfg := a.Config.Dispatch

	var window dispatch.Window
	if cfg.WindowBackend == constants.BackendRedis {
		if a.redis == nil {
			return nil, fmt.Errorf("dispatch window backend redis requires database.redis")
		}
		window = dispatch.NewCircuitBreakerWindow(dispatch.NewRedisWindow(a.redis), a.Config.CircuitBreaker)
		if a.Config.CircuitBreaker.Enabled {
			a.Logger.Infow("Circuit breaker enabled for dispatch window")
		}
	} else {
		window = dispatch.NewMemoryWindow(cfg.MaxEntries)
	}

	var runtime dispatch.Runtime
	switch cfg.Runtime {
	case constants.RuntimeHTTP:
		runtime = dispatch.NewHTTPRuntime(
			cfg.HTTPRuntimeURL,
			&http.Client{Timeout: cfg.HTTPTimeout},
			dispatch.BreakerConfig("http-runtime", a.Config.CircuitBreaker),
		)
	default:
		if !a.HasBroker() {
			return nil, fmt.Errorf("dispatch runtime kafka requires broker.kafka.brokers")
		}
		runtime = dispatch.NewKafkaRuntime(a.Producer, a.Config.Broker.Kafka.RuntimeTopic)
	}

	return dispatch.NewDispatcher(window, runtime, a.Logger,
		dispatch.WithPolicy(cfg.Retry.Policy()),
		dispatch.WithTTL(time.Duration(cfg.TTLSeconds)*time.Second),
		dispatch.WithOnStoreError(cfg.OnStoreError),
	), nil
}

// newRecorder logs every outcome and also persists it when MongoDB is
// available. The second return value serves the outcomes endpoint.
func (a *App) newRecorder() (outcome.Recorder, subscription.OutcomeLister) {
	logRecorder := outcome.NewLogRecorder(a.Logger)
	if a.mongoClient == nil {
		return logRecorder, nil
	}
	mongoRecorder := outcome.NewMongoRecorder(a.mongoDatabase(), a.Logger)
	return outcome.Multi(logRecorder, mongoRecorder), mongoRecorder
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
		router.Use(tracing.SubscriptionSpanMiddleware())
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	a.ingress.RegisterRoutes(router)

	management := router.Group("")
	if rl := a.Config.Management.RateLimit; rl.Enabled {
		a.limiter = ratelimit.NewLimiter(ratelimit.RateLimitConfig{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		})
		management.Use(a.limiter.Middleware())
		a.Logger.Infow("Rate limiting enabled for management API", "rps", rl.RPS, "burst", rl.Burst)
	}
	subscription.NewHandler(a.subs, a.Logger).RegisterRoutes(management)

	healthRegistry := health.NewCheckerRegistry()
	if a.db != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	}
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		healthRegistry.RegisterOptional(health.NewMongoDBChecker(a.mongoClient))
	}
	router.GET("/health", healthRegistry.Handler())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.renewer.Run(gCtx)
	})

	g.Go(func() error {
		a.dispatcher.RunWindowMetrics(gCtx, constants.MetricsUpdateInterval)
		return nil
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}

	if a.Consumer != nil {
		g.Go(func() error {
			runCtx := logging.WithServiceName(gCtx, constants.ServiceName)
			a.Logger.InfowCtx(runCtx, "Starting redelivery consumer", "topic", a.Config.Broker.Kafka.RedeliveryTopic)
			return a.ingress.ConsumeRedeliveries(gCtx, a.Consumer, a.Config.Broker.Kafka.RedeliveryTopic)
		})
	}

	if a.receiver != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting Pub/Sub pull receiver", "subscription", a.Config.Google.PubSubSubscriber)
			return a.receiver.Run(gCtx)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down trigger service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
			cancel()
		}

		if a.ingress != nil {
			waitCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			if err := a.ingress.Wait(waitCtx); err != nil {
				a.tracker.CancelAll()
				errs = append(errs, fmt.Errorf("background processing did not finish: %w", err))
			}
			cancel()
		}

		if a.receiver != nil {
			if err := a.receiver.Close(); err != nil {
				errs = append(errs, fmt.Errorf("Pub/Sub client close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
