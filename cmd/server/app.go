package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformauth/internal/accounts"
	"github.com/tyemirov/platformauth/internal/audit"
	"github.com/tyemirov/platformauth/internal/authkit"
	"github.com/tyemirov/platformauth/internal/authkitpg"
	"github.com/tyemirov/platformauth/internal/authkitredis"
	"github.com/tyemirov/platformauth/internal/obs"
	"github.com/tyemirov/platformauth/internal/web"
	"go.uber.org/zap"
)

const auditBufferSize = 1024

// application holds the wired HTTP handler and everything that must be released on shutdown.
type application struct {
	handler http.Handler
	service *authkit.Service
	reaper  *authkit.Reaper
	closers []func(context.Context) error
}

func (app *application) addCloser(closer func(context.Context) error) {
	app.closers = append(app.closers, closer)
}

// Close releases resources in reverse acquisition order.
func (app *application) Close(ctx context.Context) error {
	var closeErrs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	app.closers = nil
	return errors.Join(closeErrs...)
}

func buildApplication(ctx context.Context, configuration appConfig, logger *zap.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	telemetry, otelErr := obs.SetupOTel(ctx, configuration.OTEL)
	if otelErr != nil {
		return app, fmt.Errorf("otel.setup: %w", otelErr)
	}
	app.addCloser(telemetry.Shutdown)

	users, refreshStore, storeErr := openStores(ctx, app, configuration, logger)
	if storeErr != nil {
		return app, storeErr
	}

	registry := obs.NewRegistry()
	metrics, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return app, fmt.Errorf("metrics.register: %w", metricsErr)
	}

	auditor := openAudit(app, configuration, logger)

	clock := authkit.NewSystemClock()
	issuer, issuerErr := authkit.NewTokenIssuer(configuration.Server, clock)
	if issuerErr != nil {
		return app, issuerErr
	}
	service, serviceErr := authkit.NewService(configuration.Server, users, refreshStore, accounts.NewBcryptHasher(configuration.BcryptCost), issuer,
		authkit.WithClock(clock),
		authkit.WithLogger(logger),
		authkit.WithMetrics(metrics),
		authkit.WithAuditEmitter(auditor),
	)
	if serviceErr != nil {
		return app, serviceErr
	}
	app.service = service
	app.reaper = authkit.NewReaper(configuration.Server, refreshStore, clock, logger, metrics, auditor)

	if configuration.Server.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if validatorsErr := authkit.RegisterValidators(); validatorsErr != nil {
		return app, validatorsErr
	}
	router := gin.New()
	router.Use(authkit.Recovery(logger))
	router.Use(authkit.RequestLogger(logger))

	if configuration.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return app, fmt.Errorf("%s: %w", configCodeMissingCORSOrigins, corsErr)
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(obs.MetricsHandler(registry)))
	authkit.MountAuthRoutes(router, service, app.reaper, logger, metrics)

	profileHandler := web.HandleProfile(logger, service, configuration.Server.IsDevelopment())
	protected := router.Group("/api")
	protected.Use(authkit.RequireAccessToken(service.AccessValidator(), logger, metrics, auditor))
	protected.GET("/auth/profile", profileHandler)
	protected.GET("/me", profileHandler)

	app.handler = obs.HTTPHandler(router, "platformauth")
	return app, nil
}

// openStores selects the user and refresh token stores. Users live in the SQL database whenever
// one is configured and in memory otherwise.
func openStores(ctx context.Context, app *application, configuration appConfig, logger *zap.Logger) (authkit.UserStore, authkit.RefreshTokenStore, error) {
	if configuration.TokenStore == tokenStorePgx {
		version, migrateErr := migrateDatabase(ctx, configuration.DatabaseURL)
		if migrateErr != nil {
			return nil, nil, migrateErr
		}
		logger.Info("postgres schema ready", zap.Int64("version", version))
	}

	var (
		users    authkit.UserStore = accounts.NewMemoryUsers()
		database *authkit.Database
	)
	if configuration.DatabaseURL != "" {
		opened, openErr := authkit.OpenDatabase(ctx, configuration.DatabaseURL)
		if openErr != nil {
			return nil, nil, openErr
		}
		database = opened
		app.addCloser(func(context.Context) error { return opened.Close() })
		databaseUsers, usersErr := accounts.NewDatabaseUsers(ctx, database)
		if usersErr != nil {
			return nil, nil, usersErr
		}
		users = databaseUsers
	}

	switch configuration.TokenStore {
	case tokenStoreDatabase:
		store, storeErr := authkit.NewDatabaseRefreshTokenStoreFromDB(ctx, database)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using persistent refresh token store", zap.String("driver", store.Driver()))
		return users, store, nil
	case tokenStorePgx:
		pool, poolErr := authkitpg.BuildPool(ctx, configuration.DatabaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		app.addCloser(func(context.Context) error {
			pool.Close()
			return nil
		})
		logger.Info("using pgx refresh token store")
		return users, authkitpg.NewPostgresRefreshTokenStore(pool), nil
	case tokenStoreRedis:
		client, clientErr := authkitredis.NewClient(ctx, configuration.RedisURL)
		if clientErr != nil {
			return nil, nil, clientErr
		}
		app.addCloser(func(context.Context) error { return client.Close() })
		logger.Info("using redis refresh token store")
		return users, authkitredis.NewRedisRefreshTokenStore(client, ""), nil
	default:
		logger.Info("using in-memory refresh token store")
		return users, authkit.NewMemoryRefreshTokenStore(), nil
	}
}

func openAudit(app *application, configuration appConfig, logger *zap.Logger) *audit.Dispatcher {
	sinks := audit.MultiSink{audit.NewLogSink(logger.Named("audit"))}
	if len(configuration.AuditKafkaBrokers) > 0 {
		kafkaSink := audit.NewKafkaSink(configuration.AuditKafkaBrokers, configuration.AuditKafkaTopic, logger)
		app.addCloser(func(context.Context) error { return kafkaSink.Close() })
		sinks = append(sinks, kafkaSink)
		logger.Info("audit events streaming to kafka",
			zap.Strings("brokers", configuration.AuditKafkaBrokers),
			zap.String("topic", configuration.AuditKafkaTopic))
	}
	dispatcher := audit.NewDispatcher(sinks, audit.WithBufferSize(auditBufferSize))
	app.addCloser(func(context.Context) error {
		dispatcher.Close()
		if dropped := dispatcher.Dropped(); dropped > 0 {
			logger.Warn("audit events dropped", zap.Uint64("count", dropped))
		}
		return nil
	})
	return dispatcher
}
