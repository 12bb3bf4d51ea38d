package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/platformauth/internal/authkit"
	"github.com/tyemirov/platformauth/internal/authkitpg"
	"github.com/tyemirov/platformauth/internal/obs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownGracePeriod = 10 * time.Second

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	defaultTokenIssuer      = "platformauth"
	defaultAccessTTL        = time.Hour
	defaultRefreshTTL       = 168 * time.Hour
	defaultReaperInterval   = 10 * time.Minute
	defaultReaperGrace      = 24 * time.Hour
	defaultReaperMaxRecords = 100000
	defaultBcryptCost       = 10
	defaultAuditKafkaTopic  = "platformauth.audit"
	defaultOTELServiceName  = "platformauth"
)

// Token store selections.
const (
	tokenStoreAuto     = "auto"
	tokenStoreMemory   = "memory"
	tokenStoreDatabase = "database"
	tokenStorePgx      = "pgx"
	tokenStoreRedis    = "redis"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "platformauth",
		Short:   "Email/password auth service with JWT access tokens and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("environment", authkit.EnvironmentProduction, "Deployment environment (development exposes error details)")
	rootCmd.PersistentFlags().String("database_url", "", "Database URL (postgres://, sqlite://, mysql://); empty keeps users and tokens in memory")

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("access_token_secret", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().String("token_issuer", defaultTokenIssuer, "Issuer claim for minted tokens")
	rootCmd.Flags().Duration("access_ttl", defaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", defaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().String("token_store", tokenStoreAuto, "Refresh token store: auto, memory, database, pgx, or redis")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the redis token store")
	rootCmd.Flags().Duration("reaper_interval", defaultReaperInterval, "Interval between refresh token sweeps")
	rootCmd.Flags().Duration("reaper_grace", defaultReaperGrace, "How long expired refresh tokens are kept before deletion")
	rootCmd.Flags().Int("reaper_max_records", defaultReaperMaxRecords, "Maximum stored refresh tokens; 0 disables the cap")
	rootCmd.Flags().Int("bcrypt_cost", defaultBcryptCost, "bcrypt cost for password hashes")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().StringSlice("audit_kafka_brokers", []string{}, "Kafka brokers for the audit stream; empty logs audit events only")
	rootCmd.Flags().String("audit_kafka_topic", defaultAuditKafkaTopic, "Kafka topic for audit events")
	rootCmd.Flags().String("otel_endpoint", "", "OTLP gRPC endpoint; empty disables tracing")
	rootCmd.Flags().String("otel_service_name", defaultOTELServiceName, "Service name reported to the tracer")
	rootCmd.Flags().Float64("otel_sample_ratio", 1, "Trace sampling ratio")

	for _, name := range []string{"environment", "database_url"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newMigrateCommand())
	return rootCmd
}

const (
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeIdenticalSecrets        = "config.identical_token_secrets"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeRefreshTTLTooShort      = "config.refresh_ttl_not_longer_than_access_ttl"
	configCodeInvalidReaper           = "config.invalid_reaper_settings"
	configCodeUnknownTokenStore       = "config.unknown_token_store"
	configCodeMissingRedisURL         = "config.missing_redis_url"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeUnsupportedPgxURL       = "config.pgx_requires_postgres_url"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// appConfig is the fully validated process configuration.
type appConfig struct {
	Server             authkit.ServerConfig
	ListenAddr         string
	DatabaseURL        string
	TokenStore         string
	RedisURL           string
	BcryptCost         int
	EnableCORS         bool
	CORSAllowedOrigins []string
	AuditKafkaBrokers  []string
	AuditKafkaTopic    string
	OTEL               obs.OTELConfig
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func stringOrDefault(key string, fallback string) string {
	if value := strings.TrimSpace(viper.GetString(key)); value != "" {
		return value
	}
	return fallback
}

func nonEmpty(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func LoadServerConfig() (appConfig, error) {
	accessSecret := viper.GetString("access_token_secret")
	if accessSecret == "" {
		return appConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshSecret := viper.GetString("refresh_token_secret")
	if refreshSecret == "" {
		return appConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if accessSecret == refreshSecret {
		return appConfig{}, configError(configCodeIdenticalSecrets, "access_token_secret and refresh_token_secret must differ")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	if refreshTTL <= accessTTL {
		return appConfig{}, configError(configCodeRefreshTTLTooShort, "refresh_ttl must be longer than access_ttl")
	}

	reaperInterval := viper.GetDuration("reaper_interval")
	if reaperInterval == 0 {
		reaperInterval = defaultReaperInterval
	}
	reaperGrace := viper.GetDuration("reaper_grace")
	reaperMaxRecords := viper.GetInt("reaper_max_records")
	if reaperInterval < 0 || reaperGrace < 0 || reaperMaxRecords < 0 {
		return appConfig{}, configError(configCodeInvalidReaper, "reaper_interval, reaper_grace, and reaper_max_records must not be negative")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	redisURL := strings.TrimSpace(viper.GetString("redis_url"))
	tokenStore := strings.ToLower(stringOrDefault("token_store", tokenStoreAuto))
	switch tokenStore {
	case tokenStoreAuto:
		tokenStore = tokenStoreMemory
		if databaseURL != "" {
			tokenStore = tokenStoreDatabase
		}
	case tokenStoreMemory:
	case tokenStoreDatabase:
		if databaseURL == "" {
			return appConfig{}, configError(configCodeMissingDatabaseURL, "token_store=database requires database_url")
		}
	case tokenStorePgx:
		if databaseURL == "" {
			return appConfig{}, configError(configCodeMissingDatabaseURL, "token_store=pgx requires database_url")
		}
		if !isPostgresURL(databaseURL) {
			return appConfig{}, configError(configCodeUnsupportedPgxURL, "token_store=pgx requires a postgres:// database_url")
		}
	case tokenStoreRedis:
		if redisURL == "" {
			return appConfig{}, configError(configCodeMissingRedisURL, "token_store=redis requires redis_url")
		}
	default:
		return appConfig{}, configError(configCodeUnknownTokenStore, fmt.Sprintf("token_store %q is not one of auto, memory, database, pgx, redis", tokenStore))
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := nonEmpty(viper.GetStringSlice("cors_allowed_origins"))
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return appConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	bcryptCost := viper.GetInt("bcrypt_cost")
	if bcryptCost == 0 {
		bcryptCost = defaultBcryptCost
	}
	otelEndpoint := strings.TrimSpace(viper.GetString("otel_endpoint"))
	sampleRatio := viper.GetFloat64("otel_sample_ratio")
	if sampleRatio <= 0 {
		sampleRatio = 1
	}

	return appConfig{
		Server: authkit.ServerConfig{
			Environment:        stringOrDefault("environment", authkit.EnvironmentProduction),
			AccessTokenSecret:  []byte(accessSecret),
			RefreshTokenSecret: []byte(refreshSecret),
			TokenIssuer:        stringOrDefault("token_issuer", defaultTokenIssuer),
			AccessTTL:          accessTTL,
			RefreshTTL:         refreshTTL,
			ReaperInterval:     reaperInterval,
			ReaperGrace:        reaperGrace,
			ReaperMaxRecords:   reaperMaxRecords,
		},
		ListenAddr:         stringOrDefault("listen_addr", ":8080"),
		DatabaseURL:        databaseURL,
		TokenStore:         tokenStore,
		RedisURL:           redisURL,
		BcryptCost:         bcryptCost,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		AuditKafkaBrokers:  nonEmpty(viper.GetStringSlice("audit_kafka_brokers")),
		AuditKafkaTopic:    stringOrDefault("audit_kafka_topic", defaultAuditKafkaTopic),
		OTEL: obs.OTELConfig{
			Enable:      otelEndpoint != "",
			Endpoint:    otelEndpoint,
			ServiceName: stringOrDefault("otel_service_name", defaultOTELServiceName),
			SampleRatio: sampleRatio,
		},
	}, nil
}

func isPostgresURL(databaseURL string) bool {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "postgres" || scheme == "postgresql"
}

func newLogger(environment string) (*zap.Logger, error) {
	var config zap.Config
	if environment == authkit.EnvironmentDevelopment {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "platformauth"), zap.String("env", environment)), nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	configuration, ok := contextValue.(appConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger(configuration.Server.Environment)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	signalCtx, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	app, buildErr := buildApplication(signalCtx, configuration, logger)
	if buildErr != nil {
		return buildErr
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("shutdown cleanup error", zap.Error(err))
		}
	}()

	reaperCtx, stopReaper := context.WithCancel(signalCtx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		if err := app.reaper.Run(reaperCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper stopped", zap.Error(err))
		}
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, triggerShutdown := context.WithCancel(signalCtx)
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-shutdownCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", configuration.ListenAddr),
		zap.String("token_store", configuration.TokenStore))
	serveErr := serveHTTP(server)
	// Serve returns once Shutdown starts; stores stay open until in-flight requests drain.
	triggerShutdown()
	<-shutdownDone
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(command *cobra.Command, arguments []string) error {
			databaseURL := strings.TrimSpace(viper.GetString("database_url"))
			if databaseURL == "" {
				return configError(configCodeMissingDatabaseURL, "migrate requires database_url")
			}
			if !isPostgresURL(databaseURL) {
				return configError(configCodeUnsupportedPgxURL, "migrate requires a postgres:// database_url")
			}
			logger, loggerErr := newLogger(stringOrDefault("environment", authkit.EnvironmentProduction))
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			ctx := command.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			version, migrateErr := migrateDatabase(ctx, databaseURL)
			if migrateErr != nil {
				return migrateErr
			}
			logger.Info("migrations applied", zap.Int64("version", version))
			return nil
		},
	}
}

var migrateDatabase = authkitpg.Migrate
