package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/credbroker/internal/broker"
	"github.com/tyemirov/credbroker/internal/googleclient"
	"github.com/tyemirov/credbroker/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context, timeout time.Duration) (broker.GoogleTokenValidator, error) {
	return broker.NewGoogleTokenValidator(ctx, timeout)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "credbroker",
		Short:   "Google OAuth credential broker with refresh-token retention and first-party sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID (the identity token audience)")
	rootCmd.Flags().String("google_web_client_secret", "", "Google Web OAuth Client secret")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session credentials")
	rootCmd.Flags().String("exchange_mode", string(broker.ExchangeModeInstalled), "Authorization code source: installed or playground")
	rootCmd.Flags().String("response_shape", string(broker.ResponseShapeSession), "Exchange response body: session or diagnostic")
	rootCmd.Flags().Duration("expiry_skew", broker.DefaultExpirySkew, "Safety margin before access token expiry")
	rootCmd.Flags().Duration("provider_timeout", broker.DefaultProviderTimeout, "Timeout for each call to Google")
	rootCmd.Flags().String("database_url", "", "Credential store URL (sqlite://, postgres://, redis://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, key := range []string{
		"listen_addr",
		"google_web_client_id",
		"google_web_client_secret",
		"jwt_signing_key",
		"exchange_mode",
		"response_shape",
		"expiry_skew",
		"provider_timeout",
		"database_url",
		"enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "app_session"

	configCodeMissingGoogleClientID     = "config.missing_google_web_client_id"
	configCodeInvalidGoogleClientID     = "config.invalid_google_web_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_web_client_secret"
	configCodeMissingJWTSigningKey      = "config.missing_jwt_signing_key"
	configCodeInvalidExchangeMode       = "config.invalid_exchange_mode"
	configCodeInvalidResponseShape      = "config.invalid_response_shape"
	configCodeInvalidExpirySkew         = "config.invalid_expiry_skew"
	configCodeInvalidProviderTimeout    = "config.invalid_provider_timeout"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit       = "config.google_validator_init"
	configCodeCredentialStoreInit       = "config.credential_store_init"
	configCodeProviderInit              = "config.provider_init"
	configCodeSessionIssuerInit         = "config.session_issuer_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

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

func LoadServerConfig() (broker.ServerConfig, error) {
	googleWebClientID := strings.TrimSpace(viper.GetString("google_web_client_id"))
	if googleWebClientID == "" {
		return broker.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}
	if !strings.HasSuffix(googleWebClientID, broker.GoogleClientIDSuffix) {
		return broker.ServerConfig{}, configError(configCodeInvalidGoogleClientID, "google_web_client_id must end with "+broker.GoogleClientIDSuffix)
	}

	googleWebClientSecret := viper.GetString("google_web_client_secret")
	if googleWebClientSecret == "" {
		return broker.ServerConfig{}, configError(configCodeMissingGoogleClientSecret, "google_web_client_secret must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return broker.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	exchangeMode := broker.ExchangeMode(stringOrDefault("exchange_mode", string(broker.ExchangeModeInstalled)))
	if _, redirectErr := exchangeMode.RedirectURL(); redirectErr != nil {
		return broker.ServerConfig{}, configError(configCodeInvalidExchangeMode, "exchange_mode must be installed or playground")
	}

	responseShape := broker.ResponseShape(stringOrDefault("response_shape", string(broker.ResponseShapeSession)))
	if responseShape != broker.ResponseShapeSession && responseShape != broker.ResponseShapeDiagnostic {
		return broker.ServerConfig{}, configError(configCodeInvalidResponseShape, "response_shape must be session or diagnostic")
	}

	expirySkew := durationOrDefault("expiry_skew", broker.DefaultExpirySkew)
	if expirySkew <= 0 {
		return broker.ServerConfig{}, configError(configCodeInvalidExpirySkew, "expiry_skew must be greater than zero")
	}

	providerTimeout := durationOrDefault("provider_timeout", broker.DefaultProviderTimeout)
	if providerTimeout <= 0 {
		return broker.ServerConfig{}, configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}

	return broker.ServerConfig{
		GoogleWebClientID:     googleWebClientID,
		GoogleWebClientSecret: googleWebClientSecret,
		ExchangeMode:          exchangeMode,
		ResponseShape:         responseShape,
		AppJWTSigningKey:      []byte(jwtSigningKey),
		AppJWTIssuer:          broker.DefaultSessionIssuer,
		SessionCookieName:     sessionCookieName,
		ExpirySkew:            expirySkew,
		ProviderTimeout:       providerTimeout,
	}, nil
}

func stringOrDefault(key string, fallback string) string {
	if value := strings.TrimSpace(viper.GetString(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return fallback
	}
	return viper.GetDuration(key)
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(broker.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	credentialStore, storeDriver, closeStore, storeErr := broker.OpenCredentialStore(commandContext, databaseURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeCredentialStoreInit, storeErr)
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			logger.Warn("credential store close failed",
				zap.String("code", "credential_store.close_failure"),
				zap.Error(closeErr))
		}
	}()
	logger.Info("credential store ready", zap.String("driver", storeDriver))

	validator, validatorErr := buildGoogleTokenValidator(commandContext, serverConfig.ProviderTimeout)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	provider, providerErr := broker.NewGoogleProvider(serverConfig)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeProviderInit, providerErr)
	}

	clock := broker.NewSystemClock()
	sessions, sessionsErr := broker.NewSessionIssuer(serverConfig.AppJWTSigningKey, serverConfig.AppJWTIssuer, serverConfig.SessionCookieName, clock)
	if sessionsErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionIssuerInit, sessionsErr)
	}

	metricsRecorder := broker.NewCounterMetrics()
	defer func() {
		logger.Info("broker counters", zap.Any("counters", metricsRecorder.Snapshot()))
	}()

	refresher := broker.NewCredentialRefresher(broker.RefresherConfig{
		Store:     credentialStore,
		Refresher: provider,
		Clock:     clock,
		Skew:      serverConfig.ExpirySkew,
		Timeout:   serverConfig.ProviderTimeout,
		Metrics:   metricsRecorder,
		Logger:    logger,
	})
	credentialBroker := broker.NewCredentialBroker(broker.BrokerConfig{
		ClientID:  serverConfig.GoogleWebClientID,
		Exchanger: provider,
		Verifier:  broker.NewIdentityVerifier(validator, clock, serverConfig.ProviderTimeout),
		Store:     credentialStore,
		Refresher: refresher,
		Sessions:  sessions,
		Clock:     clock,
		Metrics:   metricsRecorder,
		Logger:    logger,
	})
	downstream := googleclient.NewClient(googleclient.WithTimeout(serverConfig.ProviderTimeout))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/", func(contextGin *gin.Context) {
		contextGin.String(http.StatusOK, "credbroker is running")
	})
	broker.MountBrokerRoutes(router, serverConfig, credentialBroker, downstream, metricsRecorder, logger)
	router.GET("/me", broker.RequireSession(sessions), web.HandleMe(logger, credentialBroker))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("exchange_mode", string(serverConfig.ExchangeMode)),
		zap.String("response_shape", string(serverConfig.ResponseShape)))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
