package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/torii-labs/torii/internal/cache"
	"github.com/torii-labs/torii/internal/config"
	"github.com/torii-labs/torii/internal/events"
	"github.com/torii-labs/torii/internal/gateway"
	"github.com/torii-labs/torii/internal/logging"
	"github.com/torii-labs/torii/internal/ratelimit"
	"github.com/torii-labs/torii/internal/scan"
	"github.com/torii-labs/torii/internal/server"
)

const (
	commandUse                  = "server"
	commandShortDescription     = "Serve profile intelligence scans over HTTP"
	flagConfigName              = "config"
	flagConfigDescription       = "Path to a YAML configuration file"
	flagHostName                = "host"
	flagHostDescription         = "Host interface for the HTTP server"
	flagPortName                = "port"
	flagPortDescription         = "Port for the HTTP server"
	flagLogLevelName            = "log-level"
	flagLogLevelDescription     = "Log level (debug, info, warn, error)"
	defaultHost                 = "127.0.0.1"
	defaultPort                 = 8080
	defaultLogLevel             = "info"
	errMessageLoadConfig        = "load config"
	errMessageLoggerCreate      = "create logger"
	errMessageScanServiceCreate = "create scan service"
	errMessageEventsConnect     = "connect scan event publisher"
	errMessageListenAndServe    = "listen and serve"
	errMessageShutdown          = "shutdown server"
	logMessageStartingServer    = "starting HTTP server"
	logMessageServerStopped     = "server stopped"
	logMessageListenError       = "server listen failure"
	logMessageShuttingDown      = "shutting down HTTP server"
	logMessageEventsEnabled     = "scan events enabled"
	logMessageEventsClose       = "close scan event publisher"
	logMessagePurged            = "purged expired entries"
	logFieldAddress             = "address"
	logFieldSubjectPrefix       = "subject_prefix"
	logFieldCacheEntries        = "cache_entries"
	logFieldLimiterEntries      = "limiter_entries"
	loggerNameScan              = "scan"
	loggerNameGateway           = "gateway"
	loggerNameServer            = "server"
	loggerNameEvents            = "events"
)

func main() {
	cobra.CheckErr(newServerCommand(viper.New()).Execute())
}

func newServerCommand(viperInstance *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE: func(command *cobra.Command, _ []string) error {
			configFile, _ := command.Flags().GetString(flagConfigName)
			return runServerCommand(command.Context(), viperInstance, configFile)
		},
	}

	command.Flags().String(flagConfigName, "", flagConfigDescription)
	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagLogLevelName, defaultLogLevel, flagLogLevelDescription)

	bindFlagToViper(viperInstance, command, config.KeyServerHost, flagHostName)
	bindFlagToViper(viperInstance, command, config.KeyServerPort, flagPortName)
	bindFlagToViper(viperInstance, command, config.KeyLogLevel, flagLogLevelName)

	return command
}

func bindFlagToViper(viperInstance *viper.Viper, command *cobra.Command, key string, flagName string) {
	cobra.CheckErr(viperInstance.BindPFlag(key, command.Flags().Lookup(flagName)))
}

func runServerCommand(parentContext context.Context, viperInstance *viper.Viper, configFile string) error {
	configuration, err := config.Load(viperInstance, configFile)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoadConfig, err)
	}

	logger, err := logging.NewLogger(configuration.Log.Level)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if parentContext == nil {
		parentContext = context.Background()
	}
	signalContext, stopSignals := signal.NotifyContext(parentContext, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	publisher, err := newPublisher(configuration.NATS, logger.Named(loggerNameEvents))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageEventsConnect, err)
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn(logMessageEventsClose, zap.Error(closeErr))
		}
	}()

	viewCache := cache.New(cache.Config{TTL: configuration.Scan.CacheTTL})
	limiter := ratelimit.NewLimiter(ratelimit.Config{Window: configuration.Scan.RateLimitWindow})
	scanService, err := scan.NewService(scan.Config{
		Gateway: gateway.Config{
			BaseURL:   configuration.Gateway.BaseURL,
			Timeout:   configuration.Gateway.Timeout,
			UserAgent: configuration.Gateway.UserAgent,
			Logger:    logger.Named(loggerNameGateway),
		},
		Cache:          viewCache,
		Limiter:        limiter,
		Publisher:      publisher,
		Logger:         logger.Named(loggerNameScan),
		FeatureTimeout: configuration.Scan.FeatureTimeout,
		MaxConcurrent:  configuration.Scan.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageScanServiceCreate, err)
	}

	router, err := server.NewRouter(server.RouterConfig{
		Scanner:           scanService,
		Logger:            logger.Named(loggerNameServer),
		BackgroundContext: signalContext,
		TaskRetention:     configuration.Server.TaskRetention,
		MaxFinishedTasks:  configuration.Server.MaxFinishedTasks,
	})
	if err != nil {
		return err
	}

	go purgeExpired(signalContext, configuration.Scan.PurgeInterval, viewCache, limiter, logger)

	address := configuration.Server.Address()
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))
	httpServer := &http.Server{Addr: address, Handler: router}

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.ListenAndServe()
	}()

	select {
	case serveErr := <-serveErrors:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error(logMessageListenError, zap.Error(serveErr))
			return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
		}
	case <-signalContext.Done():
		logger.Info(logMessageShuttingDown)
		shutdownContext, cancelShutdown := context.WithTimeout(context.Background(), configuration.Server.ShutdownTimeout)
		defer cancelShutdown()
		if shutdownErr := httpServer.Shutdown(shutdownContext); shutdownErr != nil {
			return fmt.Errorf("%s: %w", errMessageShutdown, shutdownErr)
		}
	}

	logger.Info(logMessageServerStopped)
	return nil
}

func newPublisher(natsConfig config.NATSConfig, logger *zap.Logger) (events.Publisher, error) {
	if !natsConfig.Enabled {
		return events.NopPublisher{}, nil
	}
	publisher, err := events.ConnectNATS(events.NATSConfig{
		URL:               natsConfig.URL,
		SubjectPrefix:     natsConfig.SubjectPrefix,
		ConnectTimeout:    natsConfig.ConnectTimeout,
		ReconnectDelay:    natsConfig.ReconnectDelay,
		ReconnectAttempts: natsConfig.ReconnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info(logMessageEventsEnabled, zap.String(logFieldSubjectPrefix, natsConfig.SubjectPrefix))
	return publisher, nil
}

func purgeExpired(ctx context.Context, interval time.Duration, viewCache *cache.Cache, limiter *ratelimit.Limiter, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug(logMessagePurged,
				zap.Int(logFieldCacheEntries, viewCache.Purge()),
				zap.Int(logFieldLimiterEntries, limiter.Purge()))
		}
	}
}
