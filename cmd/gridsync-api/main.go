package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/auth"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/config"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/coordinator"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/database"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/logging"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/notifications"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/presence"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/realtime"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/server"
	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/versionstore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridsync-api",
		Short: "Realtime collaboration service for tabular data",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().Int("redis-db", defaults.GetInt("redis.db"), "Redis logical database")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sync.sweep_interval"), "Stale presence sweep interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.db", "redis-db")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.sweep_interval", "sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return err
	}

	versions, err := versionstore.New(versionstore.Config{
		Client:     redisClient,
		EventTTL:   appConfig.EventTTL,
		OfflineTTL: appConfig.OfflineTTL,
		Clock:      time.Now,
		IDProvider: changes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	directory, err := presence.NewDirectory(presence.Config{
		Client: redisClient,
		TTL:    appConfig.PresenceTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	recordStore, err := records.NewStore(records.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	notificationStore, err := notifications.NewStore(notifications.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	bus, err := realtime.NewRedisBus(realtime.RedisBusConfig{
		Client: redisClient,
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	collaboration, err := coordinator.New(coordinator.Config{
		VersionStore:      versions,
		Presence:          directory,
		Rooms:             hub,
		Publisher:         bus,
		Records:           recordStore,
		Notifications:     notificationStore,
		RecentEventsLimit: appConfig.RecentEventsLimit,
		RecoveryWindow:    appConfig.RecoveryWindow,
		StaleAfter:        appConfig.StaleAfter,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Coordinator: collaboration,
		HealthChecks: map[string]server.HealthCheck{
			"redis":    func(checkCtx context.Context) error { return redisClient.Ping(checkCtx).Err() },
			"database": sqlDB.PingContext,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.AuthEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
		deps.SessionValidator = validator
	} else {
		logger.Warn("session token verification disabled; identities are taken from authenticate frames")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return groupCtx
		},
	}

	group.Go(func() error {
		return bus.Run(groupCtx)
	})
	group.Go(func() error {
		return collaboration.RunSweeper(groupCtx, appConfig.SweepInterval)
	})
	group.Go(func() error {
		select {
		case <-bus.Ready():
		case <-groupCtx.Done():
			return nil
		}
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
