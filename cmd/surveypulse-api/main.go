package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/broadcast"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/config"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/database"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/logging"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/server"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/session"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/workers"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "surveypulse-api",
		Short: "Real-time survey response aggregator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSeedCommand(), newQuestionnaireCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Respondent cookie signing secret (overrides env)")
	cmd.PersistentFlags().String("broadcast-backend", defaults.GetString("broadcast.backend"), "Broadcast backend (memory, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis broadcast backend")
	cmd.PersistentFlags().Bool("secure-cookie", defaults.GetBool("respondent.secure_cookie"), "Mark the respondent cookie Secure (HTTPS deployments)")
	cmd.PersistentFlags().Int64("max-concurrency", defaults.GetInt64("workers.max_concurrency"), "Maximum concurrent ledger operations")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "respondent.signing_secret", "signing-secret")
	bindFlag(cmd, "broadcast.backend", "broadcast-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "respondent.secure_cookie", "secure-cookie")
	bindFlag(cmd, "workers.max_concurrency", "max-concurrency")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	store, err := surveys.NewStore(surveys.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	ledger, err := votes.NewLedger(votes.LedgerConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	provider, err := respondents.NewProvider(respondents.ProviderConfig{
		Database:      db,
		SigningSecret: []byte(appConfig.RespondentSecret),
		Issuer:        appConfig.RespondentIssuer,
		CookieName:    appConfig.RespondentCookie,
		CookieTTL:     appConfig.RespondentTTL,
		SecureCookie:  appConfig.RespondentSecure,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	pool, err := workers.NewPool(appConfig.MaxConcurrency)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	hub, err := newHub(groupCtx, group, appConfig, logger)
	if err != nil {
		return err
	}

	manager, err := session.NewManager(session.Config{
		Hub:            hub,
		Ledger:         ledger,
		Questionnaires: store,
		Identities:     provider,
		Pool:           pool,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.SendBuffer,
		WriteTimeout:   appConfig.WriteTimeout,
		PingInterval:   appConfig.PingInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       manager,
		Questionnaires: store,
		Ledger:         ledger,
		Identities:     provider,
		Publisher:      server.NewStatsPublisher(hub, ledger, logger),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("broadcast_backend", appConfig.BroadcastBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// newHub returns the configured broadcast hub. The redis hub's relay runs inside group.
func newHub(ctx context.Context, group *errgroup.Group, appConfig config.AppConfig, logger *zap.Logger) (broadcast.Hub, error) {
	if appConfig.BroadcastBackend != config.BroadcastBackendRedis {
		return broadcast.NewMemoryHub(logger), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	hub, err := broadcast.NewRedisHub(broadcast.RedisHubConfig{
		Client:        client,
		ChannelPrefix: appConfig.RedisChannelPrefix,
		Logger:        logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	group.Go(func() error {
		defer client.Close()
		return hub.Run(ctx)
	})
	return hub, nil
}
