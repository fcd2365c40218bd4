package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/collections"
	"github.com/MarcoPoloResearchLab/registry/internal/config"
	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/logging"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/server"
	"github.com/MarcoPoloResearchLab/registry/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisConnectTimeout = 5 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "registry-api",
		Short: "Records registry collection store and auth service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-username", "", "Bootstrap administrator username")
	cmd.PersistentFlags().String("admin-password", "", "Bootstrap administrator password")
	cmd.PersistentFlags().String("revocation-backend", defaults.GetString("revocation.backend"), "Revocation list backend (sqlite, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the redis revocation backend")
	cmd.PersistentFlags().Bool("tolerate-degraded", defaults.GetBool("revocation.tolerate_degraded"), "Admit tokens when the revocation list is unreachable")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_username", "admin-username")
	bindFlag(cmd, "auth.admin_password", "admin-password")
	bindFlag(cmd, "revocation.backend", "revocation-backend")
	bindFlag(cmd, "revocation.redis_address", "redis-address")
	bindFlag(cmd, "revocation.tolerate_degraded", "tolerate-degraded")
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
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	schema := database.Schema{}
	for _, part := range []database.Schema{collections.Schema(), users.Schema(), auth.RevocationSchema()} {
		schema.Models = append(schema.Models, part.Models...)
		schema.Migrations = append(schema.Migrations, part.Migrations...)
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, schema)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	var revocations auth.RevocationStore
	switch appConfig.RevocationBackend {
	case config.RevocationBackendRedis:
		client, err := auth.ConnectRedis(ctx, appConfig.RedisAddress, redisConnectTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		revocations, err = auth.NewRedisRevocationStore(client, time.Now)
		if err != nil {
			return err
		}
	default:
		revocations, err = auth.NewSQLRevocationStore(db, time.Now)
		if err != nil {
			return err
		}
	}

	recordStore, err := collections.NewService(collections.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: collections.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	accounts, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: collections.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if appConfig.AdminUsername != "" {
		if _, err := accounts.EnsureAdmin(ctx, appConfig.AdminUsername, appConfig.AdminPassword); err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:     tokenManager,
		Revocations:      revocations,
		Accounts:         accounts,
		Collections:      collections.NewRegistry(recordStore, map[records.Name]collections.Backend{records.Users: accounts}),
		Realtime:         server.NewRealtimeDispatcher(),
		TolerateDegraded: appConfig.TolerateDegraded,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("revocation_backend", appConfig.RevocationBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
