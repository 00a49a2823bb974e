package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectlens/mirrorsync/internal/config"
	"github.com/projectlens/mirrorsync/internal/database"
	"github.com/projectlens/mirrorsync/internal/delta"
	"github.com/projectlens/mirrorsync/internal/logging"
	"github.com/projectlens/mirrorsync/internal/merge"
	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/reconcile"
	"github.com/projectlens/mirrorsync/internal/server"
	"github.com/projectlens/mirrorsync/internal/syncer"
	"github.com/projectlens/mirrorsync/internal/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mirrorsync-api",
		Short: "Mirror and delta synchronization service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("upstream-base-url", defaults.GetString("upstream.base_url"), "Upstream system base URL")
	cmd.PersistentFlags().Int("upstream-timeout-seconds", defaults.GetInt("upstream.timeout_seconds"), "Upstream call timeout in seconds")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Default sync interval in seconds")
	cmd.PersistentFlags().Int("sync-max-concurrent", defaults.GetInt("sync.max_concurrent"), "Maximum concurrent tenant syncs")
	cmd.PersistentFlags().String("tenants", defaults.GetString("sync.tenants"), "Tenants to sync (id or id=intervalSeconds, comma separated)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "upstream.base_url", "upstream-base-url")
	bindFlag(cmd, "upstream.timeout_seconds", "upstream-timeout-seconds")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.max_concurrent", "sync-max-concurrent")
	bindFlag(cmd, "sync.tenants", "tenants")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: mirror.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deltaStore, err := delta.NewStore(delta.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	upstreamClient, err := upstream.NewHTTPClient(upstream.HTTPClientConfig{
		BaseURL:     appConfig.UpstreamBaseURL,
		CallTimeout: appConfig.UpstreamTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	mergeEngine, err := merge.NewEngine(merge.EngineConfig{
		Mirror: mirrorStore,
		Delta:  deltaStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := reconcile.NewCoordinator(reconcile.CoordinatorConfig{
		Mirror:   mirrorStore,
		Delta:    deltaStore,
		Upstream: upstreamClient,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	worker, err := syncer.NewWorker(syncer.WorkerConfig{
		Upstream:    upstreamClient,
		Mirror:      mirrorStore,
		PageTimeout: appConfig.UpstreamTimeout,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tenants := make([]syncer.Tenant, 0, len(appConfig.Tenants))
	for _, tenant := range appConfig.Tenants {
		tenants = append(tenants, syncer.Tenant{ID: tenant.ID, Interval: tenant.Interval})
	}
	scheduler, err := syncer.NewScheduler(syncer.SchedulerConfig{
		Worker:        worker,
		Tenants:       tenants,
		MaxConcurrent: int64(appConfig.SyncMaxConcurrent),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		MergeEngine: mergeEngine,
		Coordinator: coordinator,
		MirrorStore: mirrorStore,
		Logger:      logger,
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

	if err := scheduler.Start(signalCtx); err != nil {
		return err
	}
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
