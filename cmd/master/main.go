package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/config"
	"github.com/kestrelhq/fleetbackup/internal/httpapi"
	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/master"
	"github.com/kestrelhq/fleetbackup/internal/masterjobs"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/objectstore"
	"github.com/kestrelhq/fleetbackup/internal/progress"
	"github.com/kestrelhq/fleetbackup/internal/quota"
	"github.com/kestrelhq/fleetbackup/internal/reconcile"
	"github.com/kestrelhq/fleetbackup/internal/security"
	storemaster "github.com/kestrelhq/fleetbackup/internal/store/master"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetbackup-master",
	Short:   "Master control plane for the WordPress fleet backup system",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetbackup-master version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "Path to master.yaml config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		if err := storemaster.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Master HTTP API, metrics collector, and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logTail := log.NewRingBuffer(2000)
		var errLog *os.File
		if cfg.ErrorLogPath != "" {
			errLog, err = os.OpenFile(cfg.ErrorLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open error log: %w", err)
			}
			defer errLog.Close()
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
			ErrorLog:   errLog,
			Tail:       logTail,
		})
		logger := log.WithComponent("main")

		if err := storemaster.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		db, err := storemaster.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		keyring, err := security.NewKeyRingFromHex(cfg.MasterKeyHex, cfg.PriorKeysHex...)
		if err != nil {
			return fmt.Errorf("build keyring: %w", err)
		}

		nodes := storemaster.NewNodeRepository(db)
		sites := storemaster.NewSiteRepository(db)
		backups := storemaster.NewBackupRepository(db)
		providers := storemaster.NewStorageProviderRepository(db)
		users := storemaster.NewUserRepository(db)
		assignments := storemaster.NewAssignmentRepository(db)
		activities := storemaster.NewActivityRepository(db)
		settingsRepo := storemaster.NewSettingsRepository(db)

		authManager := auth.NewManager(cfg.JWTSigningKey)
		rbac := auth.NewRBAC(assignments)
		activityRecorder := activity.NewRecorder(activities)
		progressStore := progress.NewStore()
		broker := progress.NewBroker()
		quotaChecker := quota.NewChecker(sites, nodes, backups)
		objectStore := objectstore.New(providers, keyring)
		reconciler := reconcile.NewReconciler(objectStore, backups, sites, nodes, sites, nodes, settingsRepo)

		server := httpapi.NewServer(httpapi.Deps{
			DB:               db,
			Nodes:            nodes,
			Sites:            sites,
			Backups:          backups,
			StorageProviders: providers,
			Users:            users,
			Assignments:      assignments,
			AuthManager:      authManager,
			RBAC:             rbac,
			Activities:       activityRecorder,
			ProgressStore:    progressStore,
			Broker:           broker,
			QuotaChecker:     quotaChecker,
			Reconciler:       reconciler,
			ObjectStore:      objectStore,
			KeyRing:          keyring,
			LogTail:          logTail,
			CORSOrigins:      cfg.CORSOrigins,
		})

		metricsCollector := master.NewMetricsCollector(nodes, sites, providers)
		metricsCollector.Start(30 * time.Second)

		jobs := masterjobs.New(
			backups,
			sites,
			nodes,
			settingsRepo,
			objectStore,
			quotaChecker,
			func(ctx context.Context) error {
				_, err := reconciler.RunCycle(ctx, false)
				return err
			},
			cfg.Reconciliation.IntervalCron,
		)
		if err := jobs.Start(ctx); err != nil {
			return fmt.Errorf("start background jobs: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("database", true, "connected")
		metrics.RegisterComponent("api", true, "ready")

		metricsAddr := "127.0.0.1:9090"
		metricsSrv := &http.Server{Addr: metricsAddr}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			metricsSrv.Handler = mux
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

		apiSrv := &http.Server{Addr: cfg.ListenAddr, Handler: server}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("master api listening")
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server failed")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		jobs.Stop()
		reconciler.Stop()
		metricsCollector.Stop()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Master, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadMaster(path)
}
