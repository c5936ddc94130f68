package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/fleetbackup/internal/config"
	"github.com/kestrelhq/fleetbackup/internal/daemonclient"
	"github.com/kestrelhq/fleetbackup/internal/governor"
	"github.com/kestrelhq/fleetbackup/internal/health"
	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/nodesched"
	"github.com/kestrelhq/fleetbackup/internal/pipeline"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

var (
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
	Use:     "fleetbackup-node",
	Short:   "Node daemon for the WordPress fleet backup system",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetbackup-node version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "Path to node.yaml config file")
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(serveCmd)
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Request enrollment with Master and wait for operator approval",
	Long: `Registers this host with Master, prints the registration code an
operator must enter in the admin console, and polls until the node is
approved or blocked. On approval, the plaintext API key is written once
to --api-key-path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		hostname, _ := os.Hostname()
		address, _ := cmd.Flags().GetString("address")

		client := daemonclient.New(cfg.MasterURL, "")
		result, err := client.JoinRequest(context.Background(), hostname, address)
		if err != nil {
			return fmt.Errorf("join request: %w", err)
		}

		fmt.Println("Enrollment requested.")
		fmt.Printf("  Registration code: %s\n", result.Code)
		fmt.Println("  Enter this code in the Master admin console to approve this node.")
		fmt.Println()
		fmt.Println("Waiting for approval...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for approval")
			case <-ticker.C:
				status, err := client.PollJoinStatus(ctx, result.Code)
				if err != nil {
					continue
				}
				switch status.Status {
				case types.NodeStatusActive:
					if status.APIKey == "" {
						return fmt.Errorf("node approved but no api key returned")
					}
					if err := os.WriteFile(cfg.APIKeyPath, []byte(status.APIKey), 0o600); err != nil {
						return fmt.Errorf("write api key: %w", err)
					}
					fmt.Printf("✓ Node approved. API key written to %s\n", cfg.APIKeyPath)
					return nil
				case types.NodeStatusBlocked:
					return fmt.Errorf("node was blocked by operator")
				}
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Node daemon's backup scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		apiKey, err := readAPIKey(cfg.APIKeyPath)
		if err != nil {
			return fmt.Errorf("read api key (run 'enroll' first): %w", err)
		}

		if err := os.MkdirAll(cfg.TempRoot, 0o755); err != nil {
			return fmt.Errorf("create temp root: %w", err)
		}

		client := daemonclient.New(cfg.MasterURL, apiKey)
		gov := governor.New(governor.Config{
			IOPermits:          cfg.Governor.IOPermits,
			NetworkPermits:     cfg.Governor.NetworkPermits,
			CPUPermits:         cfg.Governor.CPUWorkers,
			UploadBandwidthBps: cfg.Governor.UploadBandwidthBps,
		})
		engine := pipeline.NewEngine(cfg.TempRoot)

		runJob := func(ctx context.Context, site types.Site) {
			spec := pipeline.SiteSpec{
				SiteID:            site.ID,
				SiteUUID:          site.UUID,
				SiteName:          site.Name,
				Timezone:          site.Timezone,
				WPConfigPath:      site.WPConfigPath,
				WPContentPath:     site.WPContentPath,
				DBHost:            site.DBHost,
				DBName:            site.DBName,
				DBUser:            site.DBUser,
				DBPassword:        site.DBPassword,
				StorageProviderID: site.StorageProviderID,
				EstimatedBytes:    site.StorageUsedBytes,
			}
			state, err := engine.RunJob(ctx, spec, gov, client, client)
			if err != nil {
				logger.Error().Err(err).Int64("site_id", site.ID).Str("state", string(state)).Msg("backup job finished with error")
				return
			}
			logger.Info().Int64("site_id", site.ID).Str("state", string(state)).Msg("backup job finished")
		}

		scheduler := nodesched.NewScheduler(client, runJob)
		scheduler.Start(context.Background())
		logger.Info().Msg("scheduler started")

		checker := health.NewHTTPChecker(strings.TrimRight(cfg.MasterURL, "/") + "/healthz")
		healthStatus := health.NewStatus()
		healthCfg := health.DefaultConfig()
		stopHealth := make(chan struct{})
		go func() {
			ticker := time.NewTicker(healthCfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					checkCtx, cancel := context.WithTimeout(context.Background(), healthCfg.Timeout)
					result := checker.Check(checkCtx)
					cancel()
					healthStatus.Update(result, healthCfg)
					metrics.UpdateComponent("master_connectivity", healthStatus.Healthy, result.Message)
				case <-stopHealth:
					return
				}
			}
		}()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("scheduler", true, "running")
		metricsAddr := "127.0.0.1:9091"
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

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutdown signal received")

		close(stopHealth)
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func loadNodeConfig(cmd *cobra.Command) (*config.Node, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadNode(path)
}

// readAPIKey reads the plaintext key enroll wrote to disk, trimming the
// trailing newline an operator's editor may have added.
func readAPIKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", fmt.Errorf("api key file is empty")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func init() {
	enrollCmd.Flags().String("address", "", "Address Master should use to reach this node (informational)")
}
