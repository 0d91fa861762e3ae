// Package main is the entry point for the Arkreview application.
// Arkreview runs the multi-stage asynchronous code-review job engine as
// an HTTP service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkreview/arkreview/consts"
	"github.com/arkreview/arkreview/internal/api/router"
	"github.com/arkreview/arkreview/internal/config"
	"github.com/arkreview/arkreview/internal/database"
	"github.com/arkreview/arkreview/internal/diffprovider"
	"github.com/arkreview/arkreview/internal/engine"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/taskinfo"
	"github.com/arkreview/arkreview/pkg/logger"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	consts.Version = Version
	consts.BuildTime = BuildTime
	consts.GitCommit = GitCommit
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "arkreview",
	Short: "Arkreview - asynchronous multi-stage code review job engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Arkreview HTTP server",
	Run:   runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database auto-migration and exit",
	Run:   runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Arkreview %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/arkreview.yaml", "configuration file path")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)

	serveCmd.Flags().String("host", "", "server host (overrides config)")
	serveCmd.Flags().Int("port", 0, "server port (overrides config)")
	serveCmd.Flags().Bool("debug", false, "enable debug mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
		fmt.Fprintf(os.Stderr, "[WARNING] failed to load %s, using defaults: %v\n", configPath, err)
	}
	return cfg
}

func runMigrate(cmd *cobra.Command, args []string) {
	if err := database.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migration complete")
}

func runServe(cmd *cobra.Command, args []string) {
	consts.SetStartedAt(time.Now())
	cfg := loadConfig()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("starting arkreview", zap.String("version", Version))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	if err := database.Init(); err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer database.Close()
	dataStore := store.NewStore(database.Get())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	info := taskinfo.New(redisClient, cfg.Redis.TaskInfoTTL)

	registry := diffprovider.NewRegistry()
	registerDiffProviders(registry, cfg.Git)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, cfg.Review, cfg.Git, registry, dataStore, info)
	defer eng.Stop()

	gc := engine.NewGC(dataStore.Broker(), cfg.Review.GCInterval)
	if err := gc.Start(); err != nil {
		logger.Warn("broker gc did not start", zap.Error(err))
	}
	defer gc.Stop()

	r := router.New(cfg, eng)
	srv := &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: r,
	}

	go func() {
		logger.Info("arkreview listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	waitForShutdown(srv)
	logger.Info("arkreview stopped")
}

func waitForShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down arkreview")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced server shutdown", zap.Error(err))
	}
}

// registerDiffProviders wires diffprovider.Registry with one concrete
// provider per configured git remote.
func registerDiffProviders(registry *diffprovider.Registry, git config.GitConfig) {
	for _, remote := range git.Remotes {
		switch remote.Domain {
		case "github.com":
			registry.Register(diffprovider.NewGitHubProvider(remote.Token))
		case "gitlab.com":
			provider, err := diffprovider.NewGitLabProvider(remote.Token)
			if err != nil {
				logger.Warn("failed to build gitlab diff provider", zap.Error(err))
				continue
			}
			registry.Register(provider)
		default:
			provider, err := diffprovider.NewGiteaProvider("https://"+remote.Domain, remote.Token)
			if err != nil {
				logger.Warn("failed to build gitea diff provider", zap.String("domain", remote.Domain), zap.Error(err))
				continue
			}
			registry.Register(provider)
		}
	}
}
