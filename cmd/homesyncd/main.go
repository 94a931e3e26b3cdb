package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hearthware/homesync/internal/api"
	"github.com/hearthware/homesync/internal/config"
	"github.com/hearthware/homesync/internal/registry"
	"github.com/hearthware/homesync/internal/security"
	"github.com/hearthware/homesync/internal/store"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the daemon's runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Registry  *registry.Registry
	APIServer *api.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		return tokenCommand(os.Args[2:])
	}

	fs := flag.NewFlagSet("homesyncd", flag.ExitOnError)
	configPath := fs.String("config", "homesync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("homesyncd v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := serve(app, *configPath); err != nil {
		app.Logger.Error("daemon error", "error", err)
		return 1
	}

	app.Logger.Info("homesyncd stopped")
	return 0
}

// setup initializes all daemon components.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting homesyncd", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwtSecret must be set in %s", configPath)
	}

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	app.Registry, err = registry.Load(cfg.Ingest.CollectionsFile, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}

	app.Store, err = store.Open(filepath.Join(cfg.Server.DataDir, "homesync.db"), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app.APIServer = api.NewServer(
		cfg.Server.Port,
		app.Store,
		app.Registry,
		[]byte(cfg.Auth.JWTSecret),
		cfg.Ingest.MaxBatchItems,
		app.Logger,
	)

	return app, nil
}

// serve runs the API server, key purge job, and config watcher until a
// shutdown signal arrives.
func serve(app *App, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.APIServer.Start(gCtx)
	})

	purge := cron.New()
	_, err := purge.AddFunc(app.Config.Ingest.PurgeSchedule, func() {
		retention := time.Duration(app.Config.Ingest.KeyRetentionDays) * 24 * time.Hour
		cutoff := time.Now().Add(-retention)

		jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := app.Store.PurgeKeysBefore(jobCtx, cutoff)
		if err != nil {
			app.Logger.Error("key purge failed", "error", err)
			return
		}
		app.Logger.Info("purged idempotency keys", "count", n, "cutoff", cutoff)
	})
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", app.Config.Ingest.PurgeSchedule, err)
	}
	purge.Start()
	defer purge.Stop()

	watcher := config.NewWatcher(configPath, 30*time.Second, app.Logger, func() {
		result, err := app.Config.Reload(configPath)
		if err != nil {
			app.Logger.Error("config reload failed", "error", err)
			return
		}
		result.LogResult(app.Logger)
	})
	g.Go(func() error {
		return watcher.Run(gCtx)
	})

	app.Logger.Info("homesyncd ready",
		"port", app.Config.Server.Port,
		"collections", len(app.Registry.Types()),
		"purgeSchedule", app.Config.Ingest.PurgeSchedule,
	)

	err = g.Wait()

	if cerr := app.Store.Close(); cerr != nil {
		app.Logger.Error("store close failed", "error", cerr)
	}
	return err
}

// tokenCommand issues a device token from the configured JWT secret.
func tokenCommand(args []string) int {
	fs := flag.NewFlagSet("homesyncd token", flag.ExitOnError)
	configPath := fs.String("config", "homesync.json", "Path to config file")
	userID := fs.String("user", "", "User id (required)")
	householdID := fs.String("household", "", "Household id")
	deviceID := fs.String("device", "", "Device id (required)")
	role := fs.String("role", security.RoleMember, "Device role (owner, member, readonly)")
	ttlHours := fs.Int("ttl", 0, "Token lifetime in hours (default: auth.tokenTtlHours)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *userID == "" || *deviceID == "" {
		fmt.Fprintln(os.Stderr, "usage: homesyncd token -user <id> -device <id> [-household <id>] [-role <r>] [-ttl <hours>]")
		return 1
	}
	if !slices.Contains(security.ValidRoles, *role) {
		fmt.Fprintf(os.Stderr, "unknown role %q (valid: %s)\n", *role, strings.Join(security.ValidRoles, ", "))
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "auth.jwtSecret must be set before issuing tokens")
		return 1
	}

	ttl := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	if *ttlHours > 0 {
		ttl = time.Duration(*ttlHours) * time.Hour
	}

	token, err := security.GenerateToken(*userID, *householdID, *deviceID, *role, []byte(cfg.Auth.JWTSecret), ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		return 1
	}

	fmt.Println(token)
	return 0
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
