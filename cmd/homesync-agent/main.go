// homesync-agent is the device-side daemon: it drains the durable write
// queue to the server and keeps the local cache fresh through the change
// feed. The companion `add` and `status` subcommands operate on the same
// queue file, so edits made while the daemon is down are picked up on the
// next drain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthware/homesync/internal/cache"
	"github.com/hearthware/homesync/internal/checkpoint"
	"github.com/hearthware/homesync/internal/config"
	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/feed"
	"github.com/hearthware/homesync/internal/queue"
	"github.com/hearthware/homesync/internal/registry"
	"github.com/hearthware/homesync/internal/security"
	"github.com/hearthware/homesync/internal/syncer"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "add":
			return addCommand(os.Args[2:])
		case "status":
			return statusCommand(os.Args[2:])
		}
	}

	fs := flag.NewFlagSet("homesync-agent", flag.ExitOnError)
	configPath := fs.String("config", "homesync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("homesync-agent v%s\n", version)
		return 0
	}

	if err := runAgent(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runAgent(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	// A device token decides the mode for the whole run: signed-in drains
	// the queue to the server and follows the change feed, guest drains it
	// into the local cache. Everything downstream of the Transport is
	// identical, so neither the worker nor the queue branches on the mode.
	token := deviceToken(cfg)
	userID, householdID := "guest", ""
	if token != "" {
		identity, err := security.TokenIdentity(token)
		if err != nil {
			return fmt.Errorf("read device token: %w", err)
		}
		userID, householdID = identity.UserID, identity.HouseholdID
		logger.Info("starting homesync-agent",
			"version", version,
			"user", identity.UserID,
			"device", identity.DeviceID,
			"server", cfg.Client.ServerURL,
		)
	} else {
		logger.Info("starting homesync-agent", "version", version, "mode", "guest")
	}

	q, err := queue.NewStore(cfg.Client.DataDir, cfg.Client.QueueMaxSize, logger)
	if err != nil {
		return fmt.Errorf("open write queue: %w", err)
	}

	ckpt, err := checkpoint.NewManager(
		cfg.Client.DataDir,
		userID,
		householdID,
		time.Duration(cfg.Client.CheckpointTTLHours)*time.Hour,
		logger,
	)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	reg, err := registry.Load(cfg.Ingest.CollectionsFile, logger)
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}
	c := cache.New()

	var transport syncer.Transport
	var listener *feed.Listener
	if token != "" {
		transport = syncer.NewHTTPTransport(cfg.Client.ServerURL, func(context.Context) (string, error) {
			return token, nil
		}, logger)
		applier := cache.NewApplier(c, cache.NewBus(), logger)
		listener = feed.NewListener(cfg.Client.ServerURL, token, applier, reg, logger)
	} else {
		transport = syncer.NewLocalTransport(c, reg, logger)
	}

	worker := syncer.New(q, ckpt, transport, syncer.Config{
		MaxBatchSize: cfg.Client.MaxBatchSize,
		MaxAttempts:  cfg.Client.MaxAttempts,
		BackoffMin:   time.Duration(cfg.Client.BackoffMinMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Client.BackoffMaxMs) * time.Millisecond,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start syncer: %w", err)
	}
	defer worker.Stop()
	worker.SetOnline(true)

	g, gCtx := errgroup.WithContext(ctx)
	if listener != nil {
		g.Go(func() error {
			err := listener.Run(gCtx)
			if gCtx.Err() != nil {
				return nil
			}
			return err
		})
	} else {
		g.Go(func() error {
			<-gCtx.Done()
			return nil
		})
	}

	logger.Info("homesync-agent ready", "queued", q.Len())

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("homesync-agent stopped")
	return nil
}

// addCommand enqueues one local edit. The running agent (or the next agent
// start) drains it to the server.
func addCommand(args []string) int {
	fs := flag.NewFlagSet("homesync-agent add", flag.ExitOnError)
	configPath := fs.String("config", "homesync.json", "Path to config file")
	entityType := fs.String("type", "item", "Entity type (list, item, recipe, chore)")
	op := fs.String("op", "create", "Operation (create, update, delete, toggle)")
	localID := fs.String("local", "", "Local entity id (required)")
	payload := fs.String("payload", "", "JSON payload for create/update")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *localID == "" {
		fmt.Fprintln(os.Stderr, "usage: homesync-agent add -local <id> [-type <t>] [-op <op>] [-payload <json>]")
		return 1
	}

	w := queue.Write{
		EntityType:      entity.Type(*entityType),
		Op:              entity.Op(*op),
		Target:          entity.Ref{LocalID: *localID},
		ClientTimestamp: time.Now().UTC(),
	}
	if !w.EntityType.Valid() {
		fmt.Fprintf(os.Stderr, "unknown entity type %q\n", *entityType)
		return 1
	}
	if !w.Op.Valid() {
		fmt.Fprintf(os.Stderr, "unknown op %q\n", *op)
		return 1
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(os.Stderr, "payload is not valid JSON")
			return 1
		}
		w.Payload = json.RawMessage(*payload)
	}

	q, err := openQueue(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := q.Enqueue(w); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	fmt.Printf("queued %s %s/%s (%d pending)\n", *op, *entityType, *localID, q.Len())
	return 0
}

// statusCommand summarizes the write queue.
func statusCommand(args []string) int {
	fs := flag.NewFlagSet("homesync-agent status", flag.ExitOnError)
	configPath := fs.String("config", "homesync.json", "Path to config file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	q, err := openQueue(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	writes := q.ReadAll()
	if len(writes) == 0 {
		fmt.Println("queue empty")
		return 0
	}

	counts := make(map[queue.Status]int)
	for _, w := range writes {
		counts[w.Status]++
	}
	fmt.Printf("%d queued (%d pending, %d retrying, %d failed)\n",
		len(writes),
		counts[queue.StatusPending],
		counts[queue.StatusRetrying],
		counts[queue.StatusFailedPermanent],
	)
	for _, w := range writes {
		line := fmt.Sprintf("  %-8s %-6s %s/%s attempts=%d",
			w.Status, w.Op, w.EntityType, w.Target.LocalID, w.AttemptCount)
		if w.LastError != "" {
			line += " lastError=" + w.LastError
		}
		fmt.Println(line)
	}
	return 0
}

func openQueue(configPath string) (*queue.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return queue.NewStore(cfg.Client.DataDir, cfg.Client.QueueMaxSize, logger)
}

func deviceToken(cfg *config.Config) string {
	if cfg.Client.Token != "" {
		return cfg.Client.Token
	}
	return os.Getenv("HOMESYNC_TOKEN")
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
