// Gambit is an autonomous decision engine that plays a fixed-rule game
// through an emulator bridge. It reads state snapshots, classifies
// them, compiles a bounded decision context from its own history, asks
// a decision service what to do, and injects the validated result back
// into the emulator, checkpointing as it goes so a crash resumes
// instead of starting over.
//
// Usage:
//
//	gambit run                Start the decision engine
//	gambit init [dir]         Initialize a working directory with defaults
//	gambit checkpoints        List stored checkpoints
//	gambit checkpoints prune  Delete old checkpoints
//	gambit version            Print version and build information
//	gambit -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gambitbot/gambit/internal/api"
	"github.com/gambitbot/gambit/internal/buildinfo"
	"github.com/gambitbot/gambit/internal/checkpoint"
	"github.com/gambitbot/gambit/internal/classify"
	"github.com/gambitbot/gambit/internal/compiler"
	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/decision"
	"github.com/gambitbot/gambit/internal/emulator"
	"github.com/gambitbot/gambit/internal/events"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/loop"
	"github.com/gambitbot/gambit/internal/metrics"
	"github.com/gambitbot/gambit/internal/model"
	"github.com/gambitbot/gambit/internal/prompts"
	"github.com/gambitbot/gambit/internal/summarize"
	"github.com/gambitbot/gambit/internal/telemetry"
	"github.com/gambitbot/gambit/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the gambit command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing is clearer
// than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runEngine(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "checkpoints":
		return runCheckpoints(stdout, configPath, cmdArgs)
	case "version", "":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `gambit - autonomous game-playing decision engine

Usage:
  gambit [flags] <command> [args]

Commands:
  run                Start the decision engine
  init [dir]         Initialize a working directory with defaults
  checkpoints        List stored checkpoints
  checkpoints prune  Delete checkpoints older than 7 days (keeps 3 newest)
  version            Print version and build information

Flags:
  -config <path>     Config file path (default: search standard locations)
  -o, --output <fmt> Output format: text or json (version command)
  -h, -help          Show this help
`)
	return nil
}

// runEngine wires every component together and runs the decision loop
// until a signal arrives or the loop faults.
func runEngine(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting gambit",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"emulator", cfg.Emulator.URL,
		"model", cfg.Model.URL,
		"port", cfg.Listen.Port,
	)

	runID := cfg.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
		runID = id.String()
		logger.Info("no run_id configured, starting fresh run", "run_id", runID)
	}

	// --- Persistence ---
	// Ledger and checkpoints share one SQLite database under the data
	// directory. WAL keeps the API's reads from blocking loop writes.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "gambit.db")
	db, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	ldg, err := ledger.NewStore(db)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	cps, err := checkpoint.NewStore(db)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	// --- Event bus ---
	// Components publish operational events here; metrics and telemetry
	// subscribe. Nil-safe, so test wiring can omit it.
	bus := events.New()

	// --- Emulator bridge ---
	provider := emulator.New(cfg.Emulator, logger)
	if err := provider.Connect(ctx); err != nil {
		return fmt.Errorf("connect emulator bridge %s: %w", cfg.Emulator.URL, err)
	}
	defer provider.Close()

	// --- Decision service ---
	modelClient := model.NewBridge(cfg.Model, logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := modelClient.Ping(pingCtx); err != nil {
		// The loop retries with backoff; an unreachable service at boot
		// is worth a warning, not a refusal to start.
		logger.Warn("decision service unreachable at startup", "url", cfg.Model.URL, "error", err)
	}
	pingCancel()

	// --- Decision loop ---
	registry := tools.NewRegistry(logger)
	cascade := &summarize.Cascade{
		RunID:      runID,
		BlockSize:  cfg.Context.SummarizeEvery,
		Width:      cfg.Context.CascadeWidth,
		Store:      ldg,
		Summarizer: &summarize.Heuristic{},
		Logger:     logger,
	}
	framing := prompts.Framing(decision.Actions, registry.Describe())
	comp := compiler.New(runID, cfg.Context, ldg, framing, logger, bus)

	lp := loop.New(runID, cfg.Loop, cfg.Model, cfg.Classifier.Debounce, loop.Deps{
		Provider:    provider,
		Classifier:  classify.New(cfg.Classifier.SpecialLocations),
		Compiler:    comp,
		Model:       modelClient,
		Tools:       registry,
		History:     ldg,
		Compactor:   cascade,
		Checkpoints: cps,
		Logger:      logger,
		Bus:         bus,
	})

	// --- Signals and stop requests ---
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Metrics ---
	recorder := metrics.NewRecorder(logger)
	go recorder.Run(runCtx, bus)

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, lp, ldg, cps, recorder.Handler(), logger)
	go func() {
		if err := server.Start(runCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
		}
	}()

	// --- MQTT telemetry (optional) ---
	var publisher *telemetry.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		publisher = telemetry.New(cfg.MQTT, &statsAdapter{loop: lp}, func(cmd string) {
			switch cmd {
			case "stop":
				stop()
			case "checkpoint":
				if err := lp.CheckpointNow(); err != nil {
					logger.Error("manual checkpoint failed", "error", err)
				}
			}
		}, bus, logger)
		go func() {
			if err := publisher.Start(runCtx); err != nil {
				logger.Error("mqtt telemetry failed", "error", err)
			}
		}()
	}

	// --- Run ---
	runErr := lp.Run(runCtx)

	// --- Shutdown ---
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("decision loop: %w", runErr)
	}
	logger.Info("gambit stopped cleanly")
	return nil
}

// runCheckpoints lists or prunes stored checkpoints.
func runCheckpoints(w io.Writer, configPath string, cmdArgs []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(filepath.Join(cfg.DataDir, "gambit.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := checkpoint.NewStore(db)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	if len(cmdArgs) > 0 && (cmdArgs[0] == "prune" || cmdArgs[0] == "-prune") {
		deleted, err := store.Prune(7*24*time.Hour, 3)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		fmt.Fprintf(w, "pruned %d checkpoint(s)\n", deleted)
		return nil
	}

	cps, err := store.List(50)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Fprintln(w, "no checkpoints stored")
		return nil
	}
	for _, cp := range cps {
		fmt.Fprintf(w, "%s  run=%s seq=%d trigger=%s size=%dB %s\n",
			cp.CreatedAt.Format(time.RFC3339), cp.RunID, cp.State.Seq,
			cp.Trigger, cp.ByteSize, cp.ID)
	}
	return nil
}

// openDatabase opens the shared SQLite database with WAL journaling and
// a busy timeout so concurrent readers do not error on loop writes.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// statsAdapter bridges the loop and build info to the telemetry
// publisher's [telemetry.StatsSource] interface.
type statsAdapter struct {
	loop *loop.Loop
}

func (a *statsAdapter) Stats() loop.Stats     { return a.loop.Stats() }
func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
