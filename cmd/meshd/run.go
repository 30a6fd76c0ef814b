package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mesh "github.com/meshfoundry/gomesh"
	"github.com/meshfoundry/gomesh/transport"
)

// runCmd starts the engine and the Telegram ingest loop until SIGINT.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "mesh.yaml", "path to the YAML config")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")

	fs.Usage = func() {
		fmt.Println(`Usage: meshd run [options]

Start the coordination engine: connect the Telegram transport, run
migrations, optionally auto-register, and process the mesh group until
interrupted.

The bot token is read from TELEGRAM_BOT_TOKEN.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := newLogger(*logLevel)
	cfg, err := mesh.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: TELEGRAM_BOT_TOKEN is not set")
		os.Exit(1)
	}
	tg, err := transport.NewTelegram(token, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	engine, err := mesh.New(cfg, mesh.WithSender(tg), mesh.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Stop()
	defer engine.Store().Close()

	fmt.Printf("meshd: %s on group %s (mode %s)\n", cfg.Address, cfg.MeshGroupID, cfg.Mode)

	tg.Listen(ctx, cfg.MeshGroupID, func(ctx context.Context, ev transport.Event) {
		if _, err := engine.Ingest(ctx, ev); err != nil {
			log.Error("ingest failed", "chat", ev.ChatID, "message", ev.MessageID, "error", err)
		}
	})
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
