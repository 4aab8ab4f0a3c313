package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barnettlynn/doorkey/internal/config"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	once := flag.Bool("once", false, "exit after the first card")
	flag.Parse()

	// Configure slog
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	// Load config
	configPath, err := config.DefaultPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.LoadWithMode(configPath, config.ValidationInspect)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	aid, probes := probeSetup(cfg)

	// Connect to reader
	reader, err := desfire.OpenReader(*cfg.Runtime.ReaderIndex)
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()
	fmt.Printf("Using reader [%d]: %s\n", reader.ReaderIdx, reader.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Waiting for card scans...")
	var last []byte
	for ctx.Err() == nil {
		target, err := reader.Poll(ctx)
		switch {
		case errors.Is(err, desfire.ErrNoCard):
			last = nil
		case err != nil && ctx.Err() != nil:
			// Interrupted.
		case err != nil:
			log.Printf("Poll error: %v", err)
			if rerr := reader.Reset(); rerr != nil {
				log.Printf("Reader reset failed: %v", rerr)
			}
		case bytes.Equal(target.UID, last):
			// Same card still in the field.
		default:
			last = target.UID
			printReport(os.Stdout, inspectCard(target, aid, probes), aid)
			if *once {
				return
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Runtime.PollInterval):
		}
	}
	fmt.Println("\nShutting down...")
}

// probeSetup returns the secret application ID and the PICC key candidates
// from whatever the config provides.
func probeSetup(cfg *config.Config) (desfire.AID, []desfire.KeyProbe) {
	probes := []desfire.KeyProbe{{Label: "factory", Key: desfire.FactoryPICCKey()}}
	var aid desfire.AID
	if cfg.Card.ApplicationID != "" {
		a, err := cfg.AID()
		if err != nil {
			slog.Warn("ignoring application ID", "err", err)
		} else {
			aid = a
		}
	}
	if cfg.Keys.PICCMasterKeyFile != "" {
		master, err := cfg.LoadPICCMasterKey()
		if err != nil {
			slog.Warn("PICC master key not probed", "err", err)
		} else {
			probes = append(probes, desfire.KeyProbe{Label: "master", Key: master})
		}
	}
	return aid, probes
}
