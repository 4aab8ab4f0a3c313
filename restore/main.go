package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/barnettlynn/doorkey/internal/config"
	"github.com/barnettlynn/doorkey/internal/console"
	"github.com/barnettlynn/doorkey/internal/lifecycle"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
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

	cfg, err := config.LoadWithMode(configPath, config.ValidationRestore)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	lc, err := cfg.Lifecycle(false, slog.Default(), nil)
	if err != nil {
		log.Fatalf("key setup failed: %v", err)
	}
	fmt.Printf("PICC master key: %s (%s)\n", cfg.Keys.PICCMasterKeyFile, lc.PICCMasterKey)

	// Connect to reader
	reader, err := desfire.OpenReader(*cfg.Runtime.ReaderIndex)
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()
	fmt.Printf("Using reader [%d]: %s\n", reader.ReaderIdx, reader.Name)

	engine, err := lifecycle.New(reader, lc)
	if err != nil {
		log.Fatalf("engine setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restore card
	watcher, err := console.Start()
	if err != nil {
		log.Fatalf("console setup failed: %v", err)
	}
	fmt.Printf("Present the card to restore within %s (ESC to abort)...\r\n", lc.WaitTimeout)
	res, err := engine.RestoreCard(ctx, watcher.Abort())
	watcher.Stop()
	if err != nil {
		log.Fatalf("restore card failed: %v (reason %s)", err, lifecycle.ReasonOf(err))
	}

	printSummary(res, lc.AID)
}

func printSummary(res *lifecycle.RestoreResult, aid desfire.AID) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("RESTORE SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Card UID: %s\n", res.ID)
	if res.AlreadyFactory {
		fmt.Println("  ✓ Card already in factory state, nothing changed")
		fmt.Println(strings.Repeat("=", 60))
		return
	}
	switch {
	case res.AppDeleted:
		fmt.Printf("  ✓ Application %s deleted\n", aid)
	case res.AppDeleteErr != nil:
		fmt.Printf("  ! Application %s not deleted: %v\n", aid, res.AppDeleteErr)
	default:
		fmt.Printf("  ✓ Application %s was not present\n", aid)
	}
	fmt.Println("  ✓ PICC master key → factory 2K3DES zeros")
	fmt.Println(strings.Repeat("=", 60))
}
