package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/barnettlynn/doorkey/internal/config"
	"github.com/barnettlynn/doorkey/internal/console"
	"github.com/barnettlynn/doorkey/internal/directory"
	"github.com/barnettlynn/doorkey/internal/lifecycle"
	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	name := flag.String("name", "", "user name (required)")
	filler := flag.String("filler", "", "hex bytes stored after the user name (optional)")
	auxHex := flag.String("aux", "", "32 hex char auxiliary secret (random if empty)")
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

	// Validate required flags
	if strings.TrimSpace(*name) == "" {
		log.Fatalf("-name is required")
	}
	user := directory.User{Name: strings.TrimSpace(*name), Filler: strings.ToUpper(strings.TrimSpace(*filler))}
	block, err := user.Block()
	if err != nil {
		log.Fatalf("user block invalid: %v", err)
	}
	aux, generated, err := parseAux(*auxHex)
	if err != nil {
		log.Fatalf("-aux invalid: %v", err)
	}

	// Load config
	configPath, err := config.DefaultPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.LoadWithMode(configPath, config.ValidationFull)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	lc, err := cfg.Lifecycle(true, slog.Default(), nil)
	if err != nil {
		log.Fatalf("key setup failed: %v", err)
	}
	fmt.Printf("PICC master key: %s (%s)\n", cfg.Keys.PICCMasterKeyFile, lc.PICCMasterKey)
	fmt.Printf("Application: %s file %d\n", lc.AID, lc.FileNo)

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

	res, err := provisionCard(ctx, engine, lc.WaitTimeout, block, aux)
	if err != nil {
		log.Fatalf("provision card failed: %v (reason %s)", err, lifecycle.ReasonOf(err))
	}

	user.UID = res.ID.String()
	printSummary(res, user, aux, generated)
}

// provisionCard waits for a card, with ESC as the abort key, and
// provisions it.
func provisionCard(ctx context.Context, engine *lifecycle.Engine, wait time.Duration, block secret.UserBlock, aux [secret.AuxSize]byte) (*lifecycle.ProvisionResult, error) {
	watcher, err := console.Start()
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	fmt.Printf("Present the card within %s (ESC to abort)...\r\n", wait)
	return engine.CustomizeCard(ctx, watcher.Abort(), block, aux)
}

// parseAux decodes the auxiliary secret, or generates one when s is empty.
func parseAux(s string) (aux [secret.AuxSize]byte, generated bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if _, err := rand.Read(aux[:]); err != nil {
			return aux, false, err
		}
		return aux, true, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return aux, false, err
	}
	if len(raw) != secret.AuxSize {
		return aux, false, fmt.Errorf("must be %d bytes, got %d", secret.AuxSize, len(raw))
	}
	copy(aux[:], raw)
	return aux, false, nil
}

func printSummary(res *lifecycle.ProvisionResult, user directory.User, aux [secret.AuxSize]byte, generated bool) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("PROVISION SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Card UID:   %s\n", res.ID)
	fmt.Printf("Card class: %s\n", res.Class)
	if res.PICCKeyChanged {
		fmt.Println("  ✓ PICC master key installed")
	} else {
		fmt.Println("  ✓ PICC master key already installed")
	}
	if res.SecretStored {
		fmt.Println("  ✓ Secret application written")
		if generated {
			fmt.Printf("  Auxiliary secret (generated): %X\n", aux)
		}
	} else {
		fmt.Println("  - Secret application skipped (random-ID or legacy card)")
	}

	snippet, err := directory.Snippet(user)
	if err != nil {
		fmt.Printf("Warning: could not render users file entry: %v\n", err)
	} else {
		fmt.Println("\nUsers file entry:")
		fmt.Print(snippet)
	}
	fmt.Println(strings.Repeat("=", 60))
}
