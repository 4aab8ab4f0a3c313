package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/barnettlynn/doorkey/internal/config"
	"github.com/barnettlynn/doorkey/internal/directory"
	"github.com/barnettlynn/doorkey/internal/lifecycle"
	"github.com/barnettlynn/doorkey/internal/metrics"
	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	mode := flag.String("mode", modeAuth, "auth: check cards against the users file; read: print card identifiers")
	once := flag.Bool("once", false, "exit after the first card; exit status 1 unless access was granted")
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
	if *mode != modeAuth && *mode != modeRead {
		log.Fatalf("-mode must be %s or %s", modeAuth, modeRead)
	}

	// Load config
	configPath, err := config.DefaultPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	validation, withDerivation := configMode(*mode)
	cfg, err := config.LoadWithMode(configPath, validation)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	m, err := metrics.New()
	if err != nil {
		log.Fatalf("metrics setup failed: %v", err)
	}
	lc, err := cfg.Lifecycle(withDerivation, slog.Default(), m)
	if err != nil {
		log.Fatalf("key setup failed: %v", err)
	}

	l := &loop{
		mode:     *mode,
		interval: cfg.Runtime.PollInterval,
		once:     *once,
		out:      os.Stdout,
		metrics:  m,
		logger:   slog.Default(),
		lookup:   func(lifecycle.Identifier) (secret.UserBlock, bool) { return secret.UserBlock{}, false },
		names:    func(lifecycle.Identifier) (string, bool) { return "", false },
	}
	if *mode == modeAuth {
		dir, err := directory.Load(cfg.Daemon.UsersFile)
		if err != nil {
			log.Fatalf("users file invalid: %v", err)
		}
		fmt.Printf("Users: %d registered cards in %s\n", dir.Len(), cfg.Daemon.UsersFile)
		l.lookup = dir.Lookup
		l.names = dir.Name
	}

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
	l.engine = engine
	cycler := lifecycle.NewFieldCycler(engine.Channel(), cfg.Runtime.RFOffInterval, cfg.Runtime.RFCyclePeriod, slog.Default(), m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return l.Run(gctx)
	})
	g.Go(func() error {
		return cycler.Run(gctx)
	})
	if cfg.Daemon.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.Daemon.MetricsListen,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", srv.Addr, "path", metrics.HandlerPath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Printf("Waiting for cards (mode %s)...\n", *mode)
	if err := g.Wait(); err != nil {
		log.Fatalf("daemon stopped: %v", err)
	}
	if *once && *mode == modeAuth && (l.result == nil || !l.result.Granted()) {
		reader.Close()
		os.Exit(1)
	}
	fmt.Println("Shutting down...")
}

// configMode returns the config validation for a daemon mode and whether the
// derivation keys are loaded. Read mode only detects cards.
func configMode(mode string) (config.ValidationMode, bool) {
	if mode == modeRead {
		return config.ValidationRead, false
	}
	return config.ValidationDaemon, true
}
