package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/barnettlynn/doorkey/internal/config"
	"github.com/barnettlynn/doorkey/internal/directory"
	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

func main() {
	var (
		uidHex    = flag.String("uid", "", "14-char hex string (7-byte card UID, required)")
		name      = flag.String("name", "", "user name (required unless the users file has the UID)")
		filler    = flag.String("filler", "", "hex bytes stored after the user name")
		verbose   = flag.Bool("v", false, "Enable debug logging")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	// Setup logging
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
	if *uidHex == "" {
		fmt.Fprintf(os.Stderr, "Error: -uid is required\n")
		flag.Usage()
		os.Exit(1)
	}
	uid, err := hex.DecodeString(strings.TrimSpace(*uidHex))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding UID: %v\n", err)
		os.Exit(1)
	}
	if len(uid) != secret.UIDSize {
		fmt.Fprintf(os.Stderr, "Error: UID must be %d bytes, got %d\n", secret.UIDSize, len(uid))
		os.Exit(1)
	}

	configPath, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving config path: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("Loading config", "path", configPath)
	cfg, err := config.LoadWithMode(configPath, config.ValidationDerive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	keys, err := cfg.LoadDerivationKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading derivation keys: %v\n", err)
		os.Exit(1)
	}
	cipher, _ := cfg.Cipher()

	user := directory.User{Name: strings.TrimSpace(*name), Filler: *filler}
	if user.Name == "" {
		user, err = userFromDirectory(cfg.Daemon.UsersFile, uid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	block, err := user.Block()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building user block: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("User block", "name", user.Name, "block", fmt.Sprintf("%X", block[:]))

	out, err := derive(uid, block, keys, cipher)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error deriving secrets: %v\n", err)
		os.Exit(1)
	}

	// Print output
	fmt.Printf("UID:         %X\n", uid)
	fmt.Printf("User:        %s\n", user.Name)
	fmt.Printf("Cipher:      %s\n", cipher)
	fmt.Printf("App key:     %s\n", out.appKey)
	fmt.Printf("Store value: %s\n", out.storeValue)
}

type derived struct {
	appKey     string
	storeValue string
}

// derive returns the application key, cut to the cipher's key size, and
// the store value in uppercase hex.
func derive(uid []byte, block secret.UserBlock, keys secret.Keys, cipher desfire.KeyType) (derived, error) {
	m, err := secret.Derive(uid, block, keys)
	if err != nil {
		return derived{}, err
	}
	defer m.Wipe()
	appKey := m.AppKeyFor(cipher.KeySize())
	defer clear(appKey)
	return derived{
		appKey:     strings.ToUpper(hex.EncodeToString(appKey)),
		storeValue: strings.ToUpper(hex.EncodeToString(m.StoreValue[:])),
	}, nil
}

// userFromDirectory finds the user registered for uid in the users file.
func userFromDirectory(path string, uid []byte) (directory.User, error) {
	if path == "" {
		return directory.User{}, fmt.Errorf("-name is required when no users file is configured")
	}
	f, err := directory.ReadFile(path)
	if err != nil {
		return directory.User{}, err
	}
	want := strings.ToUpper(hex.EncodeToString(uid))
	for _, u := range f.Users {
		if strings.ToUpper(strings.TrimSpace(u.UID)) == want {
			return u, nil
		}
	}
	return directory.User{}, fmt.Errorf("UID %s not in %s, pass -name", want, path)
}
