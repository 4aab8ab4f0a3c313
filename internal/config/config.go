package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/doorkey/internal/lifecycle"
	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// FileName is the config file looked up next to the executable.
const FileName = "config.yaml"

type ValidationMode int

const (
	// ValidationFull needs every key, the card layout and a reader (provision).
	ValidationFull ValidationMode = iota
	// ValidationDaemon is ValidationFull plus the users file.
	ValidationDaemon
	// ValidationRestore needs the PICC master key, the card layout and a reader.
	ValidationRestore
	// ValidationDerive needs the derivation keys only.
	ValidationDerive
	// ValidationInspect needs a reader only.
	ValidationInspect
	// ValidationRead is ValidationRestore for the daemon's read mode: it
	// detects cards but never derives secrets.
	ValidationRead
)

// Defaults for the runtime section.
const (
	DefaultWaitTimeout   = 30 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultRFOffInterval = time.Second
	DefaultRFCyclePeriod = 10 * time.Second
)

type Config struct {
	Keys    KeysConfig    `yaml:"keys"`
	Card    CardConfig    `yaml:"card"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Daemon  DaemonConfig  `yaml:"daemon"`
}

type KeysConfig struct {
	PICCMasterKeyFile  string `yaml:"picc_master_key_file"`
	ApplicationKeyFile string `yaml:"application_key_file"`
	StoreValueKeyFile  string `yaml:"store_value_key_file"`
}

type CardConfig struct {
	Cipher        string `yaml:"cipher"`
	ApplicationID string `yaml:"application_id"`
	FileID        int    `yaml:"file_id"`
	KeyVersion    *int   `yaml:"key_version"`
	AllowClassic  bool   `yaml:"allow_classic"`
}

type RuntimeConfig struct {
	ReaderIndex   *int          `yaml:"reader_index"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RFOffInterval time.Duration `yaml:"rf_off_interval"`
	RFCyclePeriod time.Duration `yaml:"rf_cycle_period"`
}

type DaemonConfig struct {
	UsersFile     string `yaml:"users_file"`
	MetricsListen string `yaml:"metrics_listen"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	switch mode {
	case ValidationFull:
		return c.validateFullMode()
	case ValidationDaemon:
		if err := c.validateFullMode(); err != nil {
			return err
		}
		return c.validateDaemon()
	case ValidationRestore, ValidationRead:
		if err := c.validatePICCKey(); err != nil {
			return err
		}
		if err := c.validateCard(); err != nil {
			return err
		}
		return c.validateRuntime()
	case ValidationDerive:
		if err := c.validateDerivationKeys(); err != nil {
			return err
		}
		if _, err := c.Cipher(); err != nil {
			return err
		}
		return nil
	case ValidationInspect:
		if c.Keys.PICCMasterKeyFile != "" {
			if err := validateReadableFile(c.Keys.PICCMasterKeyFile, "config.keys.picc_master_key_file"); err != nil {
				return err
			}
		}
		return c.validateReaderIndex()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateFullMode() error {
	if err := c.validatePICCKey(); err != nil {
		return err
	}
	if err := c.validateDerivationKeys(); err != nil {
		return err
	}
	if err := c.validateCard(); err != nil {
		return err
	}
	return c.validateRuntime()
}

func (c *Config) validatePICCKey() error {
	if strings.TrimSpace(c.Keys.PICCMasterKeyFile) == "" {
		return fmt.Errorf("config.keys.picc_master_key_file is required")
	}
	return validateReadableFile(c.Keys.PICCMasterKeyFile, "config.keys.picc_master_key_file")
}

func (c *Config) validateDerivationKeys() error {
	if strings.TrimSpace(c.Keys.ApplicationKeyFile) == "" {
		return fmt.Errorf("config.keys.application_key_file is required")
	}
	if err := validateReadableFile(c.Keys.ApplicationKeyFile, "config.keys.application_key_file"); err != nil {
		return err
	}

	if strings.TrimSpace(c.Keys.StoreValueKeyFile) == "" {
		return fmt.Errorf("config.keys.store_value_key_file is required")
	}
	return validateReadableFile(c.Keys.StoreValueKeyFile, "config.keys.store_value_key_file")
}

func (c *Config) validateCard() error {
	if _, err := c.Cipher(); err != nil {
		return err
	}
	if _, err := c.AID(); err != nil {
		return err
	}
	if c.Card.FileID < 0 || c.Card.FileID > 0x1F {
		return fmt.Errorf("config.card.file_id must be in 0..31, got %d", c.Card.FileID)
	}
	if c.Card.KeyVersion == nil {
		return fmt.Errorf("config.card.key_version is required")
	}
	if *c.Card.KeyVersion < 1 || *c.Card.KeyVersion > 0xFF {
		return fmt.Errorf("config.card.key_version must be in 1..255, got %d", *c.Card.KeyVersion)
	}
	return nil
}

func (c *Config) validateRuntime() error {
	if err := c.validateReaderIndex(); err != nil {
		return err
	}
	if c.Runtime.WaitTimeout <= 0 {
		return fmt.Errorf("config.runtime.wait_timeout must be > 0")
	}
	if c.Runtime.PollInterval <= 0 {
		return fmt.Errorf("config.runtime.poll_interval must be > 0")
	}
	if c.Runtime.RFOffInterval <= 0 {
		return fmt.Errorf("config.runtime.rf_off_interval must be > 0")
	}
	if c.Runtime.RFCyclePeriod <= c.Runtime.RFOffInterval {
		return fmt.Errorf("config.runtime.rf_cycle_period must be longer than rf_off_interval")
	}
	return nil
}

func (c *Config) validateReaderIndex() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if strings.TrimSpace(c.Daemon.UsersFile) == "" {
		return fmt.Errorf("config.daemon.users_file is required")
	}
	return validateReadableFile(c.Daemon.UsersFile, "config.daemon.users_file")
}

// Cipher parses card.cipher.
func (c *Config) Cipher() (desfire.KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(c.Card.Cipher)) {
	case "3k3des", "":
		return desfire.KeyType3K3DES, nil
	case "aes":
		return desfire.KeyTypeAES, nil
	default:
		return 0, fmt.Errorf("config.card.cipher must be 3k3des or aes, got %q", c.Card.Cipher)
	}
}

// AID parses card.application_id.
func (c *Config) AID() (desfire.AID, error) {
	aid, err := desfire.ParseAID(c.Card.ApplicationID)
	if err != nil {
		return 0, fmt.Errorf("config.card.application_id: %w", err)
	}
	if aid == desfire.PICCAID {
		return 0, fmt.Errorf("config.card.application_id must not be the PICC application")
	}
	return aid, nil
}

// LoadDerivationKeys reads both derivation key files.
func (c *Config) LoadDerivationKeys() (secret.Keys, error) {
	appKey, err := desfire.LoadKeyHexFile(c.Keys.ApplicationKeyFile)
	if err != nil {
		return secret.Keys{}, fmt.Errorf("application key file invalid: %w", err)
	}
	svKey, err := desfire.LoadKeyHexFile(c.Keys.StoreValueKeyFile)
	if err != nil {
		return secret.Keys{}, fmt.Errorf("store value key file invalid: %w", err)
	}
	keys, err := secret.NewKeys(appKey, svKey)
	clear(appKey)
	clear(svKey)
	return keys, err
}

// LoadPICCMasterKey reads the PICC master key with the configured cipher
// and key version.
func (c *Config) LoadPICCMasterKey() (desfire.Key, error) {
	cipher, err := c.Cipher()
	if err != nil {
		return desfire.Key{}, err
	}
	if c.Card.KeyVersion == nil {
		return desfire.Key{}, fmt.Errorf("config.card.key_version is required")
	}
	key, err := desfire.LoadKey(c.Keys.PICCMasterKeyFile, cipher, byte(*c.Card.KeyVersion))
	if err != nil {
		return desfire.Key{}, fmt.Errorf("PICC master key file invalid: %w", err)
	}
	return key, nil
}

// Lifecycle builds the engine configuration. Restore only needs the
// master key, so withDerivation=false leaves Keys zero.
func (c *Config) Lifecycle(withDerivation bool, logger *slog.Logger, metrics lifecycle.Recorder) (lifecycle.Config, error) {
	master, err := c.LoadPICCMasterKey()
	if err != nil {
		return lifecycle.Config{}, err
	}
	aid, err := c.AID()
	if err != nil {
		return lifecycle.Config{}, err
	}
	var keys secret.Keys
	if withDerivation {
		if keys, err = c.LoadDerivationKeys(); err != nil {
			return lifecycle.Config{}, err
		}
	}
	return lifecycle.Config{
		PICCMasterKey: master,
		Keys:          keys,
		AID:           aid,
		FileNo:        byte(c.Card.FileID),
		Cipher:        master.Type,
		AllowClassic:  c.Card.AllowClassic,
		WaitTimeout:   c.Runtime.WaitTimeout,
		PollInterval:  c.Runtime.PollInterval,
		Logger:        logger,
		Metrics:       metrics,
	}, nil
}

func (c *Config) applyDefaults() {
	if c.Runtime.WaitTimeout == 0 {
		c.Runtime.WaitTimeout = DefaultWaitTimeout
	}
	if c.Runtime.PollInterval == 0 {
		c.Runtime.PollInterval = DefaultPollInterval
	}
	if c.Runtime.RFOffInterval == 0 {
		c.Runtime.RFOffInterval = DefaultRFOffInterval
	}
	if c.Runtime.RFCyclePeriod == 0 {
		c.Runtime.RFCyclePeriod = DefaultRFCyclePeriod
	}
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.PICCMasterKeyFile = resolvePath(configDir, c.Keys.PICCMasterKeyFile)
	c.Keys.ApplicationKeyFile = resolvePath(configDir, c.Keys.ApplicationKeyFile)
	c.Keys.StoreValueKeyFile = resolvePath(configDir, c.Keys.StoreValueKeyFile)
	c.Daemon.UsersFile = resolvePath(configDir, c.Daemon.UsersFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// DefaultPath returns config.yaml next to the executable, falling back to
// the working directory.
func DefaultPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), FileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, FileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
