package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// Config is the runtime configuration of an Engine, resolved once at
// startup.
type Config struct {
	// PICCMasterKey carries the personalization key version.
	PICCMasterKey desfire.Key
	Keys          secret.Keys
	AID           desfire.AID
	FileNo        byte
	// Cipher is the cipher family of the PICC master key and the
	// application key.
	Cipher       desfire.KeyType
	AllowClassic bool
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      Recorder
}

// Validate checks the fixed identifiers and the master key.
func (c Config) Validate() error {
	var err error
	switch {
	case c.Cipher != desfire.KeyType3K3DES && c.Cipher != desfire.KeyTypeAES:
		err = fmt.Errorf("cipher must be 3K3DES or AES, got %s", c.Cipher)
	case c.AID == desfire.PICCAID || c.AID > 0xFFFFFF:
		err = fmt.Errorf("application ID %s is not a valid application", c.AID)
	case c.FileNo > 0x1F:
		err = fmt.Errorf("file ID %d out of range 0..31", c.FileNo)
	case c.PICCMasterKey.Version == 0:
		err = errors.New("key version 0 is reserved for the factory key")
	case c.PICCMasterKey.Type != c.Cipher:
		err = fmt.Errorf("PICC master key is %s, cipher is %s", c.PICCMasterKey.Type, c.Cipher)
	case len(c.PICCMasterKey.Material) != c.Cipher.KeySize():
		err = fmt.Errorf("PICC master key must be %d bytes, got %d", c.Cipher.KeySize(), len(c.PICCMasterKey.Material))
	}
	if err != nil {
		return newError(KindConfiguration, "validate config", ReasonInvalidKey, err)
	}
	return nil
}

// Engine exposes the lifecycle operations for one reader. Every operation
// holds the reader channel from start to end.
type Engine struct {
	ch            *Channel
	detector      *Detector
	picc          *PICCAuthenticator
	store         *SecretStore
	provisioner   *Provisioner
	restorer      *Restorer
	authenticator *Authenticator
	logger        *slog.Logger
	metrics       Recorder
}

// New builds an engine for reader.
func New(reader Reader, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}

	picc := NewPICCAuthenticator(cfg.PICCMasterKey, logger)
	layout := Layout{AID: cfg.AID, FileNo: cfg.FileNo, Cipher: cfg.Cipher, KeyVersion: cfg.PICCMasterKey.Version}
	store := NewSecretStore(layout, cfg.Keys, picc, logger)
	return &Engine{
		ch:            NewChannel(reader),
		detector:      NewDetector(reader, picc, cfg.WaitTimeout, cfg.PollInterval, logger),
		picc:          picc,
		store:         store,
		provisioner:   NewProvisioner(picc, store, cfg.AllowClassic, logger),
		restorer:      NewRestorer(picc, cfg.AID, logger),
		authenticator: NewAuthenticator(store, cfg.PICCMasterKey.Version, cfg.AllowClassic, logger),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Channel returns the reader channel, for a FieldCycler.
func (e *Engine) Channel() *Channel { return e.ch }

// begin takes the channel and starts an operation log scope.
func (e *Engine) begin(op string) (Reader, *slog.Logger, func(result string)) {
	reader, release := e.ch.Acquire()
	start := time.Now()
	log := e.logger.With("op", op, "op_id", uuid.NewString())
	log.Debug("operation started")
	return reader, log, func(result string) {
		release()
		d := time.Since(start)
		e.metrics.Operation(op, result, d)
		log.Debug("operation finished", "result", result, "duration", d)
	}
}

// resetAfter resets the reader after a device error. The caller holds the channel.
func (e *Engine) resetAfter(reader Reader, log *slog.Logger, err error) {
	if KindOf(err) != KindDevice || errors.Is(err, ErrWaitTimeout) {
		return
	}
	e.metrics.ReaderReset()
	if rerr := reader.Reset(); rerr != nil {
		log.Error("reader reset failed", "err", rerr)
		return
	}
	log.Info("reader reset after device error", "reason", ReasonOf(err))
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return KindDevice.String()
}

// WaitForCard waits up to the wait budget for a card.
func (e *Engine) WaitForCard(ctx context.Context, abort <-chan struct{}) (*Presence, error) {
	reader, log, end := e.begin("wait")
	p, err := e.detector.WaitForCard(ctx, abort)
	if err != nil {
		e.resetAfter(reader, log, err)
	} else {
		log.Info("card detected", "uid", p.ID, "class", p.Class)
	}
	end(resultOf(err))
	return p, err
}

// Poll checks the field once, returning ErrNoCard when it is empty.
func (e *Engine) Poll(ctx context.Context) (*Presence, error) {
	reader, log, end := e.begin("poll")
	p, err := e.detector.Poll(ctx)
	if err != nil && !errors.Is(err, ErrNoCard) {
		e.resetAfter(reader, log, err)
	}
	end(resultOf(err))
	return p, err
}

// AuthenticateUser checks a presented card against block.
func (e *Engine) AuthenticateUser(ctx context.Context, pr *Presence, block secret.UserBlock) Outcome {
	reader, log, end := e.begin("authenticate")
	out := e.authenticator.Authenticate(ctx, pr, block)
	e.logOutcome(log, out)
	if out.Verdict == DeviceError {
		e.resetAfter(reader, log, out.Err)
	}
	end(out.Verdict.String())
	return out
}

// UserLookup returns the user block registered for a card identifier.
type UserLookup func(id Identifier) (secret.UserBlock, bool)

var (
	// ErrUnknownCard means no user is registered for the card.
	ErrUnknownCard = errors.New("card not registered")
	// ErrRepeatedCard is returned by Check for a card skip reports as
	// already handled.
	ErrRepeatedCard = errors.New("card already handled")
)

// Check polls once and, for a card in the field, authenticates it against
// the user block lookup returns, all under one hold of the channel. It
// returns ErrNoCard when the field is empty. A card for which skip returns
// true is not authenticated; Check returns its presence and ErrRepeatedCard.
func (e *Engine) Check(ctx context.Context, lookup UserLookup, skip func(Identifier) bool) (*Presence, Outcome, error) {
	reader, log, end := e.begin("check")
	p, err := e.detector.Poll(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoCard) {
			e.resetAfter(reader, log, err)
		}
		end(resultOf(err))
		return nil, Outcome{}, err
	}
	if skip != nil && skip(p.ID) {
		end("repeated")
		return p, Outcome{}, ErrRepeatedCard
	}

	var out Outcome
	block, ok := lookup(p.ID)
	if ok || p.Class == ClassUnknown {
		out = e.authenticator.Authenticate(ctx, p, block)
	} else {
		out = fail(Outcome{ID: p.ID, Class: p.Class}, newError(KindAuthenticationRejected, "lookup user", ReasonAuthFailed, ErrUnknownCard))
	}
	e.logOutcome(log, out)
	if out.Verdict == DeviceError {
		e.resetAfter(reader, log, out.Err)
	}
	end(out.Verdict.String())
	return p, out, nil
}

// CustomizeCard waits for a card and provisions it with block and aux.
func (e *Engine) CustomizeCard(ctx context.Context, abort <-chan struct{}, block secret.UserBlock, aux [secret.AuxSize]byte) (*ProvisionResult, error) {
	reader, log, end := e.begin("customize")
	res, err := e.customize(ctx, abort, block, aux)
	if err != nil {
		log.Warn("provisioning failed", "err", err, "reason", ReasonOf(err))
		e.resetAfter(reader, log, err)
	} else {
		log.Info("card provisioned", "uid", res.ID, "class", res.Class, "picc_key_changed", res.PICCKeyChanged)
	}
	end(resultOf(err))
	return res, err
}

func (e *Engine) customize(ctx context.Context, abort <-chan struct{}, block secret.UserBlock, aux [secret.AuxSize]byte) (*ProvisionResult, error) {
	p, err := e.detector.WaitForCard(ctx, abort)
	if err != nil {
		return nil, err
	}
	return e.provisioner.Provision(ctx, p, block, aux)
}

// RestoreCard waits for a card and restores it to factory state.
func (e *Engine) RestoreCard(ctx context.Context, abort <-chan struct{}) (*RestoreResult, error) {
	reader, log, end := e.begin("restore")
	res, err := e.restore(ctx, abort)
	if err != nil {
		log.Warn("restore failed", "err", err, "reason", ReasonOf(err))
		e.resetAfter(reader, log, err)
	} else {
		log.Info("restore finished", "uid", res.ID, "already_factory", res.AlreadyFactory, "app_delete_err", res.AppDeleteErr)
	}
	end(resultOf(err))
	return res, err
}

func (e *Engine) restore(ctx context.Context, abort <-chan struct{}) (*RestoreResult, error) {
	p, err := e.detector.WaitForCard(ctx, abort)
	if err != nil {
		return nil, err
	}
	return e.restorer.Restore(ctx, p)
}

func (e *Engine) logOutcome(log *slog.Logger, out Outcome) {
	attrs := []any{"uid", out.ID, "class", out.Class, "verdict", out.Verdict}
	if out.Err != nil {
		attrs = append(attrs, "reason", out.Reason, "err", out.Err)
	}
	if out.Granted() {
		log.Info("access granted", attrs...)
		return
	}
	log.Warn("access refused", attrs...)
}
