package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

const (
	DefaultWaitTimeout  = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond

	// desfireHWType is the GetVersion hardware type of MIFARE DESFire.
	desfireHWType = 0x01
)

var errAborted = errors.New("aborted by operator")

// Detector polls a reader and classifies the card in the field.
type Detector struct {
	reader       Reader
	picc         *PICCAuthenticator
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewDetector returns a detector. Zero durations select the defaults.
func NewDetector(reader Reader, picc *PICCAuthenticator, waitTimeout, pollInterval time.Duration, logger *slog.Logger) *Detector {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		reader:       reader,
		picc:         picc,
		waitTimeout:  waitTimeout,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Poll checks the field once. It returns ErrNoCard for an empty field and
// a KindDevice error for reader faults.
//
// A random-ID DESFire card is PICC authenticated to read its real UID;
// failing that is a detection failure, not an empty field.
func (d *Detector) Poll(ctx context.Context) (*Presence, error) {
	target, err := d.reader.Poll(ctx)
	if err != nil {
		if errors.Is(err, desfire.ErrNoCard) {
			return nil, ErrNoCard
		}
		return nil, classify("poll reader", err, ReasonDeviceError)
	}

	id := Identifier(target.UID)
	switch target.Tech {
	case desfire.TechClassic:
		return &Presence{ID: id, Class: ClassClassicLegacy}, nil
	case desfire.TechISO14443:
		return d.identify(target)
	default:
		d.logger.Debug("unsupported card", "uid", id, "atr", Identifier(target.ATR))
		return &Presence{ID: id, Class: ClassUnknown}, nil
	}
}

func (d *Detector) identify(target *desfire.Target) (*Presence, error) {
	tag := desfire.NewTag(target.Card)
	p := &Presence{ID: Identifier(target.UID), Class: ClassUnknown, Tag: tag}

	v, err := tag.GetVersion()
	if err != nil {
		if desfire.IsTimeout(err) || desfire.IsRemoved(err) {
			return nil, classify("get version", err, ReasonReadError)
		}
		d.logger.Debug("not a DESFire card", "uid", p.ID, "err", err)
		return p, nil
	}
	if v.HWVendorID != desfire.VendorNXP || v.HWType != desfireHWType {
		d.logger.Debug("not a DESFire card", "uid", p.ID, "version", v)
		return p, nil
	}
	p.Version = v

	switch len(target.UID) {
	case 7:
		p.Class = ClassFixedIDDESFire
		if err := tag.SelectApplication(desfire.PICCAID); err != nil {
			return nil, classify("select PICC", err, ReasonReadError)
		}
		kv, err := tag.GetKeyVersion(0)
		if err != nil {
			return nil, classify("get PICC key version", err, ReasonReadError)
		}
		p.KeyVersion = kv
	case 4:
		p.Class = ClassRandomIDDESFire
		kv, err := d.picc.Authenticate(tag)
		if err != nil {
			return nil, err
		}
		uid, err := tag.GetCardUID()
		if err != nil {
			return nil, classify("get card UID", err, ReasonReadError)
		}
		p.ID = uid
		p.KeyVersion = kv
		p.PICCAuthenticated = true
	default:
		p.Class = ClassUnknown
	}
	return p, nil
}

// WaitForCard polls until a card is present. It gives up with
// ErrWaitTimeout after the wait budget and with KindOperatorCancelled when
// abort fires or ctx ends. abort is checked between polls only; nil never
// fires.
func (d *Detector) WaitForCard(ctx context.Context, abort <-chan struct{}) (*Presence, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.waitTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(d.pollInterval), 1)

	for {
		select {
		case <-abort:
			return nil, newError(KindOperatorCancelled, "wait for card", ReasonCancelled, errAborted)
		default:
		}
		if err := limiter.Wait(waitCtx); err != nil {
			return nil, d.waitError(ctx)
		}
		select {
		case <-abort:
			return nil, newError(KindOperatorCancelled, "wait for card", ReasonCancelled, errAborted)
		default:
		}

		p, err := d.Poll(waitCtx)
		if err == nil {
			return p, nil
		}
		if waitCtx.Err() != nil {
			return nil, d.waitError(ctx)
		}
		if !errors.Is(err, ErrNoCard) {
			return nil, err
		}
	}
}

// waitError tells cancellation of the caller's ctx apart from the wait
// budget running out. The limiter fails early when the next poll would
// land past the deadline, so the budget is the default.
func (d *Detector) waitError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(KindOperatorCancelled, "wait for card", ReasonCancelled, err)
	}
	return newError(KindDevice, "wait for card", ReasonWaitTimeout, ErrWaitTimeout)
}
