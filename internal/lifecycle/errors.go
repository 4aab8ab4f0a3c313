package lifecycle

import (
	"errors"
	"fmt"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// Kind classifies lifecycle failures. Kinds are errors themselves so
// callers can match with errors.Is(err, KindDevice).
type Kind int

const (
	// KindDevice is a transport fault or timeout. Retryable after a reader reset.
	KindDevice Kind = iota + 1
	// KindAuthenticationRejected means the card is not what was expected.
	KindAuthenticationRejected
	// KindVerificationMismatch means the derived secret does not match the card.
	KindVerificationMismatch
	// KindConfiguration is a setup bug such as malformed key material.
	KindConfiguration
	// KindOperatorCancelled is an explicit abort during a wait.
	KindOperatorCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device error"
	case KindAuthenticationRejected:
		return "authentication rejected"
	case KindVerificationMismatch:
		return "verification mismatch"
	case KindConfiguration:
		return "configuration error"
	case KindOperatorCancelled:
		return "operator cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Error() string { return k.String() }

var (
	// ErrNoCard is returned by Poll for an empty field.
	ErrNoCard = desfire.ErrNoCard
	// ErrWaitTimeout is returned when no card shows up within the wait budget.
	ErrWaitTimeout = errors.New("no card presented within the wait budget")
	// ErrNotPersonalized means the PICC key version is not the personalization constant.
	ErrNotPersonalized = errors.New("card not personalized")
	// ErrStoreValueMismatch means the stored value differs from the derived one.
	ErrStoreValueMismatch = errors.New("store value mismatch")
)

// Error is a classified lifecycle failure.
type Error struct {
	Kind   Kind
	Step   string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether a new attempt may succeed, which is the case
// for device errors only.
func (e *Error) Retryable() bool {
	return e.Kind == KindDevice
}

// KindOf returns the kind of a lifecycle error, or 0.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// ReasonOf returns the reason code of a lifecycle error. Unclassified
// errors map to NFC_DEVICE_ERROR.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Reason
	}
	return ReasonDeviceError
}

// IsRetryable reports whether err is a retryable lifecycle error.
func IsRetryable(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Retryable()
}

func newError(kind Kind, step string, reason Reason, err error) *Error {
	return &Error{Kind: kind, Step: step, Reason: reason, Err: err}
}

// classify turns a driver error into a lifecycle error. fallback is the
// reason used for card status errors that are neither auth nor transport
// failures. Errors that are already classified pass through unchanged.
func classify(step string, err error, fallback Reason) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	switch {
	case desfire.IsRemoved(err):
		return newError(KindDevice, step, ReasonTagLost, err)
	case desfire.IsTimeout(err):
		return newError(KindDevice, step, ReasonTimeout, err)
	case desfire.IsAuthError(err):
		return newError(KindAuthenticationRejected, step, ReasonAuthFailed, err)
	case errors.Is(err, desfire.ErrIntegrity):
		return newError(KindDevice, step, fallback, err)
	}
	var swErr *desfire.SWError
	if errors.As(err, &swErr) {
		return newError(KindDevice, step, fallback, err)
	}
	return newError(KindDevice, step, ReasonDeviceError, err)
}
