package lifecycle

import (
	"context"
	"log/slog"

	"github.com/barnettlynn/doorkey/internal/secret"
)

// Authenticator turns a presence into a verdict.
type Authenticator struct {
	store        *SecretStore
	keyVersion   byte
	allowClassic bool
	logger       *slog.Logger
}

// NewAuthenticator returns an authenticator. keyVersion is the PICC key
// version of a personalized card.
func NewAuthenticator(store *SecretStore, keyVersion byte, allowClassic bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, keyVersion: keyVersion, allowClassic: allowClassic, logger: logger}
}

// Authenticate decides on the card in pr:
//   - random-ID DESFire: granted when detection found our PICC key version
//   - fixed-ID DESFire: granted when the stored secret verifies
//   - legacy: granted on the identifier alone when allowed
//
// Device errors come back as DeviceError, not Denied.
func (a *Authenticator) Authenticate(ctx context.Context, pr *Presence, block secret.UserBlock) Outcome {
	out := Outcome{ID: pr.ID, Class: pr.Class}
	if err := ctx.Err(); err != nil {
		return fail(out, newError(KindOperatorCancelled, stepCheckCancelled, ReasonCancelled, err))
	}

	switch pr.Class {
	case ClassRandomIDDESFire:
		if !pr.PICCAuthenticated || pr.KeyVersion != a.keyVersion {
			return fail(out, newError(KindAuthenticationRejected, "check PICC key version", ReasonAuthFailed, ErrNotPersonalized))
		}
		out.Verdict = Granted

	case ClassFixedIDDESFire:
		aux, err := a.store.Verify(pr.Tag, pr.ID, block)
		if err != nil {
			return fail(out, err)
		}
		out.Verdict = Granted
		out.Aux = aux
		out.HasAux = true

	case ClassClassicLegacy:
		if !a.allowClassic {
			return fail(out, newError(KindAuthenticationRejected, StepClassify, ReasonUnsupportedTag, ErrUnsupportedCard))
		}
		a.logger.Warn("legacy card granted on identifier alone", "uid", pr.ID)
		out.Verdict = Granted

	default:
		return fail(out, newError(KindAuthenticationRejected, StepClassify, ReasonUnsupportedTag, ErrUnsupportedCard))
	}
	return out
}

// fail fills the verdict for err. Device errors stay retryable device
// errors; everything else is a denial.
func fail(out Outcome, err error) Outcome {
	out.Err = err
	out.Reason = ReasonOf(err)
	if KindOf(err) == KindDevice || KindOf(err) == 0 {
		out.Verdict = DeviceError
		out.Retryable = true
		return out
	}
	out.Verdict = Denied
	return out
}
