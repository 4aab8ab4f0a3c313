package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/barnettlynn/doorkey/internal/secret"
)

// Provisioning steps, as reported in ProvisionResult.Step and in errors.
const (
	StepClassify       = "classify card"
	StepChangePICCKey  = "change PICC master key"
	StepStoreSecret    = "store secret"
	StepProvisionDone  = "done"
	stepCheckCancelled = "check cancellation"
)

// ErrUnsupportedCard is returned for card classes that cannot be personalized.
var ErrUnsupportedCard = errors.New("unsupported card type")

// ProvisionResult describes a successful provisioning run.
type ProvisionResult struct {
	ID    Identifier
	Class CardClass
	// PICCKeyChanged is set when this run installed the master key.
	PICCKeyChanged bool
	// SecretStored is false for random-ID and legacy cards.
	SecretStored bool
	// Step is the last step completed.
	Step string
}

// Provisioner personalizes a presented card.
type Provisioner struct {
	picc         *PICCAuthenticator
	store        *SecretStore
	allowClassic bool
	logger       *slog.Logger
}

// NewProvisioner returns a provisioner.
func NewProvisioner(picc *PICCAuthenticator, store *SecretStore, allowClassic bool, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{picc: picc, store: store, allowClassic: allowClassic, logger: logger}
}

// Provision personalizes the card in p. Every step can be re-entered, so a
// failed run is fixed by presenting the card again.
//
// Steps:
//  1. Classify: unsupported classes are rejected; legacy cards succeed on
//     their identifier alone when allowed
//  2. Install the PICC master key unless the card already carries it
//  3. Store the secret (fixed-ID cards only; for random-ID cards the PICC
//     master key already proves authenticity)
//
// Step 2 is the one point of partial commitment: afterwards only Restore
// brings the card back to factory state.
func (p *Provisioner) Provision(ctx context.Context, pr *Presence, block secret.UserBlock, aux [secret.AuxSize]byte) (*ProvisionResult, error) {
	res := &ProvisionResult{ID: pr.ID, Class: pr.Class}
	log := p.logger.With("uid", pr.ID, "class", pr.Class)

	// 1) Classify
	switch pr.Class {
	case ClassFixedIDDESFire, ClassRandomIDDESFire:
	case ClassClassicLegacy:
		if !p.allowClassic {
			return nil, newError(KindAuthenticationRejected, StepClassify, ReasonUnsupportedTag, ErrUnsupportedCard)
		}
		log.Warn("legacy card accepted on identifier alone")
		res.Step = StepProvisionDone
		return res, nil
	default:
		return nil, newError(KindAuthenticationRejected, StepClassify, ReasonUnsupportedTag, ErrUnsupportedCard)
	}
	res.Step = StepClassify

	if err := ctx.Err(); err != nil {
		return nil, newError(KindOperatorCancelled, stepCheckCancelled, ReasonCancelled, err)
	}

	// 2) PICC master key
	changed, err := p.picc.ChangeMasterKeyIfFactory(pr.Tag)
	if err != nil {
		return nil, err
	}
	res.PICCKeyChanged = changed
	res.Step = StepChangePICCKey
	log.Info("provision step complete", "step", StepChangePICCKey, "changed", changed)

	if pr.Class == ClassRandomIDDESFire {
		res.Step = StepProvisionDone
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(KindOperatorCancelled, stepCheckCancelled, ReasonCancelled, err)
	}

	// 3) Secret
	if err := p.store.Store(pr.Tag, pr.ID, block, aux); err != nil {
		return nil, err
	}
	res.SecretStored = true
	res.Step = StepProvisionDone
	log.Info("provision step complete", "step", StepStoreSecret)
	return res, nil
}
