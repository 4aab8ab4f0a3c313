package lifecycle

import (
	"context"
	"log/slog"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// RestoreResult describes a successful restore.
type RestoreResult struct {
	ID Identifier
	// AlreadyFactory is set when the card was in factory state and nothing
	// was changed.
	AlreadyFactory bool
	AppDeleted     bool
	// AppDeleteErr is the tolerated failure of the application delete.
	AppDeleteErr error
}

// Restorer returns personalized cards to factory state.
type Restorer struct {
	picc   *PICCAuthenticator
	aid    desfire.AID
	logger *slog.Logger
}

// NewRestorer returns a restorer removing application aid.
func NewRestorer(picc *PICCAuthenticator, aid desfire.AID, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{picc: picc, aid: aid, logger: logger}
}

// Restore deletes the secret application and reverts the PICC master key
// to the factory default.
//
// Steps:
//  1. Authenticate PICC; key version 0 means factory state, done
//  2. Delete the application (failure tolerated, then re-authenticate)
//  3. Change the PICC key to the factory 2K3DES key
//  4. Authenticate with the factory key to confirm
func (r *Restorer) Restore(ctx context.Context, pr *Presence) (*RestoreResult, error) {
	if !pr.Class.IsDESFire() {
		return nil, newError(KindAuthenticationRejected, StepClassify, ReasonUnsupportedTag, ErrUnsupportedCard)
	}
	res := &RestoreResult{ID: pr.ID}
	log := r.logger.With("uid", pr.ID)

	// 1) PICC authentication picks the key by version
	v, err := r.picc.Authenticate(pr.Tag)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		res.AlreadyFactory = true
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindOperatorCancelled, stepCheckCancelled, ReasonCancelled, err)
	}

	// 2) Delete. The key reversion below matters more, so a failure here
	// only costs a fresh session.
	deleted, err := pr.Tag.DeleteApplicationIfExists(r.aid)
	if err != nil {
		res.AppDeleteErr = classify("delete application", err, ReasonWriteError)
		log.Warn("application delete failed, continuing with key reversion", "aid", r.aid, "err", err)
		if err := r.picc.Reauthenticate(pr.Tag); err != nil {
			return nil, err
		}
	}
	res.AppDeleted = deleted

	// 3) Revert
	factory := desfire.FactoryPICCKey()
	if err := pr.Tag.ChangeKey(0, factory, r.picc.master); err != nil {
		return nil, classify("revert PICC master key", err, ReasonWriteError)
	}

	// 4) Confirm
	if err := pr.Tag.Authenticate(0, factory); err != nil {
		return nil, classify("authenticate factory PICC key", err, ReasonAuthFailed)
	}
	log.Info("card restored", "app_deleted", deleted)
	return res, nil
}
