package lifecycle

import (
	"log/slog"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// PICCAuthenticator authenticates at card level with either the factory
// key or the controller master key, picked by the PICC key version.
type PICCAuthenticator struct {
	master  desfire.Key
	version byte
	logger  *slog.Logger
}

// NewPICCAuthenticator uses master.Version as the personalization constant.
func NewPICCAuthenticator(master desfire.Key, logger *slog.Logger) *PICCAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PICCAuthenticator{master: master, version: master.Version, logger: logger}
}

// PersonalizedVersion returns the key version marking a personalized card.
func (p *PICCAuthenticator) PersonalizedVersion() byte { return p.version }

// Authenticate selects the PICC, reads the version of key 0 and
// authenticates with the key that version implies. It returns the version.
func (p *PICCAuthenticator) Authenticate(tag Tag) (byte, error) {
	if err := tag.SelectApplication(desfire.PICCAID); err != nil {
		return 0, classify("select PICC", err, ReasonReadError)
	}
	v, err := tag.GetKeyVersion(0)
	if err != nil {
		return 0, classify("get PICC key version", err, ReasonReadError)
	}

	// The factory key has version 0; a personalized card carries ours.
	key := desfire.FactoryPICCKey()
	if v == p.version {
		key = p.master
	}
	if err := tag.Authenticate(0, key); err != nil {
		return v, classify("authenticate PICC", err, ReasonAuthFailed)
	}
	p.logger.Debug("PICC authenticated", "key_version", v, "personalized", v == p.version)
	return v, nil
}

// Reauthenticate opens a fresh PICC session with the master key.
func (p *PICCAuthenticator) Reauthenticate(tag Tag) error {
	if err := tag.SelectApplication(desfire.PICCAID); err != nil {
		return classify("select PICC", err, ReasonReadError)
	}
	if err := tag.Authenticate(0, p.master); err != nil {
		return classify("authenticate PICC", err, ReasonAuthFailed)
	}
	return nil
}

// ChangeMasterKeyIfFactory installs the master key on a factory card and
// leaves a master key session open. On a personalized card it only
// authenticates. changed reports whether the key was written.
func (p *PICCAuthenticator) ChangeMasterKeyIfFactory(tag Tag) (changed bool, err error) {
	v, err := p.Authenticate(tag)
	if err != nil {
		return false, err
	}
	if v == p.version {
		return false, nil
	}

	if err := tag.ChangeKey(0, p.master, desfire.FactoryPICCKey()); err != nil {
		return false, classify("change PICC master key", err, ReasonWriteError)
	}
	p.logger.Info("PICC master key installed", "key_version", p.version, "cipher", p.master.Type)

	// A key change always ends the session.
	if err := tag.Authenticate(0, p.master); err != nil {
		return true, classify("authenticate new PICC master key", err, ReasonAuthFailed)
	}
	return true, nil
}
