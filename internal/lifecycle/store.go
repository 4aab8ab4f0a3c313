package lifecycle

import (
	"crypto/subtle"
	"log/slog"

	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// SecretFileSize is StoreValue followed by the auxiliary secret.
const SecretFileSize = secret.StoreValueSize + secret.AuxSize

// Layout is the fixed on-card layout of the secret.
type Layout struct {
	AID    desfire.AID
	FileNo byte
	Cipher desfire.KeyType
	// KeyVersion is given to the application key, as to the PICC master key.
	KeyVersion byte
}

// SecretStore writes and checks the diversified secret of a fixed-ID card.
type SecretStore struct {
	layout Layout
	keys   secret.Keys
	picc   *PICCAuthenticator
	logger *slog.Logger
}

// NewSecretStore returns a store for layout.
func NewSecretStore(layout Layout, keys secret.Keys, picc *PICCAuthenticator, logger *slog.Logger) *SecretStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretStore{layout: layout, keys: keys, picc: picc, logger: logger}
}

func (s *SecretStore) derive(step string, id Identifier, block secret.UserBlock) (*secret.Material, desfire.Key, error) {
	m, err := secret.Derive(id, block, s.keys)
	if err != nil {
		return nil, desfire.Key{}, newError(KindConfiguration, step, ReasonInvalidKey, err)
	}
	appKey, err := desfire.NewKey(s.layout.Cipher, m.AppKeyFor(s.layout.Cipher.KeySize()), s.layout.KeyVersion)
	if err != nil {
		m.Wipe()
		return nil, desfire.Key{}, newError(KindConfiguration, step, ReasonInvalidKey, err)
	}
	return m, appKey, nil
}

// Store personalizes the secret application of a card whose PICC already
// carries the master key. Any previous application is deleted first, so
// Store can be repeated.
//
// Steps:
//  1. Derive the application key and store value
//  2. Authenticate PICC with the master key
//  3. Delete the application if it exists
//  4. Create the application with factory key settings
//  5. Select it and authenticate with the default application key
//  6. Change key 0 to the derived key and re-authenticate
//  7. Freeze the key settings
//  8. Create the key-0-only enciphered secret file
//  9. Write StoreValue and aux in one command
func (s *SecretStore) Store(tag Tag, id Identifier, block secret.UserBlock, aux [secret.AuxSize]byte) error {
	// 1) Derive
	m, appKey, err := s.derive("derive secrets", id, block)
	if err != nil {
		return err
	}
	defer m.Wipe()
	defer appKey.Wipe()

	// 2) PICC master key session
	v, err := s.picc.Authenticate(tag)
	if err != nil {
		return err
	}
	if v != s.picc.PersonalizedVersion() {
		return newError(KindAuthenticationRejected, "check PICC key version", ReasonAuthFailed, ErrNotPersonalized)
	}

	// 3) Delete; the application key may differ after a user block change
	deleted, err := tag.DeleteApplicationIfExists(s.layout.AID)
	if err != nil {
		return classify("delete application", err, ReasonWriteError)
	}
	if deleted {
		s.logger.Debug("previous application deleted", "aid", s.layout.AID, "uid", id)
	}

	// 4) Create with default settings so key 0 can still be changed
	if err := tag.CreateApplication(s.layout.AID, desfire.KeySettingsFactoryDefault, 1, s.layout.Cipher); err != nil {
		return classify("create application", err, ReasonWriteError)
	}

	// 5) Select and authenticate with the default key
	if err := tag.SelectApplication(s.layout.AID); err != nil {
		return classify("select application", err, ReasonWriteError)
	}
	defaultKey := desfire.DefaultKey(s.layout.Cipher)
	if err := tag.Authenticate(0, defaultKey); err != nil {
		return classify("authenticate default application key", err, ReasonAuthFailed)
	}

	// 6) Install the derived key
	if err := tag.ChangeKey(0, appKey, defaultKey); err != nil {
		return classify("change application key", err, ReasonWriteError)
	}
	if err := tag.Authenticate(0, appKey); err != nil {
		return classify("authenticate application key", err, ReasonAuthFailed)
	}

	// 7) Freeze. Not even the PICC master key can read the file or change
	// the application key after this.
	if err := tag.ChangeKeySettings(desfire.KeySettingsChangeKeyFrozen); err != nil {
		return classify("freeze key settings", err, ReasonWriteError)
	}

	// 8) Secret file
	access := desfire.AccessRights(0, 0, 0, 0)
	if err := tag.CreateStdDataFile(s.layout.FileNo, desfire.CommEnciphered, access, SecretFileSize); err != nil {
		return classify("create secret file", err, ReasonWriteError)
	}

	// 9) One write, so no readable state pairs a new store value with stale aux
	payload := make([]byte, 0, SecretFileSize)
	payload = append(payload, m.StoreValue[:]...)
	payload = append(payload, aux[:]...)
	defer clear(payload)
	if err := tag.WriteData(s.layout.FileNo, 0, payload, desfire.CommEnciphered); err != nil {
		return classify("write secret file", err, ReasonWriteError)
	}
	return nil
}

// Verify checks the card secret for id and block and returns the aux
// secret stored behind it.
//
// A card whose PICC is not personalized, or which lacks the application,
// is rejected. A derived key the card refuses, or a stored value that
// differs, is a verification mismatch.
func (s *SecretStore) Verify(tag Tag, id Identifier, block secret.UserBlock) ([secret.AuxSize]byte, error) {
	var aux [secret.AuxSize]byte

	m, appKey, err := s.derive("derive secrets", id, block)
	if err != nil {
		return aux, err
	}
	defer m.Wipe()
	defer appKey.Wipe()

	if err := tag.SelectApplication(desfire.PICCAID); err != nil {
		return aux, classify("select PICC", err, ReasonReadError)
	}
	v, err := tag.GetKeyVersion(0)
	if err != nil {
		return aux, classify("get PICC key version", err, ReasonReadError)
	}
	if v != s.layout.KeyVersion {
		return aux, newError(KindAuthenticationRejected, "check PICC key version", ReasonAuthFailed, ErrNotPersonalized)
	}

	if err := tag.SelectApplication(s.layout.AID); err != nil {
		if desfire.IsNotFound(err) {
			return aux, newError(KindAuthenticationRejected, "select application", ReasonAuthFailed, err)
		}
		return aux, classify("select application", err, ReasonReadError)
	}
	if err := tag.Authenticate(0, appKey); err != nil {
		if desfire.IsAuthError(err) {
			return aux, newError(KindVerificationMismatch, "authenticate application key", ReasonAuthFailed, err)
		}
		return aux, classify("authenticate application key", err, ReasonAuthFailed)
	}

	data, err := tag.ReadData(s.layout.FileNo, 0, SecretFileSize, desfire.CommEnciphered)
	if err != nil {
		if desfire.IsNotFound(err) {
			return aux, newError(KindVerificationMismatch, "read secret file", ReasonReadError, err)
		}
		return aux, classify("read secret file", err, ReasonReadError)
	}
	defer clear(data)
	if len(data) != SecretFileSize {
		return aux, newError(KindVerificationMismatch, "read secret file", ReasonReadError, ErrStoreValueMismatch)
	}
	if subtle.ConstantTimeCompare(data[:secret.StoreValueSize], m.StoreValue[:]) != 1 {
		return aux, newError(KindVerificationMismatch, "compare store value", ReasonAuthFailed, ErrStoreValueMismatch)
	}
	copy(aux[:], data[secret.StoreValueSize:])
	return aux, nil
}
