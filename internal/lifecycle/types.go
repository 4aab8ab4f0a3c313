// Package lifecycle runs the card secret lifecycle: presence detection,
// PICC bootstrap authentication, secret store and verify, provisioning,
// restore and the authentication verdict.
//
// All card work goes through a Tag obtained from a Presence. Operations on
// one reader are serialized by a Channel; the Engine owns it.
package lifecycle

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// CardClass tells which authentication path applies to a card.
type CardClass int

const (
	ClassUnknown CardClass = iota
	ClassClassicLegacy
	ClassFixedIDDESFire
	ClassRandomIDDESFire
)

func (c CardClass) String() string {
	switch c {
	case ClassClassicLegacy:
		return "classic"
	case ClassFixedIDDESFire:
		return "desfire"
	case ClassRandomIDDESFire:
		return "desfire-random-id"
	default:
		return "unknown"
	}
}

// IsDESFire reports whether the class is one of the DESFire classes.
func (c CardClass) IsDESFire() bool {
	return c == ClassFixedIDDESFire || c == ClassRandomIDDESFire
}

// Identifier is a raw card identifier, 4 or 7 bytes.
type Identifier []byte

func (id Identifier) String() string {
	return strings.ToUpper(hex.EncodeToString(id))
}

// Tag is the card command contract the lifecycle consumes. *desfire.Tag
// implements it.
type Tag interface {
	SelectApplication(aid desfire.AID) error
	Authenticate(keyNo byte, key desfire.Key) error
	GetKeyVersion(keyNo byte) (byte, error)
	ChangeKey(keyNo byte, newKey, oldKey desfire.Key) error
	ChangeKeySettings(settings byte) error
	CreateApplication(aid desfire.AID, settings, keyCount byte, keyType desfire.KeyType) error
	DeleteApplicationIfExists(aid desfire.AID) (bool, error)
	CreateStdDataFile(fileNo byte, comm desfire.CommMode, access uint16, size int) error
	ReadData(fileNo byte, offset, length int, comm desfire.CommMode) ([]byte, error)
	WriteData(fileNo byte, offset int, data []byte, comm desfire.CommMode) error
	GetCardUID() ([]byte, error)
}

// Reader is a contactless reader. *desfire.Reader and the emulator reader
// implement it.
type Reader interface {
	Poll(ctx context.Context) (*desfire.Target, error)
	FieldOff() error
	FieldOn() error
	Reset() error
}

// Presence is one card presentation.
type Presence struct {
	// ID is the durable identifier: the 7 byte UID for DESFire cards, also
	// for random-ID cards once PICC authentication revealed it.
	ID    Identifier
	Class CardClass
	// KeyVersion is the PICC key 0 version read during detection.
	KeyVersion byte
	// PICCAuthenticated is set when detection left a PICC session open.
	PICCAuthenticated bool
	// Version is nil for non-DESFire cards.
	Version *desfire.TagVersion
	Tag     Tag
}

// Verdict is the result of an authentication attempt.
type Verdict int

const (
	Denied Verdict = iota
	Granted
	DeviceError
)

func (v Verdict) String() string {
	switch v {
	case Granted:
		return "granted"
	case DeviceError:
		return "device-error"
	default:
		return "denied"
	}
}

// Reason is a machine readable failure code reported to the messaging layer.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonTimeout        Reason = "NFC_TIMEOUT"
	ReasonTagLost        Reason = "NFC_TAG_LOST"
	ReasonAuthFailed     Reason = "NFC_AUTH_FAILED"
	ReasonReadError      Reason = "NFC_READ_ERROR"
	ReasonWriteError     Reason = "NFC_WRITE_ERROR"
	ReasonUnsupportedTag Reason = "NFC_UNSUPPORTED_TAG"
	ReasonInvalidKey     Reason = "NFC_INVALID_KEY"
	ReasonDeviceError    Reason = "NFC_DEVICE_ERROR"
	ReasonWaitTimeout    Reason = "TIMEOUT_EXCEEDED"
	ReasonCancelled      Reason = "OPERATOR_CANCELLED"
)

// Outcome is the authentication verdict for one presentation.
type Outcome struct {
	Verdict Verdict
	Reason  Reason
	// Retryable marks device errors worth a reader reset and a new attempt.
	Retryable bool
	// Aux holds the auxiliary secret when granted by a DESFire secret.
	Aux    [16]byte
	HasAux bool
	ID     Identifier
	Class  CardClass
	Err    error
}

// Granted reports whether access was granted.
func (o Outcome) Granted() bool { return o.Verdict == Granted }
