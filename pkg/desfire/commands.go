package desfire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Native command codes
const (
	insSelectApplication = 0x5A
	insGetKeyVersion     = 0x64
	insChangeKey         = 0xC4
	insChangeKeySettings = 0x54
	insGetKeySettings    = 0x45
	insCreateApplication = 0xCA
	insDeleteApplication = 0xDA
	insGetApplicationIDs = 0x6A
	insCreateStdDataFile = 0xCD
	insReadData          = 0xBD
	insWriteData         = 0x3D
	insGetCardUID        = 0x51
	insGetVersion        = 0x60
)

// Key settings bytes used by this package's callers.
const (
	// KeySettingsFactoryDefault allows every change after authenticating
	// with the master key, and free listing and creation.
	KeySettingsFactoryDefault = 0x0F
	// KeySettingsChangeKeyFrozen freezes every key and the settings
	// themselves. Create, delete and directory listing need the master key.
	KeySettingsChangeKeyFrozen = 0xF0
)

// Access rights nibble values.
const (
	AccessFree = 0x0E
	AccessDeny = 0x0F
)

// AccessRights packs the four access nibbles of a file, MSB first:
// Read | Write | ReadWrite | ChangeAccessRights.
func AccessRights(read, write, readWrite, change byte) uint16 {
	return uint16(read&0x0F)<<12 | uint16(write&0x0F)<<8 | uint16(readWrite&0x0F)<<4 | uint16(change&0x0F)
}

// AID is a 3 byte DESFire application identifier.
type AID uint32

// PICCAID selects the card level.
const PICCAID AID = 0x000000

// Bytes returns the AID little-endian as sent on the wire.
func (a AID) Bytes() []byte {
	return []byte{byte(a), byte(a >> 8), byte(a >> 16)}
}

func (a AID) String() string {
	return fmt.Sprintf("%06X", uint32(a))
}

// AIDFromBytes decodes a little-endian wire AID.
func AIDFromBytes(b []byte) AID {
	return AID(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
}

// ParseAID parses a 6 digit hex AID as written by String.
func ParseAID(s string) (AID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 6 {
		return 0, fmt.Errorf("AID must be 6 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid hex AID: %v", err)
	}
	return AID(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])), nil
}

// Tag is a DESFire card reached through a Card transport. It tracks the
// selected application and the current session. A Tag is not safe for
// concurrent use.
type Tag struct {
	card Card
	sess *Session
	aid  AID
}

// NewTag wraps a card transport.
func NewTag(card Card) *Tag {
	return &Tag{card: card}
}

// Authenticated reports whether a session is active.
func (t *Tag) Authenticated() bool { return t.sess != nil }

// invalidate drops the current session.
func (t *Tag) invalidate() { t.sess = nil }

// command runs a command with plain data. While authenticated the IV is
// advanced over the command and the response MAC is verified and stripped.
func (t *Tag) command(ins byte, params []byte) ([]byte, error) {
	if t.sess != nil {
		t.sess.MACCommand(ins, params)
	}
	resp, sw, err := exchangeChained(t.card, ins, params)
	if err != nil {
		t.sess = nil
		return nil, err
	}
	if sw != SWDESFireOK {
		t.sess = nil
		return nil, &SWError{Cmd: ins, SW: sw}
	}
	if t.sess == nil {
		return resp, nil
	}
	data, err := t.sess.VerifyResponseMAC(resp)
	if err != nil {
		t.sess = nil
		return nil, err
	}
	return data, nil
}

// enciphered runs a command whose data is sent encrypted after header.
// expectMAC is false only for ChangeKey on the authenticated slot.
func (t *Tag) enciphered(ins byte, header, data, precomputed []byte, expectMAC bool) error {
	if t.sess == nil {
		return fmt.Errorf("command 0x%02X: %w", ins, ErrNotAuthenticated)
	}
	enc, err := t.sess.EncipherCommand(ins, header, data, precomputed)
	if err != nil {
		return err
	}
	resp, sw, err := exchangeLong(t.card, ins, append(append([]byte(nil), header...), enc...))
	if err != nil {
		t.sess = nil
		return err
	}
	if sw != SWDESFireOK {
		t.sess = nil
		return &SWError{Cmd: ins, SW: sw}
	}
	if !expectMAC {
		return nil
	}
	if _, err := t.sess.VerifyResponseMAC(resp); err != nil {
		t.sess = nil
		return err
	}
	return nil
}

// SelectApplication selects an application (PICCAID for card level).
// Selecting always drops the session.
func (t *Tag) SelectApplication(aid AID) error {
	t.sess = nil
	_, sw, err := exchange(t.card, insSelectApplication, aid.Bytes())
	if err != nil {
		return err
	}
	if sw != SWDESFireOK {
		return &SWError{Cmd: insSelectApplication, SW: sw}
	}
	t.aid = aid
	return nil
}

// Authenticate authenticates with a key slot of the selected application.
func (t *Tag) Authenticate(keyNo byte, key Key) error {
	t.sess = nil
	sess, err := Authenticate(t.card, key, keyNo)
	if err != nil {
		return err
	}
	t.sess = sess
	return nil
}

// GetKeyVersion returns the version of a key slot in the selected application.
func (t *Tag) GetKeyVersion(keyNo byte) (byte, error) {
	data, err := t.command(insGetKeyVersion, []byte{keyNo})
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("GetKeyVersion: unexpected response length %d", len(data))
	}
	return data[0], nil
}

// GetKeySettings returns the key settings byte and the key count byte
// (cipher flag in the top bits) of the selected application.
func (t *Tag) GetKeySettings() (settings, keyCount byte, err error) {
	data, err := t.command(insGetKeySettings, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 2 {
		return 0, 0, fmt.Errorf("GetKeySettings: unexpected response length %d", len(data))
	}
	return data[0], data[1], nil
}

// ChangeKey replaces a key in the selected application.
//
// Parameters:
//   - keyNo: Slot to change (0-13)
//   - newKey: Key to install, its Version is written with it
//   - oldKey: Current key in the slot (only used when keyNo is not the authenticated slot)
//
// Changing the PICC master key may also change its cipher family; the
// family flag is sent with the key number. Changing the authenticated slot
// ends the session.
func (t *Tag) ChangeKey(keyNo byte, newKey, oldKey Key) error {
	if t.sess == nil {
		return fmt.Errorf("ChangeKey: %w", ErrNotAuthenticated)
	}
	keyNoByte := keyNo
	if t.aid == PICCAID && keyNo == 0 {
		keyNoByte |= newKey.Type.keyTypeFlag()
	}
	same := keyNo == t.sess.keyNo
	plain := ChangeKeyPlaintext(keyNoByte, newKey, oldKey, same)
	if err := t.enciphered(insChangeKey, []byte{keyNoByte}, nil, plain, !same); err != nil {
		return err
	}
	if same {
		t.sess = nil
	}
	return nil
}

// ChangeKeySettings replaces the key settings of the selected application.
func (t *Tag) ChangeKeySettings(settings byte) error {
	return t.enciphered(insChangeKeySettings, nil, []byte{settings}, nil, true)
}

// CreateApplication creates an application at card level.
func (t *Tag) CreateApplication(aid AID, settings byte, keyCount byte, keyType KeyType) error {
	params := append(aid.Bytes(), settings, (keyCount&0x0F)|keyType.keyTypeFlag())
	_, err := t.command(insCreateApplication, params)
	return err
}

// DeleteApplication deletes an application at card level.
func (t *Tag) DeleteApplication(aid AID) error {
	_, err := t.command(insDeleteApplication, aid.Bytes())
	return err
}

// GetApplicationIDs lists the applications on the card.
func (t *Tag) GetApplicationIDs() ([]AID, error) {
	data, err := t.command(insGetApplicationIDs, nil)
	if err != nil {
		return nil, err
	}
	if len(data)%3 != 0 {
		return nil, fmt.Errorf("GetApplicationIDs: response length %d not a multiple of 3", len(data))
	}
	aids := make([]AID, 0, len(data)/3)
	for i := 0; i < len(data); i += 3 {
		aids = append(aids, AIDFromBytes(data[i:i+3]))
	}
	return aids, nil
}

// DeleteApplicationIfExists deletes aid when the card lists it. It reports
// whether a deletion happened.
func (t *Tag) DeleteApplicationIfExists(aid AID) (bool, error) {
	aids, err := t.GetApplicationIDs()
	if err != nil {
		return false, fmt.Errorf("list applications: %w", err)
	}
	for _, a := range aids {
		if a == aid {
			if err := t.DeleteApplication(aid); err != nil {
				return false, fmt.Errorf("delete application %s: %w", aid, err)
			}
			return true, nil
		}
	}
	return false, nil
}

// CreateStdDataFile creates a standard data file in the selected application.
func (t *Tag) CreateStdDataFile(fileNo byte, comm CommMode, access uint16, size int) error {
	params := []byte{fileNo, byte(comm), byte(access), byte(access >> 8)}
	params = append(params, le24(size)...)
	_, err := t.command(insCreateStdDataFile, params)
	return err
}

// ReadData reads length bytes at offset from a data file.
func (t *Tag) ReadData(fileNo byte, offset, length int, comm CommMode) ([]byte, error) {
	params := append([]byte{fileNo}, le24(offset)...)
	params = append(params, le24(length)...)

	if comm != CommEnciphered {
		data, err := t.command(insReadData, params)
		if err != nil {
			return nil, err
		}
		if len(data) != length {
			return nil, fmt.Errorf("ReadData: got %d bytes, want %d", len(data), length)
		}
		return data, nil
	}

	if t.sess == nil {
		return nil, fmt.Errorf("ReadData: %w", ErrNotAuthenticated)
	}
	t.sess.MACCommand(insReadData, params)
	resp, sw, err := exchangeChained(t.card, insReadData, params)
	if err != nil {
		t.sess = nil
		return nil, err
	}
	if sw != SWDESFireOK {
		t.sess = nil
		return nil, &SWError{Cmd: insReadData, SW: sw}
	}
	data, err := t.sess.DecipherResponse(resp, length)
	if err != nil {
		t.sess = nil
		return nil, err
	}
	return data, nil
}

// WriteData writes data at offset in a data file. The card commits the
// whole command or nothing.
func (t *Tag) WriteData(fileNo byte, offset int, data []byte, comm CommMode) error {
	header := append([]byte{fileNo}, le24(offset)...)
	header = append(header, le24(len(data))...)

	switch comm {
	case CommEnciphered:
		return t.enciphered(insWriteData, header, data, nil, true)
	case CommMACed:
		if t.sess == nil {
			return fmt.Errorf("WriteData: %w", ErrNotAuthenticated)
		}
		t.sess.MACCommand(insWriteData, append(append([]byte(nil), header...), data...))
		payload := append(append(append([]byte(nil), header...), data...), t.sess.iv[:macLen]...)
		return t.sendWrite(payload)
	default:
		payload := append(append([]byte(nil), header...), data...)
		if t.sess != nil {
			t.sess.MACCommand(insWriteData, payload)
		}
		return t.sendWrite(payload)
	}
}

func (t *Tag) sendWrite(payload []byte) error {
	resp, sw, err := exchangeLong(t.card, insWriteData, payload)
	if err != nil {
		t.sess = nil
		return err
	}
	if sw != SWDESFireOK {
		t.sess = nil
		return &SWError{Cmd: insWriteData, SW: sw}
	}
	if t.sess != nil {
		if _, err := t.sess.VerifyResponseMAC(resp); err != nil {
			t.sess = nil
			return err
		}
	}
	return nil
}

// GetCardUID returns the real 7 byte UID of a random-ID card. It needs an
// authenticated session; the UID comes back enciphered.
func (t *Tag) GetCardUID() ([]byte, error) {
	if t.sess == nil {
		return nil, fmt.Errorf("GetCardUID: %w", ErrNotAuthenticated)
	}
	t.sess.MACCommand(insGetCardUID, nil)
	resp, sw, err := exchange(t.card, insGetCardUID, nil)
	if err != nil {
		t.sess = nil
		return nil, err
	}
	if sw != SWDESFireOK {
		t.sess = nil
		return nil, &SWError{Cmd: insGetCardUID, SW: sw}
	}
	uid, err := t.sess.DecipherResponse(resp, 7)
	if err != nil {
		t.sess = nil
		return nil, fmt.Errorf("GetCardUID: %w", err)
	}
	return uid, nil
}

func le24(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// Le24 decodes a 3 byte little-endian integer.
func Le24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

var errShortVersion = errors.New("GetVersion response too short")
