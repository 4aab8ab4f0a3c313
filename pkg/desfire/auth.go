package desfire

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	insAuthISO = 0x1A
	insAuthAES = 0xAA
)

var errRndAMismatch = errors.New("rndA check failed")

// randReader supplies RndA. Tests replace it to pin the challenge.
var randReader io.Reader = rand.Reader

// Session holds the session cipher and chaining IV established by an EV1
// authentication. Any failed command invalidates it.
type Session struct {
	keyType KeyType
	keyNo   byte
	block   cipher.Block
	iv      []byte
}

// KeyNo returns the key slot the session was authenticated with.
func (s *Session) KeyNo() byte { return s.keyNo }

// KeyType returns the cipher family of the session.
func (s *Session) KeyType() KeyType { return s.keyType }

// NewSession builds a session from an already derived session key. Card
// emulation uses it to mirror the reader side.
func NewSession(t KeyType, keyNo byte, sessionKey []byte) (*Session, error) {
	block, err := NewBlock(t, sessionKey)
	if err != nil {
		return nil, err
	}
	return &Session{keyType: t, keyNo: keyNo, block: block, iv: make([]byte, t.BlockSize())}, nil
}

// AuthError represents an authentication failure at a specific step.
type AuthError struct {
	Step    string // "step1" or "step2"
	KeyNo   byte   // Key slot
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Cause   error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth key %d %s failed: %v", e.KeyNo, e.Step, e.Cause)
	}
	return fmt.Sprintf("auth key %d %s failed (SW=%04X len=%d)", e.KeyNo, e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// classifyAuthError extracts details from an AuthError.
func classifyAuthError(err error) (step string, sw uint16, respLen int, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.SW, authErr.RespLen, true
	}
	return "", 0, 0, false
}

// authINS selects the native authentication command for a key type.
func authINS(t KeyType) byte {
	if t == KeyTypeAES {
		return insAuthAES
	}
	return insAuthISO
}

// Authenticate performs EV1 three-pass mutual authentication (ISO 0x1A for
// 2K3DES/3K3DES, AES 0xAA) against the selected application.
func Authenticate(card Card, key Key, keyNo byte) (*Session, error) {
	block, err := key.Block()
	if err != nil {
		return nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}
	bs := key.Type.BlockSize()
	rs := RandomSize(key.Type)

	// Phase 1: send keyNo, receive ek(RndB)
	resp1, sw, err := exchange(card, authINS(key.Type), []byte{keyNo})
	if err != nil {
		return nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}
	if sw != SWMoreData || len(resp1) != rs {
		return nil, &AuthError{Step: "step1", KeyNo: keyNo, SW: sw, RespLen: len(resp1)}
	}
	rndB, err := cbcDecrypt(block, make([]byte, bs), resp1)
	if err != nil {
		return nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}
	iv := lastBlock(resp1, bs)

	rndA, err := newRndA(rs)
	if err != nil {
		return nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}

	// Phase 2: send ek(RndA || RndB'), receive ek(RndA')
	token, err := cbcEncrypt(block, iv, append(append([]byte{}, rndA...), rotateLeft1(rndB)...))
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	iv = lastBlock(token, bs)

	resp2, sw, err := exchange(card, insAddlFrm, token)
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	if sw != SWDESFireOK || len(resp2) != rs {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, SW: sw, RespLen: len(resp2)}
	}
	dec, err := cbcDecrypt(block, iv, resp2)
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	if !bytes.Equal(rotateRight1(dec), rndA) {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: errRndAMismatch}
	}

	sk := SessionKey(key.Type, key.Material, rndA, rndB)
	slog.Debug("session key derived", "key_type", key.Type.String(), "key_no", keyNo)

	sess, err := NewSession(key.Type, keyNo, sk)
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	return sess, nil
}

func newRndA(n int) ([]byte, error) {
	rndA := make([]byte, n)
	if _, err := io.ReadFull(randReader, rndA); err != nil {
		return nil, err
	}
	return rndA, nil
}
