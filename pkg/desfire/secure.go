package desfire

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// CommMode is the communication mode of a file or command.
type CommMode byte

const (
	CommPlain      CommMode = 0x00
	CommMACed      CommMode = 0x01
	CommEnciphered CommMode = 0x03
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMACed:
		return "maced"
	case CommEnciphered:
		return "enciphered"
	default:
		return fmt.Sprintf("CommMode(0x%02X)", byte(m))
	}
}

const macLen = 8

// The functions below implement EV1 secure messaging for a session
// established with Authenticate. Both the reader and the emulated card
// advance the same IV with them, in the same order:
//
//	plain command      IV = CMAC(IV, ins || params)
//	enciphered command IV = last block of E(IV, data || CRC(ins || params || data) || pad)
//	plain response     IV = CMAC(IV, data || status), MAC = IV[:8]
//	enciphered resp.   IV = last block of ciphertext, CRC over data || status

// IV returns a copy of the current chaining IV.
func (s *Session) IV() []byte {
	return append([]byte(nil), s.iv...)
}

// MACCommand advances the IV over a plain command sent while authenticated.
func (s *Session) MACCommand(ins byte, params []byte) {
	msg := append([]byte{ins}, params...)
	s.iv = CMAC(s.block, s.iv, msg)
}

// ResponseMAC advances the IV over plain response data and returns the
// 8 byte MAC the card appends.
func (s *Session) ResponseMAC(data []byte, status byte) []byte {
	msg := append(append([]byte(nil), data...), status)
	s.iv = CMAC(s.block, s.iv, msg)
	return append([]byte(nil), s.iv[:macLen]...)
}

// VerifyResponseMAC checks a plain response carrying a trailing MAC and
// returns the data without it.
func (s *Session) VerifyResponseMAC(resp []byte) ([]byte, error) {
	if len(resp) < macLen {
		return nil, fmt.Errorf("response too short for MAC (len=%d)", len(resp))
	}
	data := resp[:len(resp)-macLen]
	want := s.ResponseMAC(data, 0x00)
	if subtle.ConstantTimeCompare(want, resp[len(resp)-macLen:]) != 1 {
		return nil, fmt.Errorf("response MAC mismatch: %w", ErrIntegrity)
	}
	return data, nil
}

// EncipherCommand encrypts command data. header is sent in clear ahead of
// the cryptogram and covered by the CRC. When precomputed is non-nil it is
// used as the plaintext instead of data || CRC (ChangeKey builds its own).
func (s *Session) EncipherCommand(ins byte, header, data, precomputed []byte) ([]byte, error) {
	plain := precomputed
	if plain == nil {
		crcIn := append(append([]byte{ins}, header...), data...)
		plain = append(append([]byte(nil), data...), crcBytes(crcIn)...)
	}
	bs := s.block.BlockSize()
	enc, err := cbcEncrypt(s.block, s.iv, padZero(plain, bs))
	if err != nil {
		return nil, err
	}
	s.iv = lastBlock(enc, bs)
	return enc, nil
}

// DecipherCommand reverses EncipherCommand on the card side and returns the
// padded plaintext.
func (s *Session) DecipherCommand(enc []byte) ([]byte, error) {
	bs := s.block.BlockSize()
	if len(enc) == 0 || len(enc)%bs != 0 {
		return nil, fmt.Errorf("cryptogram length %d not block aligned", len(enc))
	}
	plain, err := cbcDecrypt(s.block, s.iv, enc)
	if err != nil {
		return nil, err
	}
	s.iv = lastBlock(enc, bs)
	return plain, nil
}

// EncipherResponse encrypts response data as the card does:
// data || CRC(data || status) || zero padding.
func (s *Session) EncipherResponse(data []byte, status byte) ([]byte, error) {
	crcIn := append(append([]byte(nil), data...), status)
	plain := append(append([]byte(nil), data...), crcBytes(crcIn)...)
	bs := s.block.BlockSize()
	enc, err := cbcEncrypt(s.block, s.iv, padZero(plain, bs))
	if err != nil {
		return nil, err
	}
	s.iv = lastBlock(enc, bs)
	return enc, nil
}

// DecipherResponse decrypts an enciphered response carrying n data bytes
// and checks its CRC.
func (s *Session) DecipherResponse(enc []byte, n int) ([]byte, error) {
	bs := s.block.BlockSize()
	if len(enc) == 0 || len(enc)%bs != 0 {
		return nil, fmt.Errorf("enciphered response length %d not block aligned", len(enc))
	}
	if n+4 > len(enc) {
		return nil, fmt.Errorf("enciphered response too short: %d bytes for %d data bytes", len(enc), n)
	}
	plain, err := cbcDecrypt(s.block, s.iv, enc)
	if err != nil {
		return nil, err
	}
	s.iv = lastBlock(enc, bs)

	data := plain[:n]
	crcIn := append(append([]byte(nil), data...), 0x00)
	if !bytes.Equal(plain[n:n+4], crcBytes(crcIn)) {
		return nil, fmt.Errorf("response CRC mismatch: %w", ErrIntegrity)
	}
	for _, b := range plain[n+4:] {
		if b != 0 {
			return nil, fmt.Errorf("response padding not zero: %w", ErrIntegrity)
		}
	}
	return append([]byte(nil), data...), nil
}
