package desfire

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Key is DESFire key material with its cipher family and version.
type Key struct {
	Type     KeyType
	Material []byte // 16 bytes (2K3DES, AES) or 24 bytes (3K3DES)
	Version  byte
}

// NewKey validates and copies key material.
func NewKey(t KeyType, material []byte, version byte) (Key, error) {
	if len(material) != t.KeySize() {
		return Key{}, fmt.Errorf("%s key must be %d bytes, got %d", t, t.KeySize(), len(material))
	}
	return Key{Type: t, Material: append([]byte(nil), material...), Version: version}, nil
}

// FactoryPICCKey returns the PICC master key of a card fresh from the
// factory: 2K3DES, all zero, version 0.
func FactoryPICCKey() Key {
	return Key{Type: KeyType2K3DES, Material: make([]byte, 16)}
}

// DefaultKey returns the all-zero key an application of type t is created with.
func DefaultKey(t KeyType) Key {
	return Key{Type: t, Material: make([]byte, t.KeySize())}
}

// Block returns the block cipher for the key.
func (k Key) Block() (cipher.Block, error) {
	return NewBlock(k.Type, k.Material)
}

// String prints the type and version only.
func (k Key) String() string {
	return fmt.Sprintf("%s key v%d", k.Type, k.Version)
}

// Wipe zeroes the key material.
func (k Key) Wipe() {
	for i := range k.Material {
		k.Material[i] = 0
	}
}

// wireBytes returns the key as sent in ChangeKey. DES keys carry the
// version in the parity bits of the first eight bytes; the remaining
// parity bits are cleared. AES keys are returned unchanged and the
// version travels as a separate byte.
func (k Key) wireBytes() []byte {
	out := append([]byte(nil), k.Material...)
	if k.Type == KeyTypeAES {
		return out
	}
	for i := range out {
		out[i] &= 0xFE
		if i < 8 {
			out[i] |= (k.Version >> (7 - i)) & 0x01
		}
	}
	return out
}

// DESKeyVersion extracts the version stored in the parity bits of a DES key.
func DESKeyVersion(material []byte) byte {
	var v byte
	for i := 0; i < 8 && i < len(material); i++ {
		v = v<<1 | material[i]&0x01
	}
	return v
}

// ChangeKeyPlaintext builds the ChangeKey cryptogram before encryption.
//
// Parameters:
//   - keyNoByte: Key number as sent, including the cipher flag for the PICC master key
//   - newKey: Key to install
//   - oldKey: Current key in the slot (ignored when same is true)
//   - same: True when the slot being changed is the authenticated slot
//
// Key data format:
//   - Same slot: NewKey [+ver] + CRC(C4 keyNo NewKey[+ver])
//   - Other slot: (NewKey XOR OldKey) [+ver] + CRC(C4 keyNo data) + CRC(NewKey)
//
// The result is not padded.
func ChangeKeyPlaintext(keyNoByte byte, newKey, oldKey Key, same bool) []byte {
	newWire := newKey.wireBytes()
	data := newWire
	if !same {
		oldWire := oldKey.wireBytes()
		data = make([]byte, len(newWire))
		xorBlock(data, newWire, oldWire)
		if len(oldWire) < len(newWire) {
			copy(data[len(oldWire):], newWire[len(oldWire):])
		}
	}
	if newKey.Type == KeyTypeAES {
		data = append(data, newKey.Version)
	}

	crcIn := append([]byte{insChangeKey, keyNoByte}, data...)
	out := append(append([]byte(nil), data...), crcBytes(crcIn)...)
	if !same {
		out = append(out, crcBytes(newWire)...)
	}
	return out
}

// ParseChangeKeyPlaintext reverses ChangeKeyPlaintext for a card holding
// oldKey. It is used by card emulation.
func ParseChangeKeyPlaintext(plain []byte, keyNoByte byte, newType KeyType, oldKey Key, same bool) (Key, error) {
	n := newType.KeySize()
	dataLen := n
	if newType == KeyTypeAES {
		dataLen++
	}
	need := dataLen + 4
	if !same {
		need += 4
	}
	if len(plain) < need {
		return Key{}, fmt.Errorf("cryptogram too short: %d", len(plain))
	}
	data := plain[:dataLen]
	crcIn := append([]byte{insChangeKey, keyNoByte}, data...)
	if !bytes.Equal(plain[dataLen:dataLen+4], crcBytes(crcIn)) {
		return Key{}, ErrIntegrity
	}

	material := append([]byte(nil), data[:n]...)
	if !same {
		oldWire := oldKey.wireBytes()
		xorBlock(material, material, oldWire)
		if !bytes.Equal(plain[dataLen+4:dataLen+8], crcBytes(material)) {
			return Key{}, ErrIntegrity
		}
	}
	k := Key{Type: newType, Material: material}
	if newType == KeyTypeAES {
		k.Version = data[n]
	} else {
		k.Version = DESKeyVersion(material)
	}
	return k, nil
}

// LoadKeyHexFile loads a key from a .hex file. The file should contain a
// single line with 32 (2K3DES, AES) or 48 (3K3DES) hexadecimal characters.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) != 32 && len(line) != 48 {
			return nil, fmt.Errorf("key must be 32 or 48 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %v", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// LoadKey loads a key file and checks it against the expected type.
func LoadKey(path string, t KeyType, version byte) (Key, error) {
	raw, err := LoadKeyHexFile(path)
	if err != nil {
		return Key{}, err
	}
	return NewKey(t, raw, version)
}
