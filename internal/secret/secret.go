// Package secret derives the per-card application key and store value from
// a card UID and a user block. Nothing it produces is persisted; the same
// inputs always give the same outputs.
package secret

import (
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
)

// Sizes of the derivation inputs and outputs.
const (
	UIDSize        = 7
	UserBlockSize  = 24
	AppKeySize     = 24
	StoreValueSize = 16
	AuxSize        = 16
	seedFoldWidth  = 16
)

// ErrUserBlockTooLong is returned for user data beyond UserBlockSize bytes.
var ErrUserBlockTooLong = errors.New("user block longer than 24 bytes")

// UserBlock is the user name plus filler stored by the user directory.
type UserBlock [UserBlockSize]byte

// NewUserBlock zero pads b to a UserBlock.
func NewUserBlock(b []byte) (UserBlock, error) {
	var ub UserBlock
	if len(b) > UserBlockSize {
		return ub, fmt.Errorf("%w: got %d", ErrUserBlockTooLong, len(b))
	}
	copy(ub[:], b)
	return ub, nil
}

// Keys holds the two controller-wide 3K3DES derivation keys.
type Keys struct {
	ApplicationKey [24]byte
	StoreValueKey  [24]byte
}

// NewKeys checks and copies raw key material.
func NewKeys(applicationKey, storeValueKey []byte) (Keys, error) {
	var k Keys
	if len(applicationKey) != 24 {
		return k, fmt.Errorf("application derivation key must be 24 bytes, got %d", len(applicationKey))
	}
	if len(storeValueKey) != 24 {
		return k, fmt.Errorf("store value derivation key must be 24 bytes, got %d", len(storeValueKey))
	}
	copy(k.ApplicationKey[:], applicationKey)
	copy(k.StoreValueKey[:], storeValueKey)
	return k, nil
}

// Material is the derived per-card secret pair.
type Material struct {
	AppKey     [AppKeySize]byte
	StoreValue [StoreValueSize]byte
}

// AppKeyFor returns the application key bytes for a key size: all 24
// bytes for 3K3DES, the first 16 for AES.
func (m *Material) AppKeyFor(size int) []byte {
	return append([]byte(nil), m.AppKey[:size]...)
}

// Wipe zeroes the material.
func (m *Material) Wipe() {
	clear(m.AppKey[:])
	clear(m.StoreValue[:])
}

// Derive computes the per-card material.
//
// Steps:
//  1. Seed = 24 zero bytes with the UID copied to the front
//  2. XOR the user block over the seed, wrapping after 16 bytes
//  3. AppKey = 3K3DES-CBC(ApplicationKey, IV=0, seed[0:24])
//  4. StoreValue = 3K3DES-CBC(StoreValueKey, IV=0, seed[0:16])
func Derive(uid []byte, block UserBlock, keys Keys) (*Material, error) {
	if len(uid) != UIDSize {
		return nil, fmt.Errorf("card UID must be %d bytes, got %d", UIDSize, len(uid))
	}

	var seed [24]byte
	defer clear(seed[:])
	copy(seed[:], uid)
	for i, b := range block {
		seed[i%seedFoldWidth] ^= b
	}

	m := &Material{}
	if err := encryptCBC(keys.ApplicationKey[:], m.AppKey[:], seed[:]); err != nil {
		return nil, fmt.Errorf("derive application key: %w", err)
	}
	if err := encryptCBC(keys.StoreValueKey[:], m.StoreValue[:], seed[:StoreValueSize]); err != nil {
		m.Wipe()
		return nil, fmt.Errorf("derive store value: %w", err)
	}
	return m, nil
}

func encryptCBC(key, dst, src []byte) error {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return err
	}
	iv := make([]byte, block.BlockSize())
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return nil
}
