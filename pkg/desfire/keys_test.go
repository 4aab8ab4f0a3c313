package desfire

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDESKeyVersionInParityBits(t *testing.T) {
	k := Key{Type: KeyType3K3DES, Material: bytes.Repeat([]byte{0xFF}, 24), Version: 0x10}
	wire := k.wireBytes()
	if got := DESKeyVersion(wire); got != 0x10 {
		t.Fatalf("DESKeyVersion = 0x%02X, want 0x10", got)
	}
	for i := 8; i < len(wire); i++ {
		if wire[i]&0x01 != 0 {
			t.Fatalf("parity bit of byte %d not cleared: %X", i, wire)
		}
	}
	if !bytes.Equal(k.Material, bytes.Repeat([]byte{0xFF}, 24)) {
		t.Fatalf("wireBytes modified the key material")
	}
}

func TestChangeKeyPlaintextRoundTripOtherSlot(t *testing.T) {
	oldKey := Key{Type: KeyTypeAES, Material: bytes.Repeat([]byte{0x11}, 16), Version: 1}
	newKey := Key{Type: KeyTypeAES, Material: bytes.Repeat([]byte{0x5A}, 16), Version: 7}

	plain := ChangeKeyPlaintext(0x01, newKey, oldKey, false)
	if len(plain) != 16+1+4+4 {
		t.Fatalf("cryptogram length %d, want 25", len(plain))
	}
	got, err := ParseChangeKeyPlaintext(plain, 0x01, KeyTypeAES, oldKey, false)
	if err != nil {
		t.Fatalf("ParseChangeKeyPlaintext: %v", err)
	}
	if !bytes.Equal(got.Material, newKey.Material) || got.Version != 7 {
		t.Fatalf("parsed key %X v%d, want %X v7", got.Material, got.Version, newKey.Material)
	}

	plain[3] ^= 0x01
	if _, err := ParseChangeKeyPlaintext(plain, 0x01, KeyTypeAES, oldKey, false); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error for tampered cryptogram, got %v", err)
	}
}

func TestChangeKeyPlaintextPICCTypeChange(t *testing.T) {
	newKey := Key{Type: KeyType3K3DES, Material: bytes.Repeat([]byte{0x42}, 24), Version: 0x20}
	keyNoByte := byte(0x00) | newKey.Type.keyTypeFlag()

	plain := ChangeKeyPlaintext(keyNoByte, newKey, FactoryPICCKey(), true)
	if len(plain) != 24+4 {
		t.Fatalf("cryptogram length %d, want 28", len(plain))
	}
	got, err := ParseChangeKeyPlaintext(plain, keyNoByte, KeyTypeFromFlag(keyNoByte), Key{}, true)
	if err != nil {
		t.Fatalf("ParseChangeKeyPlaintext: %v", err)
	}
	if got.Type != KeyType3K3DES || got.Version != 0x20 {
		t.Fatalf("parsed %s v%d, want 3K3DES v32", got.Type, got.Version)
	}
}

func TestLoadKeyHexFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "k.hex")
	if err := os.WriteFile(path, []byte("# picc master\n00112233445566778899AABBCCDDEEFF0011223344556677\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := LoadKeyHexFile(path)
	if err != nil {
		t.Fatalf("LoadKeyHexFile returned error: %v", err)
	}
	if len(key) != 24 {
		t.Fatalf("expected 24 byte key, got %d", len(key))
	}

	if _, err := LoadKey(path, KeyTypeAES, 0); err == nil || !strings.Contains(err.Error(), "AES key must be 16 bytes") {
		t.Fatalf("expected AES length error, got %v", err)
	}
}

func TestLoadKeyHexFileRejectsBadInput(t *testing.T) {
	tmp := t.TempDir()
	short := filepath.Join(tmp, "short.hex")
	if err := os.WriteFile(short, []byte("0011\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadKeyHexFile(short); err == nil || !strings.Contains(err.Error(), "32 or 48 hex chars") {
		t.Fatalf("expected length error, got %v", err)
	}

	empty := filepath.Join(tmp, "empty.hex")
	if err := os.WriteFile(empty, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadKeyHexFile(empty); err == nil || !strings.Contains(err.Error(), "key file is empty") {
		t.Fatalf("expected empty file error, got %v", err)
	}
}
