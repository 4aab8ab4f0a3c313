package desfire

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/aead/cmac"
	"github.com/google/go-cmp/cmp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

func TestCMACMatchesReferenceAtZeroIV(t *testing.T) {
	cases := []struct {
		name string
		kt   KeyType
		key  string
	}{
		{"aes", KeyTypeAES, "2B7E151628AED2A6ABF7158809CF4F3C"},
		{"2k3des", KeyType2K3DES, "0123456789ABCDEF23456789ABCDEF01"},
		{"3k3des", KeyType3K3DES, "0123456789ABCDEF23456789ABCDEF01456789ABCDEF0123"},
	}
	msgs := [][]byte{
		nil,
		{0x00},
		[]byte("0123456"),
		[]byte("01234567"),
		[]byte("0123456789ABCDEF"),
		[]byte("0123456789ABCDEF0123456789"),
	}
	for _, tc := range cases {
		block, err := NewBlock(tc.kt, mustHex(t, tc.key))
		if err != nil {
			t.Fatalf("%s: NewBlock: %v", tc.name, err)
		}
		for _, msg := range msgs {
			want, err := cmac.Sum(msg, block, block.BlockSize())
			if err != nil {
				t.Fatalf("%s: reference cmac: %v", tc.name, err)
			}
			got := CMAC(block, nil, msg)
			if !bytes.Equal(got, want) {
				t.Fatalf("%s: CMAC(%q) = %X, want %X", tc.name, msg, got, want)
			}
		}
	}
}

func TestCMACChainsFromIV(t *testing.T) {
	block, err := NewBlock(KeyTypeAES, make([]byte, 16))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	iv := CMAC(block, nil, []byte{0x64, 0x00})
	a := CMAC(block, iv, []byte{0x45})
	b := CMAC(block, nil, []byte{0x45})
	if bytes.Equal(a, b) {
		t.Fatalf("expected IV to change the MAC")
	}
}

func TestCMACRFC4493Vector(t *testing.T) {
	block, err := NewBlock(KeyTypeAES, mustHex(t, "2B7E151628AED2A6ABF7158809CF4F3C"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	got := CMAC(block, nil, mustHex(t, "6BC1BEE22E409F96E93D7E117393172A"))
	want := mustHex(t, "070A16B46B4D4144F79BDD9DD04A287C")
	if !bytes.Equal(got, want) {
		t.Fatalf("CMAC = %X, want %X", got, want)
	}
}

func TestCRC32DESFireHasNoFinalXor(t *testing.T) {
	// Standard CRC-32 of "123456789" is CBF43926; DESFire skips the final inversion.
	if got := CRC32DESFire([]byte("123456789")); got != 0x340BC6D9 {
		t.Fatalf("CRC32DESFire = %08X, want 340BC6D9", got)
	}
	if got := crcBytes([]byte("123456789")); !bytes.Equal(got, []byte{0xD9, 0xC6, 0x0B, 0x34}) {
		t.Fatalf("crcBytes not little-endian: %X", got)
	}
}

func TestSessionKeyLayout(t *testing.T) {
	rndA := mustHex(t, "A0A1A2A3A4A5A6A7A8A9AAABACADAEAF")
	rndB := mustHex(t, "B0B1B2B3B4B5B6B7B8B9BABBBCBDBEBF")

	aes := SessionKey(KeyTypeAES, nil, rndA, rndB)
	if diff := cmp.Diff(mustHex(t, "A0A1A2A3B0B1B2B3ACADAEAFBCBDBEBF"), aes); diff != "" {
		t.Fatalf("AES session key mismatch (-want +got):\n%s", diff)
	}

	k3 := SessionKey(KeyType3K3DES, nil, rndA, rndB)
	if diff := cmp.Diff(mustHex(t, "A0A1A2A3B0B1B2B3A6A7A8A9B6B7B8B9ACADAEAFBCBDBEBF"), k3); diff != "" {
		t.Fatalf("3K3DES session key mismatch (-want +got):\n%s", diff)
	}

	twoKey := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	k2 := SessionKey(KeyType2K3DES, twoKey, rndA[:8], rndB[:8])
	if diff := cmp.Diff(mustHex(t, "A0A1A2A3B0B1B2B3A4A5A6A7B4B5B6B7"), k2); diff != "" {
		t.Fatalf("2K3DES session key mismatch (-want +got):\n%s", diff)
	}

	single := SessionKey(KeyType2K3DES, make([]byte, 16), rndA[:8], rndB[:8])
	if diff := cmp.Diff(mustHex(t, "A0A1A2A3B0B1B2B3A0A1A2A3B0B1B2B3"), single); diff != "" {
		t.Fatalf("single DES session key mismatch (-want +got):\n%s", diff)
	}
}

func TestRotate(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	if got := rotateLeft1(in); !bytes.Equal(got, []byte{2, 3, 4, 1}) {
		t.Fatalf("rotateLeft1 = %v", got)
	}
	if got := rotateRight1(rotateLeft1(in)); !bytes.Equal(got, in) {
		t.Fatalf("rotateRight1 did not undo rotateLeft1: %v", got)
	}
}

func TestNewBlockRejectsWrongLength(t *testing.T) {
	if _, err := NewBlock(KeyType3K3DES, make([]byte, 16)); err == nil {
		t.Fatalf("expected error for 16 byte 3K3DES key")
	}
	if _, err := NewBlock(KeyTypeAES, make([]byte, 24)); err == nil {
		t.Fatalf("expected error for 24 byte AES key")
	}
}
