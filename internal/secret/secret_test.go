package secret

import (
	"encoding/hex"
	"errors"
	"testing"

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

func testKeys(t *testing.T) Keys {
	t.Helper()
	k, err := NewKeys(
		mustHex(t, "000102030405060708090A0B0C0D0E0F1011121314151617"),
		mustHex(t, "F0E0D0C0B0A090807060504030201000F1E1D1C1B1A19181"),
	)
	if err != nil {
		t.Fatalf("NewKeys: %v", err)
	}
	return k
}

// peterBlock is "Peter", a terminating zero and fixed random filler.
func peterBlock(t *testing.T) UserBlock {
	t.Helper()
	b, err := NewUserBlock(append([]byte("Peter\x00"), 0xDE, 0x45, 0x70, 0x5A, 0xF9, 0x11, 0xAB))
	if err != nil {
		t.Fatalf("NewUserBlock: %v", err)
	}
	return b
}

func TestDeriveGoldenVector(t *testing.T) {
	// Expected values computed with openssl des-ede3-cbc, zero IV, no padding.
	m, err := Derive(mustHex(t, "04A1B2C3D4E5F6"), peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if diff := cmp.Diff(mustHex(t, "EBED30A8E0AD35F16325BDD24E69F76BAB80EBF982DB8745"), m.AppKey[:]); diff != "" {
		t.Fatalf("app key mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(mustHex(t, "0DA3C8D48D839EC4ECABF3873283000A"), m.StoreValue[:]); diff != "" {
		t.Fatalf("store value mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(mustHex(t, "EBED30A8E0AD35F16325BDD24E69F76B"), m.AppKeyFor(16)); diff != "" {
		t.Fatalf("AES app key mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	uid := mustHex(t, "04A1B2C3D4E5F6")
	a, err := Derive(uid, peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(uid, peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if diff := cmp.Diff(*a, *b); diff != "" {
		t.Fatalf("Derive not deterministic (-first +second):\n%s", diff)
	}
}

func TestDeriveDistinctUIDsGiveDistinctStoreValues(t *testing.T) {
	a, err := Derive(mustHex(t, "04A1B2C3D4E5F6"), peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(mustHex(t, "04A1B2C3D4E5F7"), peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a.StoreValue == b.StoreValue {
		t.Fatalf("distinct UIDs produced the same store value %X", a.StoreValue)
	}
	if diff := cmp.Diff(mustHex(t, "A40193D112219467A28952470EB88A04"), b.StoreValue[:]); diff != "" {
		t.Fatalf("store value mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveFoldsUserBlockPastSixteenBytes(t *testing.T) {
	uid := mustHex(t, "04A1B2C3D4E5F6")
	var short, long UserBlock
	long[16] = 0x01
	short[0] = 0x01
	a, err := Derive(uid, short, testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(uid, long, testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if *a != *b {
		t.Fatalf("byte 16 of the user block must fold onto byte 0")
	}
}

func TestDeriveRejectsBadUID(t *testing.T) {
	_, err := Derive([]byte{1, 2, 3, 4}, peterBlock(t), testKeys(t))
	if err == nil {
		t.Fatalf("expected error for 4 byte UID")
	}
}

func TestNewUserBlockRejectsLongInput(t *testing.T) {
	_, err := NewUserBlock(make([]byte, 25))
	if !errors.Is(err, ErrUserBlockTooLong) {
		t.Fatalf("expected ErrUserBlockTooLong, got %v", err)
	}
}

func TestMaterialWipe(t *testing.T) {
	m, err := Derive(mustHex(t, "04A1B2C3D4E5F6"), peterBlock(t), testKeys(t))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	m.Wipe()
	if *m != (Material{}) {
		t.Fatalf("material not wiped: %+v", *m)
	}
}
