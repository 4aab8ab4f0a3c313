package lifecycle

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

func TestStoreVerifyRoundTrip(t *testing.T) {
	for _, kt := range []desfire.KeyType{desfire.KeyType3K3DES, desfire.KeyTypeAES} {
		t.Run(kt.String(), func(t *testing.T) {
			e, reader := newEngine(t, testConfig(t, kt))
			card := emulator.New(testUID)
			reader.Insert(card)

			p := waitCard(t, e)
			if _, err := e.picc.ChangeMasterKeyIfFactory(p.Tag); err != nil {
				t.Fatalf("ChangeMasterKeyIfFactory: %v", err)
			}
			block := userBlock(t, "Peter")
			aux := auxOf(0xA0)
			if err := e.store.Store(p.Tag, p.ID, block, aux); err != nil {
				t.Fatalf("Store: %v", err)
			}

			got, err := e.store.Verify(p.Tag, p.ID, block)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if diff := cmp.Diff(aux, got); diff != "" {
				t.Fatalf("aux mismatch (-want +got):\n%s", diff)
			}

			m, err := secret.Derive(testUID, block, testKeys(t))
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			stored, ok := card.FileData(testAID, testFileNo)
			if !ok || len(stored) != SecretFileSize {
				t.Fatalf("secret file missing or wrong size: %X", stored)
			}
			if !bytes.Equal(stored[:16], m.StoreValue[:]) || !bytes.Equal(stored[16:], aux[:]) {
				t.Fatalf("file holds %X, want store value %X then aux %X", stored, m.StoreValue, aux)
			}
			appKey, _ := card.ApplicationKey(testAID, 0)
			if kt == desfire.KeyTypeAES && !bytes.Equal(appKey.Material, m.AppKeyFor(16)) {
				t.Fatalf("application key %X, want derived %X", appKey.Material, m.AppKeyFor(16))
			}
			if appKey.Version != testVersion {
				t.Fatalf("application key version %d, want %d", appKey.Version, testVersion)
			}
			if s, _ := card.ApplicationSettings(testAID); s != desfire.KeySettingsChangeKeyFrozen {
				t.Fatalf("application settings 0x%02X, want frozen 0x%02X", s, desfire.KeySettingsChangeKeyFrozen)
			}
		})
	}
}

func TestStoreRequiresPersonalizedPICC(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	card := emulator.New(testUID)
	reader.Insert(card)

	p := waitCard(t, e)
	err := e.store.Store(p.Tag, p.ID, userBlock(t, "Peter"), auxOf(1))
	if !errors.Is(err, KindAuthenticationRejected) || !errors.Is(err, ErrNotPersonalized) {
		t.Fatalf("expected not personalized rejection, got %v", err)
	}
	if card.HasApplication(testAID) {
		t.Fatalf("application created on a factory PICC")
	}
}

func TestVerifySingleByteDifferenceIsMismatch(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	reader.Insert(emulator.New(testUID))
	block := userBlock(t, "Peter")
	provision(t, e, block, auxOf(7))

	for _, i := range []int{0, 4, 9, 15, 16, 23} {
		wrong := block
		wrong[i] ^= 0x01
		p := waitCard(t, e)
		_, err := e.store.Verify(p.Tag, p.ID, wrong)
		if !errors.Is(err, KindVerificationMismatch) {
			t.Fatalf("byte %d: expected verification mismatch, got %v", i, err)
		}
		var le *Error
		if !errors.As(err, &le) || le.Retryable() {
			t.Fatalf("byte %d: mismatch must not be retryable: %v", i, err)
		}
	}
}

func TestVerifyDetectsForeignStoreValue(t *testing.T) {
	cfg := testConfig(t, desfire.KeyTypeAES)
	e, reader := newEngine(t, cfg)
	reader.Insert(emulator.New(testUID))
	block := userBlock(t, "Peter")
	provision(t, e, block, auxOf(7))

	// Same application key derivation, different store value key.
	other := cfg.Keys
	other.StoreValueKey[0] ^= 0xFF
	cfg.Keys = other
	e2, err := New(reader, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := waitCard(t, e2)
	_, err = e2.store.Verify(p.Tag, p.ID, block)
	if !errors.Is(err, KindVerificationMismatch) || !errors.Is(err, ErrStoreValueMismatch) {
		t.Fatalf("expected store value mismatch, got %v", err)
	}
}

func TestVerifyRejectsFactoryCard(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	reader.Insert(emulator.New(testUID))
	p := waitCard(t, e)
	_, err := e.store.Verify(p.Tag, p.ID, userBlock(t, "Peter"))
	if !errors.Is(err, KindAuthenticationRejected) || !errors.Is(err, ErrNotPersonalized) {
		t.Fatalf("expected not personalized rejection, got %v", err)
	}
}

func TestVerifyRejectsMissingApplication(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	card := emulator.New(testUID)
	reader.Insert(card)
	p := waitCard(t, e)
	if _, err := e.picc.ChangeMasterKeyIfFactory(p.Tag); err != nil {
		t.Fatalf("ChangeMasterKeyIfFactory: %v", err)
	}
	_, err := e.store.Verify(p.Tag, p.ID, userBlock(t, "Peter"))
	if !errors.Is(err, KindAuthenticationRejected) || !desfire.IsNotFound(err) {
		t.Fatalf("expected missing application rejection, got %v", err)
	}
}

func TestVerifyRejectsShortIdentifier(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	reader.Insert(emulator.New(testUID))
	p := waitCard(t, e)
	_, err := e.store.Verify(p.Tag, Identifier{1, 2, 3, 4}, userBlock(t, "Peter"))
	if !errors.Is(err, KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
