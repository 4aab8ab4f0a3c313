package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

const insChangeKey = 0xC4

func TestRestoreFactoryCardChangesNothing(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	card := emulator.New(testUID)
	reader.Insert(card)

	res, err := e.RestoreCard(context.Background(), nil)
	if err != nil {
		t.Fatalf("RestoreCard: %v", err)
	}
	if !res.AlreadyFactory {
		t.Fatalf("expected already factory, got %+v", res)
	}
	if containsINS(card.Log(), insChangeKey) {
		t.Fatalf("restore of a factory card sent ChangeKey: % X", card.Log())
	}
}

func TestRestorePersonalizedCard(t *testing.T) {
	for _, kt := range []desfire.KeyType{desfire.KeyType3K3DES, desfire.KeyTypeAES} {
		t.Run(kt.String(), func(t *testing.T) {
			e, reader := newEngine(t, testConfig(t, kt))
			card := emulator.New(testUID)
			reader.Insert(card)
			provision(t, e, userBlock(t, "Peter"), auxOf(1))

			res, err := e.RestoreCard(context.Background(), nil)
			if err != nil {
				t.Fatalf("RestoreCard: %v", err)
			}
			if res.AlreadyFactory || !res.AppDeleted || res.AppDeleteErr != nil {
				t.Fatalf("unexpected result %+v", res)
			}
			if card.HasApplication(testAID) {
				t.Fatalf("application still present after restore")
			}
			if got := card.PICCKey(); got.Type != desfire.KeyType2K3DES || got.Version != 0 {
				t.Fatalf("PICC key %s, want factory 2K3DES v0", got)
			}

			// A restored card can be provisioned again.
			if res := provision(t, e, userBlock(t, "Peter"), auxOf(2)); !res.PICCKeyChanged {
				t.Fatalf("expected the master key to be installed again, got %+v", res)
			}
		})
	}
}

func TestRestoreToleratesDeleteFailure(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	card := emulator.New(testUID)
	reader.Insert(card)
	provision(t, e, userBlock(t, "Peter"), auxOf(1))

	card.InjectFault(emulator.Fault{OnINS: 0xDA})
	res, err := e.RestoreCard(context.Background(), nil)
	if err != nil {
		t.Fatalf("RestoreCard: %v", err)
	}
	if res.AppDeleteErr == nil || res.AppDeleted {
		t.Fatalf("expected a reported delete failure, got %+v", res)
	}
	if !errors.Is(res.AppDeleteErr, KindDevice) {
		t.Fatalf("expected classified delete error, got %v", res.AppDeleteErr)
	}
	if got := card.PICCKey(); got.Version != 0 {
		t.Fatalf("PICC key not reverted: %s", got)
	}
	if !card.HasApplication(testAID) {
		t.Fatalf("delete was expected to fail before execution")
	}
}

func TestRestoreRejectsClassic(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	reader.Insert(emulator.NewClassic([]byte{1, 2, 3, 4}))
	_, err := e.RestoreCard(context.Background(), nil)
	if !errors.Is(err, KindAuthenticationRejected) || ReasonOf(err) != ReasonUnsupportedTag {
		t.Fatalf("expected unsupported tag, got %v", err)
	}
}

func TestRestoreForeignCardIsRejected(t *testing.T) {
	foreign, err := desfire.NewKey(desfire.KeyTypeAES, make([]byte, 16), testVersion)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	foreign.Material[0] = 0x99
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	card := emulator.New(testUID, emulator.WithPICCKey(foreign))
	reader.Insert(card)

	_, err = e.RestoreCard(context.Background(), nil)
	if !errors.Is(err, KindAuthenticationRejected) || ReasonOf(err) != ReasonAuthFailed {
		t.Fatalf("expected auth rejection, got %v", err)
	}
	if containsINS(card.Log(), insChangeKey) {
		t.Fatalf("ChangeKey sent to a foreign card")
	}
}
