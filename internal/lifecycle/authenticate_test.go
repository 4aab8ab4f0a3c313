package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

func TestAuthenticateFixedIDGrantsWithAux(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	reader.Insert(emulator.New(testUID))
	block := userBlock(t, "Peter")
	aux := auxOf(0x42)
	provision(t, e, block, aux)

	out := e.AuthenticateUser(context.Background(), waitCard(t, e), block)
	if out.Verdict != Granted || out.Err != nil {
		t.Fatalf("expected grant, got %+v", out)
	}
	if !out.HasAux || out.Aux != aux {
		t.Fatalf("aux %X, want %X", out.Aux, aux)
	}
	if !bytes.Equal(out.ID, testUID) || out.Class != ClassFixedIDDESFire {
		t.Fatalf("unexpected identity %s/%s", out.ID, out.Class)
	}

	out = e.AuthenticateUser(context.Background(), waitCard(t, e), userBlock(t, "Petra"))
	if out.Verdict != Denied || out.Retryable || !errors.Is(out.Err, KindVerificationMismatch) {
		t.Fatalf("expected non-retryable denial, got %+v", out)
	}
}

func TestAuthenticateTimeoutIsRetryableDeviceError(t *testing.T) {
	rec := newCountingRecorder()
	cfg := testConfig(t, desfire.KeyType3K3DES)
	cfg.Metrics = rec
	e, reader := newEngine(t, cfg)
	card := emulator.New(testUID)
	reader.Insert(card)
	block := userBlock(t, "Peter")
	provision(t, e, block, auxOf(1))

	p := waitCard(t, e)
	card.InjectFault(emulator.Fault{OnINS: 0xBD})
	out := e.AuthenticateUser(context.Background(), p, block)
	if out.Verdict != DeviceError || !out.Retryable || out.Reason != ReasonTimeout {
		t.Fatalf("expected retryable NFC_TIMEOUT device error, got %+v", out)
	}
	if !desfire.IsTimeout(out.Err) {
		t.Fatalf("expected timeout cause, got %v", out.Err)
	}
	if _, _, resets := rec.counts(); resets != 1 {
		t.Fatalf("reader resets %d, want 1", resets)
	}

	out = e.AuthenticateUser(context.Background(), waitCard(t, e), block)
	if !out.Granted() {
		t.Fatalf("expected grant on retry, got %+v", out)
	}
}

func TestAuthenticateRandomIDFactoryCardDenied(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	reader.Insert(emulator.New(testUID, emulator.WithRandomID()))

	out := e.AuthenticateUser(context.Background(), waitCard(t, e), secret.UserBlock{})
	if out.Verdict != Denied || !errors.Is(out.Err, ErrNotPersonalized) || out.Reason != ReasonAuthFailed {
		t.Fatalf("expected not personalized denial, got %+v", out)
	}
}

func TestAuthenticateClassic(t *testing.T) {
	classicUID := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for _, allow := range []bool{false, true} {
		cfg := testConfig(t, desfire.KeyTypeAES)
		cfg.AllowClassic = allow
		e, reader := newEngine(t, cfg)
		reader.Insert(emulator.NewClassic(classicUID))

		out := e.AuthenticateUser(context.Background(), waitCard(t, e), secret.UserBlock{})
		if out.Granted() != allow {
			t.Fatalf("allow_classic=%v: verdict %s", allow, out.Verdict)
		}
		if !allow && out.Reason != ReasonUnsupportedTag {
			t.Fatalf("reason %s, want %s", out.Reason, ReasonUnsupportedTag)
		}
	}
}

func TestAuthenticateUnknownClassDenied(t *testing.T) {
	a := NewAuthenticator(nil, testVersion, true, quietLogger())
	out := a.Authenticate(context.Background(), &Presence{ID: Identifier{1, 2, 3, 4}, Class: ClassUnknown}, secret.UserBlock{})
	if out.Verdict != Denied || out.Reason != ReasonUnsupportedTag {
		t.Fatalf("expected unsupported denial, got %+v", out)
	}
}

func TestCheckLooksUpUserByIdentifier(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyType3K3DES))
	reader.Insert(emulator.New(testUID))
	block := userBlock(t, "Peter")
	provision(t, e, block, auxOf(9))

	users := map[string]secret.UserBlock{Identifier(testUID).String(): block}
	lookup := func(id Identifier) (secret.UserBlock, bool) {
		b, ok := users[id.String()]
		return b, ok
	}
	p, out, err := e.Check(context.Background(), lookup, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.Granted() || out.Aux != auxOf(9) || !bytes.Equal(p.ID, testUID) {
		t.Fatalf("expected grant for registered card, got %+v", out)
	}

	delete(users, Identifier(testUID).String())
	_, out, err = e.Check(context.Background(), lookup, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Verdict != Denied || !errors.Is(out.Err, ErrUnknownCard) {
		t.Fatalf("expected unknown card denial, got %+v", out)
	}

	reader.Remove()
	if _, _, err := e.Check(context.Background(), lookup, nil); !errors.Is(err, ErrNoCard) {
		t.Fatalf("expected ErrNoCard, got %v", err)
	}
}

func TestCheckSkipsRepeatedCard(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	card := emulator.New(testUID)
	reader.Insert(card)
	block := userBlock(t, "Peter")
	provision(t, e, block, auxOf(3))

	lookup := func(Identifier) (secret.UserBlock, bool) { return block, true }
	skip := func(id Identifier) bool { return bytes.Equal(id, testUID) }
	before := len(card.Log())
	p, _, err := e.Check(context.Background(), lookup, skip)
	if !errors.Is(err, ErrRepeatedCard) {
		t.Fatalf("expected ErrRepeatedCard, got %v", err)
	}
	if !bytes.Equal(p.ID, testUID) {
		t.Fatalf("expected the repeated card presence, got %v", p)
	}
	if containsINS(card.Log()[before:], 0xBD) {
		t.Fatalf("repeated card was authenticated")
	}
}
