package lifecycle

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/barnettlynn/doorkey/internal/secret"
	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testUID = []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}

const (
	testAID     desfire.AID = 0xD0A1B2
	testFileNo              = 1
	testVersion             = 0x10
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

func testKeys(t *testing.T) secret.Keys {
	t.Helper()
	k, err := secret.NewKeys(
		mustHex(t, "000102030405060708090A0B0C0D0E0F1011121314151617"),
		mustHex(t, "F0E0D0C0B0A090807060504030201000F1E1D1C1B1A19181"),
	)
	if err != nil {
		t.Fatalf("NewKeys: %v", err)
	}
	return k
}

func testMasterKey(t *testing.T, kt desfire.KeyType) desfire.Key {
	t.Helper()
	material := make([]byte, kt.KeySize())
	for i := range material {
		material[i] = byte(i*37 + 11)
	}
	k, err := desfire.NewKey(kt, material, testVersion)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func testConfig(t *testing.T, kt desfire.KeyType) Config {
	t.Helper()
	return Config{
		PICCMasterKey: testMasterKey(t, kt),
		Keys:          testKeys(t),
		AID:           testAID,
		FileNo:        testFileNo,
		Cipher:        kt,
		WaitTimeout:   200 * time.Millisecond,
		PollInterval:  2 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func userBlock(t *testing.T, name string) secret.UserBlock {
	t.Helper()
	b, err := secret.NewUserBlock(append([]byte(name+"\x00"), 0xDE, 0x45, 0x70, 0x5A, 0xF9, 0x11, 0xAB))
	if err != nil {
		t.Fatalf("NewUserBlock: %v", err)
	}
	return b
}

func auxOf(b byte) [secret.AuxSize]byte {
	var aux [secret.AuxSize]byte
	for i := range aux {
		aux[i] = b + byte(i)
	}
	return aux
}

func newEngine(t *testing.T, cfg Config) (*Engine, *emulator.Reader) {
	t.Helper()
	reader := emulator.NewReader()
	e, err := New(reader, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, reader
}

func waitCard(t *testing.T, e *Engine) *Presence {
	t.Helper()
	p, err := e.WaitForCard(context.Background(), nil)
	if err != nil {
		t.Fatalf("WaitForCard: %v", err)
	}
	return p
}

func provision(t *testing.T, e *Engine, block secret.UserBlock, aux [secret.AuxSize]byte) *ProvisionResult {
	t.Helper()
	res, err := e.CustomizeCard(context.Background(), nil, block, aux)
	if err != nil {
		t.Fatalf("CustomizeCard: %v", err)
	}
	return res
}

func containsINS(log []byte, ins byte) bool {
	return bytes.IndexByte(log, ins) >= 0
}

// countingRecorder counts recorder events.
type countingRecorder struct {
	mu         sync.Mutex
	ops        map[string]int
	cycles     int
	suppressed int
	resets     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ops: map[string]int{}}
}

func (r *countingRecorder) Operation(op, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op+"/"+result]++
}

func (r *countingRecorder) FieldCycle(suppressed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if suppressed {
		r.suppressed++
		return
	}
	r.cycles++
}

func (r *countingRecorder) ReaderReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *countingRecorder) counts() (cycles, suppressed, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles, r.suppressed, r.resets
}
