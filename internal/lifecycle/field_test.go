package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFieldCyclerSuppressedWhileChannelHeld(t *testing.T) {
	reader := emulator.NewReader()
	ch := NewChannel(reader)
	rec := newCountingRecorder()
	cycler := NewFieldCycler(ch, time.Millisecond, time.Hour, quietLogger(), rec)

	_, release := ch.Acquire()
	cycled, err := cycler.CycleOnce(context.Background())
	if err != nil {
		t.Fatalf("CycleOnce: %v", err)
	}
	if cycled {
		t.Fatalf("field cycled while the channel was held")
	}
	if _, _, offs := reader.Stats(); offs != 0 {
		t.Fatalf("field switched off %d times during an operation", offs)
	}
	release()

	cycled, err = cycler.CycleOnce(context.Background())
	if err != nil {
		t.Fatalf("CycleOnce: %v", err)
	}
	if !cycled {
		t.Fatalf("expected a cycle on a free channel")
	}
	if _, _, offs := reader.Stats(); offs != 1 {
		t.Fatalf("field-off count %d, want 1", offs)
	}
	if cycles, suppressed, _ := rec.counts(); cycles != 1 || suppressed != 1 {
		t.Fatalf("recorded cycles=%d suppressed=%d, want 1 and 1", cycles, suppressed)
	}
}

func TestFieldCycleDropsCardSession(t *testing.T) {
	e, reader := newEngine(t, testConfig(t, desfire.KeyTypeAES))
	card := emulator.New(testUID, emulator.WithRandomID())
	reader.Insert(card)
	p := waitCard(t, e)
	tag := p.Tag.(*desfire.Tag)
	if !tag.Authenticated() {
		t.Fatalf("expected a PICC session after random-ID detection")
	}

	cycler := NewFieldCycler(e.Channel(), time.Millisecond, time.Hour, quietLogger(), nil)
	if cycled, err := cycler.CycleOnce(context.Background()); err != nil || !cycled {
		t.Fatalf("CycleOnce: cycled=%v err=%v", cycled, err)
	}
	if _, err := tag.GetCardUID(); err == nil {
		t.Fatalf("expected the card session to be gone after an RF cycle")
	}
}

func TestFieldCyclerRunStopsWithContext(t *testing.T) {
	reader := emulator.NewReader()
	rec := newCountingRecorder()
	cycler := NewFieldCycler(NewChannel(reader), time.Millisecond, 5*time.Millisecond, quietLogger(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cycler.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if cycles, _, _ := rec.counts(); cycles >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cycler did not run")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
