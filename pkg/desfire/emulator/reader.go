package emulator

import (
	"context"
	"sync"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// Reader is an emulated contactless reader holding at most one card.
// It offers the same Poll/FieldOff/FieldOn/Reset surface as desfire.Reader.
type Reader struct {
	mu        sync.Mutex
	card      *Card
	fieldOff  bool
	pollErr   error
	polls     int
	resets    int
	fieldOffs int
}

// NewReader returns an empty reader.
func NewReader() *Reader {
	return &Reader{}
}

// Insert places a card in the field.
func (r *Reader) Insert(c *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = c
}

// Remove takes the card out of the field.
func (r *Reader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
}

// FailPolls makes every Poll return err until cleared with nil.
func (r *Reader) FailPolls(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollErr = err
}

// Poll reports the card in the field, activating it afresh.
func (r *Reader) Poll(ctx context.Context) (*desfire.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.pollErr != nil {
		return nil, r.pollErr
	}
	if r.card == nil || r.fieldOff {
		return nil, desfire.ErrNoCard
	}
	r.card.Activate()
	atr := r.card.ATR()
	return &desfire.Target{
		UID:  r.card.AnticollisionUID(),
		ATR:  atr,
		Tech: desfire.ClassifyATR(atr),
		Card: r.card,
	}, nil
}

// FieldOff switches the RF field off; the card loses its session.
func (r *Reader) FieldOff() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldOff = true
	r.fieldOffs++
	if r.card != nil {
		r.card.Activate()
	}
	return nil
}

// FieldOn switches the RF field back on.
func (r *Reader) FieldOn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldOff = false
	return nil
}

// Reset reinitializes the reader.
func (r *Reader) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.fieldOff = false
	r.pollErr = nil
	return nil
}

// Stats returns the number of polls, resets and field-off cycles.
func (r *Reader) Stats() (polls, resets, fieldOffs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls, r.resets, r.fieldOffs
}
