package desfire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"
)

// Tech is the card technology reported by the reader.
type Tech int

const (
	TechUnknown  Tech = iota
	TechClassic       // MIFARE Classic storage card
	TechISO14443      // ISO 14443-4 card (DESFire and others)
)

func (t Tech) String() string {
	switch t {
	case TechClassic:
		return "classic"
	case TechISO14443:
		return "iso14443-4"
	default:
		return "unknown"
	}
}

// Target is a card found in the field by Poll.
type Target struct {
	UID  []byte // Anti-collision UID (4 bytes random or 7 bytes fixed)
	ATR  []byte // ATR synthesized by the reader
	Tech Tech
	Card Card // Transport for APDUs to this card
}

// PC/SC part 3 registered application provider ID for storage cards.
var pcscStorageRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// ClassifyATR derives the card technology from a contactless ATR.
// Storage cards carry the PC/SC RID followed by standard and card name;
// names 0x0001, 0x0002 and 0x0026 are MIFARE Classic 1K, 4K and Mini.
func ClassifyATR(atr []byte) Tech {
	idx := bytes.Index(atr, pcscStorageRID)
	if idx < 0 {
		if len(atr) > 0 {
			return TechISO14443
		}
		return TechUnknown
	}
	nameAt := idx + len(pcscStorageRID) + 1
	if len(atr) < nameAt+2 {
		return TechUnknown
	}
	switch uint16(atr[nameAt])<<8 | uint16(atr[nameAt+1]) {
	case 0x0001, 0x0002, 0x0026:
		return TechClassic
	default:
		return TechUnknown
	}
}

// Reader wraps a PC/SC reader. It connects to whatever card is in the
// field on each Poll.
type Reader struct {
	ctx       *scard.Context
	card      *scard.Card
	Name      string
	ReaderIdx int
}

// OpenReader establishes a PC/SC context and picks a reader.
//
// Parameters:
//   - readerIndex: Index of the reader to use (0-based)
//
// Returns:
//   - Reader with an established context and no card connected
//   - Error if no reader is available
func OpenReader(readerIndex int) (*Reader, error) {
	r := &Reader{ReaderIdx: readerIndex}
	if err := r.establish(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) establish() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return fmt.Errorf("no readers found: %v", err)
	}
	if r.ReaderIdx < 0 || r.ReaderIdx >= len(readers) {
		ctx.Release()
		return fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}
	r.ctx = ctx
	r.Name = readers[r.ReaderIdx]
	return nil
}

// Close disconnects the card and releases the PC/SC context.
func (r *Reader) Close() {
	if r == nil {
		return
	}
	r.disconnect(scard.LeaveCard)
	if r.ctx != nil {
		_ = r.ctx.Release()
		r.ctx = nil
	}
}

func (r *Reader) disconnect(d scard.Disposition) {
	if r.card != nil {
		_ = r.card.Disconnect(d)
		r.card = nil
	}
}

// Poll checks the field once. It returns ErrNoCard when the field is empty.
// A card left connected by a previous Poll is reset first so every
// presence event starts from a fresh activation.
func (r *Reader) Poll(ctx context.Context) (*Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.ctx == nil {
		return nil, fmt.Errorf("reader not established")
	}
	r.disconnect(scard.ResetCard)

	states := []scard.ReaderState{{Reader: r.Name, CurrentState: scard.StateUnaware}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return nil, mapSCardError("GetStatusChange", err)
	}
	if states[0].EventState&scard.StatePresent == 0 {
		return nil, ErrNoCard
	}

	card, err := r.ctx.Connect(r.Name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrRemovedCard) {
			return nil, ErrNoCard
		}
		return nil, mapSCardError("connect", err)
	}
	r.card = card

	status, err := card.Status()
	if err != nil {
		r.disconnect(scard.LeaveCard)
		return nil, mapSCardError("status", err)
	}
	uid, err := GetUID(r)
	if err != nil {
		r.disconnect(scard.LeaveCard)
		return nil, fmt.Errorf("get UID: %w", err)
	}
	return &Target{UID: uid, ATR: status.Atr, Tech: ClassifyATR(status.Atr), Card: r}, nil
}

// Transmit sends an APDU to the connected card (implements Card interface).
func (r *Reader) Transmit(apdu []byte) ([]byte, error) {
	if r == nil || r.card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	resp, err := r.card.Transmit(apdu)
	if err != nil {
		return nil, mapSCardError("transmit", err)
	}
	return resp, nil
}

// FieldOff powers the card down. PC/SC has no portable RF switch; unpowering
// the card on disconnect drops the field for it until the next Poll.
func (r *Reader) FieldOff() error {
	if r.card == nil {
		return nil
	}
	err := r.card.Disconnect(scard.UnpowerCard)
	r.card = nil
	if err != nil {
		return mapSCardError("unpower", err)
	}
	return nil
}

// FieldOn is a no-op; the next Poll powers the card again.
func (r *Reader) FieldOn() error {
	return nil
}

// Reset drops the card and re-establishes the PC/SC context, recovering a
// reader that stopped answering.
func (r *Reader) Reset() error {
	r.disconnect(scard.ResetCard)
	if r.ctx != nil {
		_ = r.ctx.Release()
		r.ctx = nil
	}
	if err := r.establish(); err != nil {
		return err
	}
	slog.Debug("reader reset", "reader", r.Name)
	return nil
}

// mapSCardError classifies PC/SC failures into ErrCardRemoved and
// ErrTimeout, keeping the original error in the chain.
func mapSCardError(op string, err error) error {
	switch {
	case errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrUnpoweredCard):
		return fmt.Errorf("%s: %w: %w", op, ErrCardRemoved, err)
	case errors.Is(err, scard.ErrTimeout),
		errors.Is(err, scard.ErrUnresponsiveCard),
		errors.Is(err, scard.ErrNotTransacted),
		errors.Is(err, scard.ErrCommDataLost):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
