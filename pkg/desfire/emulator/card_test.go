package emulator_test

import (
	"bytes"
	"testing"

	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

func transmit(t *testing.T, card *emulator.Card, apdu []byte) (data []byte, status byte) {
	t.Helper()
	resp, err := card.Transmit(apdu)
	if err != nil {
		t.Fatalf("Transmit %X: %v", apdu, err)
	}
	if len(resp) < 2 || resp[len(resp)-2] != 0x91 {
		t.Fatalf("Transmit %X: unexpected response %X", apdu, resp)
	}
	return resp[:len(resp)-2], resp[len(resp)-1]
}

func TestGetVersionFramesAreIntact(t *testing.T) {
	uid := []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}
	card := emulator.New(uid)

	hw, st := transmit(t, card, []byte{0x90, 0x60, 0x00, 0x00, 0x00})
	if st != 0xAF || len(hw) != 7 || hw[0] != 0x04 {
		t.Fatalf("expected 7 byte hardware frame with 0xAF, got %X status 0x%02X", hw, st)
	}
	sw, st := transmit(t, card, []byte{0x90, 0xAF, 0x00, 0x00, 0x00})
	if st != 0xAF || len(sw) != 7 || sw[0] != 0x04 || sw[1] != 0x01 {
		t.Fatalf("expected 7 byte software frame with 0xAF, got %X status 0x%02X", sw, st)
	}
	prod, st := transmit(t, card, []byte{0x90, 0xAF, 0x00, 0x00, 0x00})
	if st != 0x00 || len(prod) != 14 {
		t.Fatalf("expected 14 byte production frame with 0x00, got %X status 0x%02X", prod, st)
	}
	if !bytes.Equal(prod[:7], uid) {
		t.Fatalf("production frame uid %X, want %X", prod[:7], uid)
	}
}

func TestClearFaultDisarmsPendingFault(t *testing.T) {
	card := emulator.New([]byte{0x04, 1, 2, 3, 4, 5, 6})
	card.InjectFault(emulator.Fault{AtCommand: 2})
	transmit(t, card, []byte{0x90, 0x64, 0x00, 0x00, 0x01, 0x00, 0x00})
	if !card.ClearFault() {
		t.Fatalf("expected the fault to be pending after one command")
	}
	transmit(t, card, []byte{0x90, 0x64, 0x00, 0x00, 0x01, 0x00, 0x00})
	if card.ClearFault() {
		t.Fatalf("expected no fault after ClearFault")
	}
}
