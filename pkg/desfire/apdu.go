package desfire

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/skythen/apdu"
)

const (
	nativeCLA  = 0x90
	insAddlFrm = 0xAF
)

// WrapNative builds the ISO 7816-4 wrapping of a DESFire native command:
// 90 INS 00 00 [Lc data] 00.
func WrapNative(ins byte, data []byte) []byte {
	c := apdu.Capdu{
		Cla:  nativeCLA,
		Ins:  ins,
		P1:   0x00,
		P2:   0x00,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	}
	return c.Bytes()
}

// exchange sends one wrapped native command frame.
func exchange(card Card, ins byte, data []byte) ([]byte, uint16, error) {
	raw := WrapNative(ins, data)
	resp, sw, err := Transmit(card, raw)
	if err != nil {
		return nil, 0, err
	}
	slog.Debug("desfire exchange",
		"ins", hexByte(ins),
		"capdu", strings.ToUpper(hex.EncodeToString(raw)),
		"resp", strings.ToUpper(hex.EncodeToString(resp)),
		"sw", hexSW(sw))
	return resp, sw, nil
}

// exchangeChained sends a command and keeps requesting additional frames
// while the card answers 91AF. The returned data is the concatenation of
// every frame and sw is the final status.
func exchangeChained(card Card, ins byte, data []byte) ([]byte, uint16, error) {
	out, sw, err := exchange(card, ins, data)
	if err != nil {
		return nil, 0, err
	}
	for sw == SWMoreData {
		var frame []byte
		frame, sw, err = exchange(card, insAddlFrm, nil)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, frame...)
	}
	return out, sw, nil
}

// MaxFrameData is the largest command data field sent in one frame. Longer
// commands continue in additional frames (INS 0xAF).
const MaxFrameData = 52

// exchangeLong sends command data that may exceed one frame. Every
// intermediate frame must be acknowledged with 91AF.
func exchangeLong(card Card, ins byte, data []byte) ([]byte, uint16, error) {
	n := min(len(data), MaxFrameData)
	resp, sw, err := exchange(card, ins, data[:n])
	if err != nil {
		return nil, 0, err
	}
	rest := data[n:]
	for len(rest) > 0 {
		if sw != SWMoreData {
			return resp, sw, nil
		}
		n = min(len(rest), MaxFrameData)
		resp, sw, err = exchange(card, insAddlFrm, rest[:n])
		if err != nil {
			return nil, 0, err
		}
		rest = rest[n:]
	}
	return resp, sw, nil
}

func hexByte(b byte) string {
	return strings.ToUpper(hex.EncodeToString([]byte{b}))
}

func hexSW(sw uint16) string {
	return strings.ToUpper(hex.EncodeToString([]byte{byte(sw >> 8), byte(sw)}))
}
