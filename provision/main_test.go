package main

import (
	"strings"
	"testing"
)

func TestParseAux(t *testing.T) {
	aux, generated, err := parseAux("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatalf("parseAux returned error: %v", err)
	}
	if generated || aux[15] != 0x0F {
		t.Fatalf("unexpected aux %X (generated=%v)", aux, generated)
	}

	a1, generated, err := parseAux("")
	if err != nil || !generated {
		t.Fatalf("expected generated aux, got err=%v generated=%v", err, generated)
	}
	a2, _, _ := parseAux("  ")
	if a1 == a2 {
		t.Fatalf("expected distinct random aux values")
	}

	if _, _, err := parseAux("0011"); err == nil || !strings.Contains(err.Error(), "16 bytes") {
		t.Fatalf("expected length error, got %v", err)
	}
	if _, _, err := parseAux("zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}
