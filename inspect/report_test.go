package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/barnettlynn/doorkey/pkg/desfire"
	"github.com/barnettlynn/doorkey/pkg/desfire/emulator"
)

const testAID desfire.AID = 0xD0A1B2

func poll(t *testing.T, card *emulator.Card) *desfire.Target {
	t.Helper()
	reader := emulator.NewReader()
	reader.Insert(card)
	target, err := reader.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return target
}

func TestInspectFactoryCard(t *testing.T) {
	uid := []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}
	probes := []desfire.KeyProbe{{Label: "factory", Key: desfire.FactoryPICCKey()}}

	r := inspectCard(poll(t, emulator.New(uid)), testAID, probes)
	if len(r.errs) != 0 {
		t.Fatalf("unexpected errors: %v", r.errs)
	}
	if r.Version == nil || r.Version.HWVendorID != desfire.VendorNXP {
		t.Fatalf("expected NXP version, got %v", r.Version)
	}
	if !r.HaveVersion || r.KeyVersion != 0 {
		t.Fatalf("expected factory key version, got %d", r.KeyVersion)
	}
	if !r.HaveApps || len(r.Apps) != 0 || r.AppPresent {
		t.Fatalf("expected no applications, got %v", r.Apps)
	}
	if len(r.Probes) != 1 || !r.Probes[0].Success {
		t.Fatalf("expected factory key to authenticate, got %+v", r.Probes)
	}

	var out bytes.Buffer
	printReport(&out, r, testAID)
	for _, want := range []string{"UID:  04A1B2C3D4E5F6", "PICC key version: 0x00 (factory)", "Key probe factory    slot 0: OK"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in report:\n%s", want, out.String())
		}
	}
}

func TestInspectForeignKeyProbeFails(t *testing.T) {
	foreign, err := desfire.NewKey(desfire.KeyTypeAES, bytes.Repeat([]byte{0x5A}, 16), 0x10)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	card := emulator.New([]byte{0x04, 1, 2, 3, 4, 5, 6}, emulator.WithPICCKey(foreign))
	probes := []desfire.KeyProbe{
		{Label: "factory", Key: desfire.FactoryPICCKey()},
		{Label: "master", Key: foreign},
	}

	r := inspectCard(poll(t, card), testAID, probes)
	if r.KeyVersion != 0x10 {
		t.Fatalf("expected key version 0x10, got 0x%02X", r.KeyVersion)
	}
	if len(r.Probes) != 2 || r.Probes[0].Success || !r.Probes[1].Success {
		t.Fatalf("expected factory to fail and master to succeed, got %+v", r.Probes)
	}
}

func TestInspectClassicStopsAfterIdentity(t *testing.T) {
	r := inspectCard(poll(t, emulator.NewClassic([]byte{1, 2, 3, 4})), testAID, nil)
	if r.Tech != desfire.TechClassic || r.Version != nil || r.HaveApps {
		t.Fatalf("expected identity only for a classic card, got %+v", r)
	}
}
