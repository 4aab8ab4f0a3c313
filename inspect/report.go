package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// report is what inspect learned about one card. Fields stay zero when the
// matching command failed; the failure is kept in errs.
type report struct {
	UID          []byte
	ATR          []byte
	Tech         desfire.Tech
	Version      *desfire.TagVersion
	KeySettings  byte
	KeyCount     byte
	KeyVersion   byte
	HaveSettings bool
	HaveVersion  bool
	Apps         []desfire.AID
	HaveApps     bool
	AppPresent   bool
	Probes       []desfire.KeyProbeResult
	errs         []string
}

func (r *report) fail(step string, err error) {
	r.errs = append(r.errs, fmt.Sprintf("%s: %v", step, err))
}

// inspectCard reads everything that needs no key, then probes the PICC
// master key slot with each candidate. aid 0 skips the application check.
func inspectCard(target *desfire.Target, aid desfire.AID, probes []desfire.KeyProbe) *report {
	r := &report{UID: target.UID, ATR: target.ATR, Tech: target.Tech}
	if target.Tech != desfire.TechISO14443 {
		return r
	}
	tag := desfire.NewTag(target.Card)

	if v, err := tag.GetVersion(); err != nil {
		r.fail("GetVersion", err)
	} else {
		r.Version = v
	}
	if err := tag.SelectApplication(desfire.PICCAID); err != nil {
		r.fail("select PICC", err)
		return r
	}
	if settings, count, err := tag.GetKeySettings(); err != nil {
		r.fail("GetKeySettings", err)
	} else {
		r.KeySettings, r.KeyCount, r.HaveSettings = settings, count, true
	}
	if kv, err := tag.GetKeyVersion(0); err != nil {
		r.fail("GetKeyVersion", err)
	} else {
		r.KeyVersion, r.HaveVersion = kv, true
	}
	if apps, err := tag.GetApplicationIDs(); err != nil {
		r.fail("GetApplicationIDs", err)
	} else {
		r.Apps, r.HaveApps = apps, true
		for _, a := range apps {
			if aid != 0 && a == aid {
				r.AppPresent = true
			}
		}
	}
	if len(probes) > 0 {
		r.Probes = desfire.DiagnoseKeys(tag, 0, probes)
	}
	return r
}

func printReport(w io.Writer, r *report, aid desfire.AID) {
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "UID:  %X\n", r.UID)
	fmt.Fprintf(w, "ATR:  %X\n", r.ATR)
	fmt.Fprintf(w, "Tech: %s\n", r.Tech)
	if r.Version != nil {
		fmt.Fprintf(w, "Version: %s\n", r.Version)
		fmt.Fprintf(w, "  Batch %X, produced week %02X of 20%02X\n", r.Version.BatchNo, r.Version.ProdWeek, r.Version.ProdYear)
	}
	if r.HaveSettings {
		fmt.Fprintf(w, "PICC key settings: 0x%02X (%d keys)\n", r.KeySettings, r.KeyCount)
	}
	if r.HaveVersion {
		state := "personalized"
		if r.KeyVersion == 0 {
			state = "factory"
		}
		fmt.Fprintf(w, "PICC key version: 0x%02X (%s)\n", r.KeyVersion, state)
	}
	if r.HaveApps {
		ids := make([]string, len(r.Apps))
		for i, a := range r.Apps {
			ids[i] = a.String()
		}
		fmt.Fprintf(w, "Applications: [%s]\n", strings.Join(ids, " "))
		if aid != 0 {
			fmt.Fprintf(w, "Secret application %s present: %v\n", aid, r.AppPresent)
		}
	}
	for _, p := range r.Probes {
		if p.Success {
			fmt.Fprintf(w, "Key probe %-10s slot %d: OK\n", p.Label, p.KeyNo)
			continue
		}
		fmt.Fprintf(w, "Key probe %-10s slot %d: failed", p.Label, p.KeyNo)
		if p.Step != "" {
			fmt.Fprintf(w, " at %s (SW=0x%04X, %d bytes)", p.Step, p.SW, p.RespLen)
		}
		fmt.Fprintln(w)
	}
	for _, e := range r.errs {
		fmt.Fprintf(w, "Warning: %s\n", e)
	}
}
