package config

import (
	"strings"
	"testing"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

const sampleDevice = `
name: radiology
remotes:
  PACS: {host: pacs.local, port: 104}
  ARCHIVE: {dir: /data/drop}
aes:
  PROXY:
    transfer_capabilities:
      - sop_class: "*"
        transfer_syntaxes: ["1.2.840.10008.1.2", "1.2.840.10008.1.2.1"]
    proxy:
      accept_data_on_failed_association: true
      enable_audit_log: true
      rules:
        - name: ct-daytime
          calling_aets: [CT1]
          commands: [C-STORE]
          receive: {days: Mon-Fri, hours: 8-18}
          destinations: [PACS, ARCHIVE]
        - name: by-modality
          destination_template: "attrs.Modality === 'MR' ? 'PACS' : 'ARCHIVE'"
      options:
        ARCHIVE:
          schedule: {hours: 20-6}
      retries:
        - kind: connection
          delay: 5m
          max_retries: 12
        - kind: status:A700
          delay: 1m
          max_retries: 3
  ECHO: {}
`

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice(strings.NewReader(sampleDevice))
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}
	assertEqual(t, "Name", d.Name, "radiology")
	assertEqual(t, "ArchiveDir", d.Remotes["ARCHIVE"].Dir, "/data/drop")
	assertEqual(t, "PacsPort", d.Remotes["PACS"].Port, 104)

	ae := d.AEs["PROXY"]
	if !ae.IsProxy() || d.AEs["ECHO"].IsProxy() {
		t.Fatal("proxy extension mismatch")
	}
	p := ae.Proxy
	assertEqual(t, "Rules", len(p.Rules), 2)
	r := p.Rules[0]
	assertEqual(t, "Commands", len(r.Commands), 1)
	assertEqual(t, "Command", r.Commands[0], dimse.CStore)
	assertEqual(t, "ReceiveDays", r.Receive.Days(), "Mon-Fri")
	if !p.Rules[1].HasTemplate() {
		t.Fatal("expected template rule")
	}
	rec, ok := p.RetryFor(dimse.FailureConnection)
	if !ok || rec.Delay != 5*time.Minute || rec.MaxRetries != 12 {
		t.Fatalf("connection retry = %+v %v", rec, ok)
	}
	if _, ok := p.RetryFor(dimse.StatusFailure(dimse.StatusOutOfResources)); !ok {
		t.Fatal("expected status retry record")
	}
	night := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	if !p.DestinationActive("ARCHIVE", night) {
		t.Fatal("ARCHIVE should be active at night")
	}
}

func TestParseDevice_CollectsErrors(t *testing.T) {
	const bad = `
remotes:
  PACS: {host: pacs.local, port: 0}
  NOWHERE: {}
aes:
  PROXY:
    proxy:
      rules:
        - name: r1
          commands: [C-FOO]
          receive: {days: Funday}
          destinations: [PACS]
      retries:
        - kind: sometimes
          delay: 1m
`
	_, err := ParseDevice(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"port must be", "host or dir", "C-FOO", "Funday", "sometimes"} {
		assertContains(t, err.Error(), want)
	}
}

func TestParseDevice_UnknownKey(t *testing.T) {
	_, err := ParseDevice(strings.NewReader("name: x\nbogus: 1\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseDevice_ValidatesReferences(t *testing.T) {
	const dangling = `
aes:
  PROXY:
    proxy:
      rules:
        - name: r1
          destinations: [GHOST]
`
	_, err := ParseDevice(strings.NewReader(dangling))
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "unknown destination")
}
