package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

const testDeviceYAML = `
name: radiology
remotes:
  PACS: {host: pacs.local, port: 104}
aes:
  PROXY:
    proxy:
      rules:
        - name: all
          destinations: [PACS]
      retries:
        - kind: connection
          delay: 1m
          max_retries: 5
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newCLIApp(&out).Run(append([]string{"dcmproxy"}, args...))
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte(testDeviceYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "check-config", "--config", path)
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	for _, want := range []string{`device "radiology" OK`, "PROXY: rules [all]", "retries [connection]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte("aes:\n  PROXY:\n    bogus: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "check-config", "--config", path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSpoolCommands(t *testing.T) {
	dir := t.TempDir()
	store, err := spool.New(afero.NewOsFs(), dir)
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	staged, err := store.Stage(&spool.Item{
		ProxyAET:       "PROXY",
		Command:        dimse.CStore,
		DestinationAET: "PACS",
		SourceAET:      "CT1",
		CallingAET:     "CT1",
		Rule:           "all",
		StudyIUID:      "1.2.3",
		SOPInstanceUID: "1.2.3.4",
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
	}, []byte("payload"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := store.Claim(staged); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if _, err := runCLI(t, "spool", "ls", "--dir", dir); err == nil {
		t.Fatal("expected error without --aet")
	}

	out, err := runCLI(t, "spool", "ls", "--dir", dir, "--aet", "PROXY")
	if err != nil {
		t.Fatalf("spool ls: %v", err)
	}
	if !strings.Contains(out, "PACS") || !strings.Contains(out, "pending (claimed)") || !strings.Contains(out, "1 items") {
		t.Fatalf("unexpected ls output:\n%s", out)
	}

	out, err = runCLI(t, "spool", "reset", "--dir", dir)
	if err != nil {
		t.Fatalf("spool reset: %v", err)
	}
	if !strings.HasPrefix(out, "1 claimed items returned") {
		t.Fatalf("unexpected reset output: %q", out)
	}

	out, err = runCLI(t, "spool", "ls", "--dir", dir, "--aet", "PROXY", "--state", "failed")
	if err != nil {
		t.Fatalf("spool ls failed: %v", err)
	}
	if !strings.Contains(out, "0 items") {
		t.Fatalf("unexpected filtered output:\n%s", out)
	}
}
