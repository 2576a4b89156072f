package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/spf13/afero"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, ""},
		{"config", fmt.Errorf("wrap: %w", &ConfigError{Msg: "bad template"}), FailureConfiguration},
		{"no pc", fmt.Errorf("store: %w", ErrNoPresentationContext), FailureIncompatible},
		{"reject", &RejectError{Result: 1, Source: 1, Reason: 7}, FailureReject},
		{"abort", &AbortError{Source: 2}, FailureAbort},
		{"status", &StatusError{Status: StatusOutOfResources}, StatusFailure(StatusOutOfResources)},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, FailureConnection},
		{"deadline", context.DeadlineExceeded, FailureConnection},
		{"other", errors.New("boom"), FailureGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.err); got != tc.want {
				t.Fatalf("ClassifyFailure(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestFailureKindSuffixes(t *testing.T) {
	k := StatusFailure(StatusOutOfResources)
	if k.Suffix() != ".A700H" {
		t.Fatalf("suffix = %q", k.Suffix())
	}
	s, ok := k.Status()
	if !ok || s != StatusOutOfResources {
		t.Fatalf("Status() = %v %v", s, ok)
	}
	for _, in := range []string{"connection", ".conn", "CONNECTION"} {
		got, err := ParseFailureKind(in)
		if err != nil || got != FailureConnection {
			t.Fatalf("ParseFailureKind(%q) = %q, %v", in, got, err)
		}
	}
	got, err := ParseFailureKind(".A700H")
	if err != nil || got != k {
		t.Fatalf("ParseFailureKind(.A700H) = %q, %v", got, err)
	}
	if _, err := ParseFailureKind(".bogus"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusPending.IsPending() || StatusPending.IsFailure() {
		t.Fatal("pending misclassified")
	}
	if !StatusWarning.IsWarning() || StatusWarning.IsFailure() {
		t.Fatal("warning misclassified")
	}
	if !StatusOutOfResources.IsFailure() {
		t.Fatal("A700 should be a failure")
	}
	if StatusCancel.IsFailure() {
		t.Fatal("cancel is not a failure")
	}
	if s, err := ParseStatusHex("c001h"); err != nil || s != StatusUnableToProcess {
		t.Fatalf("ParseStatusHex = %v, %v", s, err)
	}
}

func TestParseCommand(t *testing.T) {
	for in, want := range map[string]Command{"C-STORE": CStore, "cstore": CStore, "n-action": NAction, "NCREATE": NCreate} {
		got, err := ParseCommand(in)
		if err != nil || got != want {
			t.Fatalf("ParseCommand(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCommand("C-FOO"); err == nil {
		t.Fatal("expected error")
	}
	if CStore.Dir() != "cstore" || NEventReport.Dir() != "neventreport" {
		t.Fatal("unexpected Dir()")
	}
}

func TestDirDialer_StoresObjects(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := DirDialer{Fs: fs}
	assoc, err := d.Dial(context.Background(), Peer{AETitle: "ARCHIVE", Dir: "/drop"}, AssociateRequest{
		PresentationContexts: []PresentationContext{{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.4", TransferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}}},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, ok := assoc.Accepted().AcceptedContext("1.2.840.10008.5.1.4.1.1.4"); !ok {
		t.Fatal("expected accepted context")
	}
	rsp, err := assoc.Send(context.Background(), &Request{
		Command:        CStore,
		SOPInstanceUID: "1.2.3.4",
		Attrs:          Attributes{KeyStudyInstanceUID: "1.2.3"},
		Data:           []byte("payload"),
	}, nil)
	if err != nil || !rsp.Status.IsSuccess() {
		t.Fatalf("Send: %v %v", rsp.Status, err)
	}
	got, err := afero.ReadFile(fs, filepath.Join("/drop", "1.2.3", "1.2.3.4.dcm"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("stored file = %q, %v", got, err)
	}

	rsp, _ = assoc.Send(context.Background(), &Request{Command: CFind}, nil)
	if rsp.Status != StatusSOPClassNotSupp {
		t.Fatalf("C-FIND status = %v", rsp.Status)
	}
}

func TestDirDialer_ConfinesUIDsToDropDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	assoc, err := DirDialer{Fs: fs}.Dial(context.Background(), Peer{AETitle: "PACS", Dir: "/drop/pacs"}, AssociateRequest{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rsp, err := assoc.Send(context.Background(), &Request{
		Command:        CStore,
		SOPInstanceUID: "../../../etc/evil",
		Attrs:          Attributes{KeyStudyInstanceUID: ".."},
		Data:           []byte("payload"),
	}, nil)
	if err != nil || !rsp.Status.IsSuccess() {
		t.Fatalf("Send: %v %v", rsp.Status, err)
	}
	if ok, _ := afero.Exists(fs, "/etc/evil.dcm"); ok {
		t.Fatal("object written outside the drop directory")
	}
	got, err := afero.ReadFile(fs, filepath.Join("/drop/pacs", "_", ".._.._.._etc_evil.dcm"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("stored file = %q, %v", got, err)
	}
}

func TestPathElement(t *testing.T) {
	cases := map[string]string{
		"1.2.3":       "1.2.3",
		" CT1 ":       "CT1",
		"":            "_",
		"..":          "_",
		"a/b\\c":      "a_b_c",
		"../x":        ".._x",
		"nul\x00byte": "nul_byte",
	}
	for in, want := range cases {
		if got := PathElement(in); got != want {
			t.Errorf("PathElement(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMultiDialer_NoNetworkTransportIsConfigError(t *testing.T) {
	m := MultiDialer{Dir: DirDialer{Fs: afero.NewMemMapFs()}}
	_, err := m.Dial(context.Background(), Peer{AETitle: "PACS", Host: "pacs", Port: 104}, AssociateRequest{})
	if ClassifyFailure(err) != FailureConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
}
