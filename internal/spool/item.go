package spool

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// State is the persisted delivery state of an item.
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Item is one object queued for one destination. Its sidecar is the source
// of truth for everything except the payload bytes.
type Item struct {
	ProxyAET       string
	Command        dimse.Command
	DestinationAET string
	SourceAET      string
	// CallingAET is the calling AE title used on the outbound association.
	CallingAET     string
	Rule           string
	StudyIUID      string
	SOPInstanceUID string
	SOPClassUID    string
	TransferSyntax string
	PatientID      string
	Hostname       string
	Size           int64
	Digest         string
	EnqueuedAt     time.Time
	Attempts       int
	FailureKind    dimse.FailureKind
	LastAttemptAt  time.Time
	State          State

	// Claimed is set on items read from a claimed sidecar.
	Claimed bool
}

// ID identifies the item inside the store: its relative path without suffix.
func (it *Item) ID() string {
	return path.Join(itemDir(it), safeName(it.SOPInstanceUID))
}

// Unresolved reports whether the destination still has to be computed
// from the item's rule.
func (it *Item) Unresolved() bool { return it.DestinationAET == "" }

// Request rebuilds the DIMSE request that delivers the item.
func (it *Item) Request(data []byte) *dimse.Request {
	return &dimse.Request{
		Command:        it.Command,
		SOPClassUID:    it.SOPClassUID,
		SOPInstanceUID: it.SOPInstanceUID,
		TransferSyntax: it.TransferSyntax,
		Attrs:          it.Attributes(),
		Data:           data,
	}
}

// Attributes returns the routing attributes recorded for the item.
func (it *Item) Attributes() dimse.Attributes {
	attrs := dimse.Attributes{
		dimse.KeyStudyInstanceUID: it.StudyIUID,
		dimse.KeySOPInstanceUID:   it.SOPInstanceUID,
	}
	for k, v := range map[string]string{
		dimse.KeySOPClassUID:       it.SOPClassUID,
		dimse.KeyTransferSyntaxUID: it.TransferSyntax,
		dimse.KeyPatientID:         it.PatientID,
	} {
		if v != "" {
			attrs[k] = v
		}
	}
	return attrs
}

func (it *Item) marshal() []byte {
	var b bytes.Buffer
	kv := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s=%s\n", k, v)
		}
	}
	kv("hostname", it.Hostname)
	kv("proxy-aet", it.ProxyAET)
	kv("command", string(it.Command))
	kv("patient-id", it.PatientID)
	kv("study-iuid", it.StudyIUID)
	kv("sop-instance-uid", it.SOPInstanceUID)
	kv("sop-class-uid", it.SOPClassUID)
	kv("transfer-syntax-uid", it.TransferSyntax)
	kv("source-aet", it.SourceAET)
	kv("destination-aet", it.DestinationAET)
	kv("calling-aet", it.CallingAET)
	kv("rule", it.Rule)
	kv("size", strconv.FormatInt(it.Size, 10))
	kv("digest", it.Digest)
	kv("enqueued-at", formatTime(it.EnqueuedAt))
	kv("attempts", strconv.Itoa(it.Attempts))
	kv("failure-kind", string(it.FailureKind))
	kv("last-attempt-at", formatTime(it.LastAttemptAt))
	kv("state", string(it.State))
	return b.Bytes()
}

func unmarshalItem(data []byte) (*Item, error) {
	it := &Item{State: StatePending}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("sidecar line %d: missing '='", line)
		}
		var err error
		switch k {
		case "hostname":
			it.Hostname = v
		case "proxy-aet":
			it.ProxyAET = v
		case "command":
			it.Command, err = dimse.ParseCommand(v)
		case "patient-id":
			it.PatientID = v
		case "study-iuid":
			it.StudyIUID = v
		case "sop-instance-uid":
			it.SOPInstanceUID = v
		case "sop-class-uid":
			it.SOPClassUID = v
		case "transfer-syntax-uid":
			it.TransferSyntax = v
		case "source-aet":
			it.SourceAET = v
		case "destination-aet":
			it.DestinationAET = v
		case "calling-aet":
			it.CallingAET = v
		case "rule":
			it.Rule = v
		case "size":
			it.Size, err = strconv.ParseInt(v, 10, 64)
		case "digest":
			it.Digest = v
		case "enqueued-at":
			it.EnqueuedAt, err = parseTime(v)
		case "attempts":
			it.Attempts, err = strconv.Atoi(v)
		case "failure-kind":
			it.FailureKind, err = dimse.ParseFailureKind(v)
		case "last-attempt-at":
			it.LastAttemptAt, err = parseTime(v)
		case "state":
			it.State = State(v)
		}
		if err != nil {
			return nil, fmt.Errorf("sidecar line %d (%s): %w", line, k, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if it.SOPInstanceUID == "" || it.Command == "" {
		return nil, fmt.Errorf("sidecar: missing sop-instance-uid or command")
	}
	return it, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
