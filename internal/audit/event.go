// Package audit turns the per-object audit records left in the spool into
// study-level events and stores or publishes them.
package audit

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

// EventType identifies what an Event reports.
type EventType string

const (
	InstancesTransferred EventType = "instances-transferred"
	InstancesDeleted     EventType = "instances-deleted"
	ApplicationStart     EventType = "application-start"
	ApplicationStop      EventType = "application-stop"
)

// Event is one audit message.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	Hostname   string            `json:"hostname,omitempty"`
	ProxyAET   string            `json:"proxy_aet,omitempty"`
	RemoteAET  string            `json:"remote_aet,omitempty"`
	SourceAET  string            `json:"source_aet,omitempty"`
	CallingAET string            `json:"calling_aet,omitempty"`
	StudyIUID  string            `json:"study_iuid,omitempty"`
	PatientID  string            `json:"patient_id,omitempty"`
	Objects    int               `json:"objects"`
	Bytes      int64             `json:"bytes"`
	SOPClasses []string          `json:"sop_classes,omitempty"`
	FirstAt    time.Time         `json:"first_at,omitzero"`
	LastAt     time.Time         `json:"last_at,omitzero"`
	Elapsed    time.Duration     `json:"elapsed_ns"`
	Failure    dimse.FailureKind `json:"failure_kind,omitempty"`
}

// Sink consumes audit events. Emit must not block the caller for long. A
// nil error means the sink has taken responsibility for the event.
type Sink interface {
	Emit(Event) error
}

// MultiSink emits every event to each of its sinks in order and joins
// their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// groupEventID is stable for a group, so an event emitted again after a
// partial sink failure is recognized as the same event.
func groupEventID(g spool.AuditGroup, hostname string) string {
	name := hostname + "|" + string(g.Tree) + "|" + g.ID() + "|" + strconv.FormatInt(g.Started.UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// EventFromGroup summarizes a finalized audit group. Elapsed spans from the
// group's start marker to its last record.
func EventFromGroup(g spool.AuditGroup, hostname string, now time.Time) Event {
	ev := Event{
		ID:        groupEventID(g, hostname),
		Type:      InstancesTransferred,
		At:        now,
		Hostname:  hostname,
		ProxyAET:  g.ProxyAET,
		RemoteAET: g.RemoteAET,
		SourceAET: g.SourceAET,
		StudyIUID: g.StudyIUID,
		Objects:   len(g.Records),
	}
	if g.Tree == spool.TreeFailed {
		ev.Type = InstancesDeleted
	}
	classes := make(map[string]bool)
	for _, r := range g.Records {
		ev.Bytes += r.Size
		if r.SOPClassUID != "" {
			classes[r.SOPClassUID] = true
		}
		if ev.PatientID == "" {
			ev.PatientID = r.PatientID
		}
		if ev.CallingAET == "" {
			ev.CallingAET = r.CallingAET
		}
		if ev.Failure == "" {
			ev.Failure = r.FailureKind
		}
		if ev.FirstAt.IsZero() || r.At.Before(ev.FirstAt) {
			ev.FirstAt = r.At
		}
		if r.At.After(ev.LastAt) {
			ev.LastAt = r.At
		}
	}
	for c := range classes {
		ev.SOPClasses = append(ev.SOPClasses, c)
	}
	sort.Strings(ev.SOPClasses)
	if !g.Started.IsZero() && ev.LastAt.After(g.Started) {
		ev.Elapsed = ev.LastAt.Sub(g.Started)
	}
	return ev
}

// LifecycleEvent builds an ApplicationStart or ApplicationStop event.
func LifecycleEvent(t EventType, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, At: now, Hostname: Hostname()}
}

// Hostname returns the local host name, or "" when it cannot be read.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
