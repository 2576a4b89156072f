package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/audit"
	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/proxy"
	"github.com/dcmproxy/dcmproxy/internal/retry"
	"github.com/dcmproxy/dcmproxy/internal/rule"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

// ControlPlaneService provides all control plane operations.
// Handlers call its methods; business logic lives here, not in handlers.
type ControlPlaneService struct {
	Runtime   *Runtime
	Store     *spool.Store
	Handler   *proxy.Handler
	Scheduler *retry.Scheduler
	AuditRepo *audit.Repo
}

// ------------------------------------------------------------------
// Application entities
// ------------------------------------------------------------------

// AESummary describes one local application entity.
type AESummary struct {
	AETitle      string   `json:"ae_title"`
	Proxy        bool     `json:"proxy"`
	Rules        []string `json:"rules,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
	AuditLog     bool     `json:"audit_log"`
}

// ListAEs returns the configured AEs sorted by title.
func (s *ControlPlaneService) ListAEs() []AESummary {
	dev := s.Runtime.Device()
	out := make([]AESummary, 0, len(dev.AEs))
	for _, ae := range dev.AEs {
		sum := AESummary{AETitle: ae.AETitle, Proxy: ae.IsProxy()}
		if ae.IsProxy() {
			seen := make(map[string]bool)
			for _, r := range ae.Proxy.Rules {
				sum.Rules = append(sum.Rules, r.Name)
				for _, d := range r.Destinations {
					if !seen[d] {
						seen[d] = true
						sum.Destinations = append(sum.Destinations, d)
					}
				}
			}
			sort.Strings(sum.Destinations)
			sum.AuditLog = ae.Proxy.EnableAuditLog
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AETitle < out[j].AETitle })
	return out
}

func (s *ControlPlaneService) proxyAE(aet string) (*device.ApplicationEntity, error) {
	ae, err := s.Runtime.Device().AE(aet)
	if err != nil {
		return nil, notFound("application entity not found: " + aet)
	}
	if !ae.IsProxy() {
		return nil, invalidArg("application entity does not forward: " + aet)
	}
	return ae, nil
}

// CheckProxyAE returns NOT_FOUND for unknown titles and INVALID_ARGUMENT
// for AEs without forwarding configuration.
func (s *ControlPlaneService) CheckProxyAE(aet string) error {
	_, err := s.proxyAE(aet)
	return err
}

// ------------------------------------------------------------------
// Sessions
// ------------------------------------------------------------------

// ListSessions returns the open inbound associations.
func (s *ControlPlaneService) ListSessions() []proxy.SessionInfo {
	if s.Handler == nil {
		return nil
	}
	return s.Handler.Sessions()
}

// ------------------------------------------------------------------
// Spool
// ------------------------------------------------------------------

// SpoolItem is the API view of a queued object.
type SpoolItem struct {
	ID             string    `json:"id"`
	ProxyAET       string    `json:"proxy_aet"`
	Command        string    `json:"command"`
	DestinationAET string    `json:"destination_aet,omitempty"`
	SourceAET      string    `json:"source_aet"`
	CallingAET     string    `json:"calling_aet"`
	Rule           string    `json:"rule"`
	StudyIUID      string    `json:"study_iuid,omitempty"`
	SOPInstanceUID string    `json:"sop_instance_uid"`
	SOPClassUID    string    `json:"sop_class_uid"`
	TransferSyntax string    `json:"transfer_syntax,omitempty"`
	PatientID      string    `json:"patient_id,omitempty"`
	Size           int64     `json:"size"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitzero"`
	State          string    `json:"state"`
	Claimed        bool      `json:"claimed"`
}

func spoolItemView(it *spool.Item) SpoolItem {
	return SpoolItem{
		ID:             it.ID(),
		ProxyAET:       it.ProxyAET,
		Command:        string(it.Command),
		DestinationAET: it.DestinationAET,
		SourceAET:      it.SourceAET,
		CallingAET:     it.CallingAET,
		Rule:           it.Rule,
		StudyIUID:      it.StudyIUID,
		SOPInstanceUID: it.SOPInstanceUID,
		SOPClassUID:    it.SOPClassUID,
		TransferSyntax: it.TransferSyntax,
		PatientID:      it.PatientID,
		Size:           it.Size,
		EnqueuedAt:     it.EnqueuedAt,
		Attempts:       it.Attempts,
		FailureKind:    string(it.FailureKind),
		LastAttemptAt:  it.LastAttemptAt,
		State:          string(it.State),
		Claimed:        it.Claimed,
	}
}

// SpoolFilter narrows ListSpool. Empty fields match everything.
type SpoolFilter struct {
	DestinationAET string
	State          string
	StudyIUID      string
}

func (f SpoolFilter) match(it *spool.Item) bool {
	if f.DestinationAET != "" && it.DestinationAET != f.DestinationAET {
		return false
	}
	if f.State != "" && string(it.State) != f.State {
		return false
	}
	if f.StudyIUID != "" && it.StudyIUID != f.StudyIUID {
		return false
	}
	return true
}

// ListSpool returns the queued items of a proxy AE, oldest first.
func (s *ControlPlaneService) ListSpool(aet string, f SpoolFilter) ([]SpoolItem, error) {
	if _, err := s.proxyAE(aet); err != nil {
		return nil, err
	}
	switch spool.State(f.State) {
	case "", spool.StatePending, spool.StateFailed:
	default:
		return nil, invalidArg("state: must be pending or failed")
	}
	items, err := s.Store.ListAll(aet)
	if err != nil {
		return nil, internal("list spool", err)
	}
	out := make([]SpoolItem, 0, len(items))
	for _, it := range items {
		if f.match(it) {
			out = append(out, spoolItemView(it))
		}
	}
	return out, nil
}

// GetSpoolItem returns one item by ID.
func (s *ControlPlaneService) GetSpoolItem(id string) (*SpoolItem, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalidArg("id: must not be empty")
	}
	it, err := s.Store.Get(id)
	if err != nil {
		if errors.Is(err, spool.ErrNotFound) {
			return nil, notFound("spool item not found")
		}
		return nil, internal("get spool item", err)
	}
	v := spoolItemView(it)
	return &v, nil
}

// DeleteSpoolItem drops a queued item. Items being delivered cannot be deleted.
func (s *ControlPlaneService) DeleteSpoolItem(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidArg("id: must not be empty")
	}
	err := s.Store.Delete(id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, spool.ErrNotFound):
		return notFound("spool item not found")
	case errors.Is(err, spool.ErrClaimed):
		return conflict("spool item is being delivered")
	default:
		return internal("delete spool item", err)
	}
}

// ------------------------------------------------------------------
// Retry
// ------------------------------------------------------------------

// RunRetryNow requests an immediate forwarding tick.
func (s *ControlPlaneService) RunRetryNow() {
	s.Scheduler.RunNow()
}

// RetryStats returns the outcome of the last tick per proxy AE.
func (s *ControlPlaneService) RetryStats() []retry.AEStats {
	return s.Scheduler.Stats()
}

// ------------------------------------------------------------------
// Audit
// ------------------------------------------------------------------

var auditEventTypes = map[audit.EventType]bool{
	audit.InstancesTransferred: true,
	audit.InstancesDeleted:     true,
	audit.ApplicationStart:     true,
	audit.ApplicationStop:      true,
}

// ListAuditEvents queries the audit store.
func (s *ControlPlaneService) ListAuditEvents(f audit.ListFilter) ([]audit.Event, error) {
	if s.AuditRepo == nil {
		return nil, notFound("audit store is not enabled")
	}
	if f.Type != "" && !auditEventTypes[f.Type] {
		return nil, invalidArg(fmt.Sprintf("type: unknown event type %q", f.Type))
	}
	events, err := s.AuditRepo.List(f)
	if err != nil {
		return nil, internal("list audit events", err)
	}
	return events, nil
}

// ------------------------------------------------------------------
// Configuration
// ------------------------------------------------------------------

// ReloadResult describes the configuration installed by ReloadConfig.
type ReloadResult struct {
	Device   string    `json:"device"`
	AEs      int       `json:"aes"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ReloadConfig re-reads the device configuration file. In-flight
// associations keep the previous configuration.
func (s *ControlPlaneService) ReloadConfig() (*ReloadResult, error) {
	dev, err := s.Runtime.Reload()
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			return nil, svcErr
		}
		return nil, &ServiceError{Code: "INVALID_ARGUMENT", Message: "reload: " + err.Error(), Err: err}
	}
	return &ReloadResult{Device: dev.Name, AEs: len(dev.AEs), LoadedAt: s.Runtime.LoadedAt()}, nil
}

// ------------------------------------------------------------------
// Ingest
// ------------------------------------------------------------------

// IngestResult reports where one object was queued.
type IngestResult struct {
	SOPInstanceUID string   `json:"sop_instance_uid"`
	Destinations   []string `json:"destinations"`
	Unresolved     int      `json:"unresolved,omitempty"`
}

// Ingest routes one object received outside DICOM networking through the
// rules of a proxy AE and queues it. Delivery happens on the next tick.
func (s *ControlPlaneService) Ingest(ctx context.Context, aet, sourceAET string, req *dimse.Request) (*IngestResult, error) {
	ae, err := s.proxyAE(aet)
	if err != nil {
		return nil, err
	}
	items, err := s.Handler.Spool(ctx, ae, sourceAET, req, "")
	if err != nil {
		if errors.Is(err, rule.ErrNoApplicableRule) {
			return nil, &ServiceError{Code: "INVALID_ARGUMENT", Message: "no forward rule matches " + req.SOPInstanceUID, Err: err}
		}
		return nil, internal("spool "+req.SOPInstanceUID, err)
	}
	res := &IngestResult{SOPInstanceUID: req.SOPInstanceUID, Destinations: []string{}}
	for _, it := range items {
		if it.Unresolved() {
			res.Unresolved++
			continue
		}
		res.Destinations = append(res.Destinations, it.DestinationAET)
	}
	sort.Strings(res.Destinations)
	return res, nil
}
