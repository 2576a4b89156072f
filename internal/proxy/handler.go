package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/metrics"
	"github.com/dcmproxy/dcmproxy/internal/rule"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

const verificationSOPClass = "1.2.840.10008.1.1"

// DeviceSource returns the current device configuration. Each association
// works on the snapshot it started with.
type DeviceSource interface {
	Device() *device.Device
}

// HandlerConfig holds the collaborators of a Handler.
type HandlerConfig struct {
	Devices  DeviceSource
	Dialer   dimse.Dialer
	Store    *spool.Store
	Resolver *rule.Resolver
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// ConnectTimeout bounds outbound association setup; zero means no limit.
	ConnectTimeout time.Duration
}

// SessionInfo describes an open inbound association.
type SessionInfo struct {
	ID         string    `json:"id"`
	ProxyAET   string    `json:"proxy_aet"`
	CallingAET string    `json:"calling_aet"`
	RemoteAddr string    `json:"remote_addr"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	Requests   int64     `json:"requests"`
}

type sessionState struct {
	info     SessionInfo
	requests atomic.Int64
}

// Handler implements dimse.AssociationHandler for every local AE.
type Handler struct {
	cfg      HandlerConfig
	sessions *xsync.Map[string, *sessionState]
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &rule.Resolver{}
	}
	return &Handler{cfg: cfg, sessions: xsync.NewMap[string, *sessionState]()}
}

// Sessions returns a snapshot of the open inbound associations, oldest first.
func (h *Handler) Sessions() []SessionInfo {
	var out []SessionInfo
	h.sessions.Range(func(_ string, s *sessionState) bool {
		info := s.info
		info.Requests = s.requests.Load()
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (h *Handler) OnAssociate(ctx context.Context, req dimse.AssociateRequest) (dimse.AssociateAccept, dimse.SessionHandler, error) {
	dev := h.cfg.Devices.Device()
	ae, err := dev.AE(req.CalledAET)
	if err != nil || !ae.IsProxy() {
		log.Printf("[proxy] reject %s -> %s: called AE not served", req.CallingAET, req.CalledAET)
		h.cfg.Metrics.Association(req.CalledAET, Reject.String())
		return dimse.AssociateAccept{}, nil, dimse.RejectCalledAETNotRecognized
	}

	now := h.cfg.Now()
	decision := Decide(ae, req.CallingAET, now)
	h.cfg.Metrics.Association(ae.AETitle, decision.Mode.String())
	switch decision.Mode {
	case Reject:
		log.Printf("[proxy] reject %s -> %s: no forward rule applies", req.CallingAET, ae.AETitle)
		return dimse.AssociateAccept{}, nil, dimse.RejectCallingAETNotRecognized
	case DirectForward:
		ac, sess, err := h.openDirect(ctx, dev, ae, decision, req)
		if err == nil {
			return ac, sess, nil
		}
		if !ae.Proxy.AcceptDataOnFailedAssociation {
			log.Printf("[proxy] direct forward %s -> %s -> %s failed, rejecting: %v", req.CallingAET, ae.AETitle, decision.Destination, err)
			var rj *dimse.RejectError
			if errors.As(err, &rj) {
				return dimse.AssociateAccept{}, nil, rj
			}
			return dimse.AssociateAccept{}, nil, &dimse.AbortError{Source: 2}
		}
		kind := dimse.ClassifyFailure(err)
		log.Printf("[proxy] direct forward %s -> %s -> %s failed (%s), accepting into spool: %v", req.CallingAET, ae.AETitle, decision.Destination, kind, err)
		return h.openSpool(dev, ae, req, kind)
	default:
		return h.openSpool(dev, ae, req, "")
	}
}

func (h *Handler) register(ae *device.ApplicationEntity, req dimse.AssociateRequest, mode Mode) *sessionState {
	st := &sessionState{info: SessionInfo{
		ID:         uuid.NewString(),
		ProxyAET:   ae.AETitle,
		CallingAET: req.CallingAET,
		RemoteAddr: req.RemoteAddr,
		Mode:       mode.String(),
		StartedAt:  h.cfg.Now(),
	}}
	h.sessions.Store(st.info.ID, st)
	h.cfg.Metrics.SessionOpened()
	return st
}

func (h *Handler) unregister(st *sessionState) {
	if _, ok := h.sessions.LoadAndDelete(st.info.ID); ok {
		h.cfg.Metrics.SessionClosed()
	}
}

func (h *Handler) openSpool(dev *device.Device, ae *device.ApplicationEntity, req dimse.AssociateRequest, tag dimse.FailureKind) (dimse.AssociateAccept, dimse.SessionHandler, error) {
	st := h.register(ae, req, AcceptAndSpool)
	sess := &spoolSession{
		base: newBase(h, st, dev, ae),
		tag:  tag,
	}
	return negotiateOwn(ae, req), sess, nil
}

// negotiateOwn answers an associate request with the AE's own transfer
// capabilities. Verification is always accepted.
func negotiateOwn(ae *device.ApplicationEntity, req dimse.AssociateRequest) dimse.AssociateAccept {
	ac := dimse.AssociateAccept{RoleSelections: req.RoleSelections}
	for _, pc := range req.PresentationContexts {
		res := dimse.PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax, Result: dimse.PCAbstractSyntaxNotSupp}
		for _, ts := range pc.TransferSyntaxes {
			if pc.AbstractSyntax == verificationSOPClass || ae.Supports(pc.AbstractSyntax, ts) {
				res.Result = dimse.PCAcceptance
				res.TransferSyntaxes = []string{ts}
				break
			}
			res.Result = dimse.PCTransferSyntaxesNotSupp
		}
		ac.PresentationContexts = append(ac.PresentationContexts, res)
	}
	return ac
}

// Spool matches one request against the rules of ae and stages it for every
// resolved destination. Rules whose destinations cannot be resolved stage
// an unresolved copy tagged with the configuration failure kind. It returns
// the staged items; rule.ErrNoApplicableRule when nothing matched.
func (h *Handler) Spool(ctx context.Context, ae *device.ApplicationEntity, sourceAET string, req *dimse.Request, tag dimse.FailureKind) ([]*spool.Item, error) {
	now := h.cfg.Now()
	h.cfg.Metrics.RequestReceived(ae.AETitle, string(req.Command))
	rules := rule.NewMatcher(ae.Proxy).Match(rule.Query{
		CallingAET:  sourceAET,
		Command:     req.Command,
		SOPClassUID: req.SOPClassUID,
		Now:         now,
	})
	if len(rules) == 0 {
		h.cfg.Metrics.NoApplicableRule(ae.AETitle)
		return nil, rule.ErrNoApplicableRule
	}

	targets, rerr := h.cfg.Resolver.Resolve(ctx, rules, req.Attrs)
	var failures []rule.RuleFailure
	if rerr != nil {
		var re *rule.ResolveError
		if !errors.As(rerr, &re) {
			return nil, rerr
		}
		failures = re.Failures
		log.Printf("[proxy] %s from %s: %v", req.SOPInstanceUID, sourceAET, rerr)
	}

	var (
		staged []*spool.Item
		errs   []error
	)
	stage := func(it *spool.Item) {
		s, err := h.cfg.Store.Stage(it, req.Data)
		if err != nil {
			errs = append(errs, err)
			return
		}
		h.cfg.Metrics.Staged(ae.AETitle, it.DestinationAET)
		staged = append(staged, s)
	}
	for _, t := range targets {
		it := newItem(ae.AETitle, sourceAET, t.Rule, req, now)
		it.DestinationAET = t.DestinationAET
		if tag != "" {
			it.FailureKind = tag
			it.Attempts = 1
			it.LastAttemptAt = now
		}
		stage(it)
	}
	for _, f := range failures {
		it := newItem(ae.AETitle, sourceAET, f.Rule, req, now)
		it.FailureKind = dimse.FailureConfiguration
		it.Attempts = 1
		it.LastAttemptAt = now
		stage(it)
	}
	if len(errs) > 0 {
		return staged, fmt.Errorf("spool %s: %w", req.SOPInstanceUID, errors.Join(errs...))
	}
	return staged, nil
}

func newItem(proxyAET, sourceAET string, r *device.ForwardRule, req *dimse.Request, now time.Time) *spool.Item {
	return &spool.Item{
		ProxyAET:       proxyAET,
		Command:        req.Command,
		SourceAET:      sourceAET,
		CallingAET:     r.CallingAETFor(sourceAET),
		Rule:           r.Name,
		StudyIUID:      req.Attrs.Get(dimse.KeyStudyInstanceUID),
		SOPInstanceUID: req.SOPInstanceUID,
		SOPClassUID:    req.SOPClassUID,
		TransferSyntax: req.TransferSyntax,
		PatientID:      req.Attrs.Get(dimse.KeyPatientID),
		EnqueuedAt:     now,
	}
}

func (h *Handler) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.ConnectTimeout > 0 {
		return context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	}
	return context.WithCancel(ctx)
}
