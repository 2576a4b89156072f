package proxy

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/rule"
)

const releaseTimeout = 10 * time.Second

// base holds what both session kinds share: the configuration snapshot and
// the cancel functions of requests still being served.
type base struct {
	h        *Handler
	st       *sessionState
	dev      *device.Device
	ae       *device.ApplicationEntity
	inflight *xsync.Map[uint16, context.CancelFunc]
}

func newBase(h *Handler, st *sessionState, dev *device.Device, ae *device.ApplicationEntity) base {
	return base{h: h, st: st, dev: dev, ae: ae, inflight: xsync.NewMap[uint16, context.CancelFunc]()}
}

// track makes the request with msgID cancellable through OnCancel.
func (b *base) track(ctx context.Context, msgID uint16) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.inflight.Store(msgID, cancel)
	return ctx, func() {
		b.inflight.Delete(msgID)
		cancel()
	}
}

func (b *base) OnCancel(msgID uint16) {
	if cancel, ok := b.inflight.Load(msgID); ok {
		cancel()
	}
}

func (b *base) reply(w dimse.ResponseWriter, req *dimse.Request, status dimse.Status, comment string) {
	if err := w.Write(dimse.Response{MessageID: req.MessageID, Status: status, ErrorComment: comment}); err != nil {
		log.Printf("[proxy] %s: write %s response: %v", b.st.info.CallingAET, req.Command, err)
	}
}

func (b *base) close() {
	b.inflight.Range(func(_ uint16, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
	b.h.unregister(b.st)
}

// spoolSession accepts every object into the spool, matching rules per
// object. Query operations are fanned out to the resolved destinations.
type spoolSession struct {
	base
	// tag is the failure kind of a direct-forward attempt that failed
	// before this session was accepted in its place.
	tag dimse.FailureKind
}

func (s *spoolSession) OnRequest(ctx context.Context, req *dimse.Request, w dimse.ResponseWriter) {
	s.st.requests.Add(1)
	switch {
	case req.Command == dimse.CEcho:
		s.reply(w, req, dimse.StatusSuccess, "")
	case req.Command.Spoolable():
		s.spool(ctx, req, w)
	case req.Command.IsQuery():
		s.query(ctx, req, w)
	default:
		s.reply(w, req, dimse.StatusSOPClassNotSupp, string(req.Command)+" is not forwarded")
	}
}

func (s *spoolSession) spool(ctx context.Context, req *dimse.Request, w dimse.ResponseWriter) {
	staged, err := s.h.Spool(ctx, s.ae, s.st.info.CallingAET, req, s.tag)
	switch {
	case errors.Is(err, rule.ErrNoApplicableRule):
		log.Printf("[proxy] %s %s from %s: %v", req.Command, req.SOPInstanceUID, s.st.info.CallingAET, err)
		s.reply(w, req, dimse.StatusProcessingFailure, err.Error())
	case err != nil:
		log.Printf("[proxy] %s %s from %s: staged %d copies: %v", req.Command, req.SOPInstanceUID, s.st.info.CallingAET, len(staged), err)
		s.reply(w, req, dimse.StatusOutOfResources, "spool write failed")
	default:
		s.reply(w, req, dimse.StatusSuccess, "")
	}
}

func (s *spoolSession) query(ctx context.Context, req *dimse.Request, w dimse.ResponseWriter) {
	source := s.st.info.CallingAET
	s.h.cfg.Metrics.RequestReceived(s.ae.AETitle, string(req.Command))
	rules := rule.NewMatcher(s.ae.Proxy).Match(rule.Query{
		CallingAET:  source,
		Command:     req.Command,
		SOPClassUID: req.SOPClassUID,
		Now:         s.h.cfg.Now(),
	})
	if len(rules) == 0 {
		s.h.cfg.Metrics.NoApplicableRule(s.ae.AETitle)
		s.reply(w, req, dimse.StatusUnableToProcess, rule.ErrNoApplicableRule.Error())
		return
	}
	targets, err := s.h.cfg.Resolver.Resolve(ctx, rules, req.Attrs)
	if err != nil {
		log.Printf("[proxy] %s from %s: %v", req.Command, source, err)
	}
	if len(targets) == 0 {
		s.reply(w, req, dimse.StatusUnableToProcess, "no destination resolved")
		return
	}
	ctx, done := s.track(ctx, req.MessageID)
	defer done()
	final := s.h.fanOut(ctx, s.dev, source, targets, req, w)
	if err := w.Write(final); err != nil {
		log.Printf("[proxy] %s from %s: write final response: %v", req.Command, source, err)
	}
}

func (s *spoolSession) OnClose(context.Context) { s.close() }

// fanOut dispatches req to every target concurrently, streams pending
// responses back through w and returns the merged final response.
func (h *Handler) fanOut(ctx context.Context, dev *device.Device, sourceAET string, targets []rule.Target, req *dimse.Request, w dimse.ResponseWriter) dimse.Response {
	merger := NewStatusMerger(len(targets))
	var (
		wg  sync.WaitGroup
		wmu sync.Mutex
	)
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			merger.Set(i, h.subOperation(ctx, dev, sourceAET, t, req, func(rsp dimse.Response) {
				if !rsp.Status.IsPending() || ctx.Err() != nil {
					return
				}
				rsp.MessageID = req.MessageID
				wmu.Lock()
				defer wmu.Unlock()
				if err := w.Write(rsp); err != nil {
					log.Printf("[proxy] %s -> %s: relay pending response: %v", req.Command, t.DestinationAET, err)
				}
			}))
		}()
	}
	wg.Wait()
	return dimse.Response{MessageID: req.MessageID, Status: merger.Merged()}
}

func (h *Handler) subOperation(ctx context.Context, dev *device.Device, sourceAET string, t rule.Target, req *dimse.Request, onResponse func(dimse.Response)) dimse.Status {
	peer, err := dev.Peer(t.DestinationAET)
	if err != nil {
		log.Printf("[proxy] %s -> %s: %v", req.Command, t.DestinationAET, err)
		return dimse.StatusUnableToProcess
	}
	dctx, cancel := h.dialContext(ctx)
	assoc, err := h.cfg.Dialer.Dial(dctx, peer, dimse.AssociateRequest{
		CallingAET:           t.Rule.CallingAETFor(sourceAET),
		CalledAET:            t.DestinationAET,
		PresentationContexts: dimse.ContextsFor(req.SOPClassUID),
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return dimse.StatusCancel
		}
		log.Printf("[proxy] %s -> %s: connect: %v", req.Command, t.DestinationAET, err)
		return dimse.StatusUnableToProcess
	}
	defer release(ctx, assoc, t.DestinationAET)

	sub := *req
	rsp, err := assoc.Send(ctx, &sub, onResponse)
	if err != nil {
		if ctx.Err() != nil {
			return dimse.StatusCancel
		}
		var se *dimse.StatusError
		if errors.As(err, &se) {
			return se.Status
		}
		log.Printf("[proxy] %s -> %s: %v", req.Command, t.DestinationAET, err)
		return dimse.StatusUnableToProcess
	}
	return rsp.Status
}

func release(ctx context.Context, assoc dimse.Association, dest string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := assoc.Release(rctx); err != nil {
		log.Printf("[proxy] release association to %s: %v", dest, err)
	}
}
