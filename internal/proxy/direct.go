package proxy

import (
	"context"
	"log"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// directSession relays every request over one outbound association opened
// while the inbound association was being negotiated.
type directSession struct {
	base
	rule  *device.ForwardRule
	dest  string
	assoc dimse.Association
}

// openDirect connects to the single destination of d before answering the
// requester, and mirrors what the destination accepted.
func (h *Handler) openDirect(ctx context.Context, dev *device.Device, ae *device.ApplicationEntity, d Decision, req dimse.AssociateRequest) (dimse.AssociateAccept, dimse.SessionHandler, error) {
	peer, err := dev.Peer(d.Destination)
	if err != nil {
		return dimse.AssociateAccept{}, nil, err
	}
	out := dimse.AssociateRequest{
		CallingAET:           d.Rule.CallingAETFor(req.CallingAET),
		CalledAET:            d.Destination,
		PresentationContexts: req.PresentationContexts,
		RoleSelections:       req.RoleSelections,
		ExtendedNegotiations: req.ExtendedNegotiations,
	}
	if d.Rule.ExclusiveUseDefinedTC {
		out.PresentationContexts = restrictContexts(ae, req.PresentationContexts)
	}

	dctx, cancel := h.dialContext(ctx)
	defer cancel()
	assoc, err := h.cfg.Dialer.Dial(dctx, peer, out)
	if err != nil {
		return dimse.AssociateAccept{}, nil, err
	}

	st := h.register(ae, req, DirectForward)
	sess := &directSession{
		base:  newBase(h, st, dev, ae),
		rule:  d.Rule,
		dest:  d.Destination,
		assoc: assoc,
	}
	log.Printf("[proxy] %s -> %s: forwarding directly to %s", req.CallingAET, ae.AETitle, d.Destination)
	return mirrorAccept(ae, d.Rule.ExclusiveUseDefinedTC, req, assoc.Accepted()), sess, nil
}

// restrictContexts drops the transfer syntaxes ae does not support. A
// context left without syntaxes is kept with none so that the remote
// rejects it under its original ID.
func restrictContexts(ae *device.ApplicationEntity, pcs []dimse.PresentationContext) []dimse.PresentationContext {
	out := make([]dimse.PresentationContext, 0, len(pcs))
	for _, pc := range pcs {
		r := dimse.PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}
		for _, ts := range pc.TransferSyntaxes {
			if ae.Supports(pc.AbstractSyntax, ts) {
				r.TransferSyntaxes = append(r.TransferSyntaxes, ts)
			}
		}
		if len(r.TransferSyntaxes) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// mirrorAccept builds the answer to the requester from the destination's
// accept, matched by presentation context ID. Contexts the destination did
// not answer are rejected.
func mirrorAccept(ae *device.ApplicationEntity, exclusive bool, req dimse.AssociateRequest, remote dimse.AssociateAccept) dimse.AssociateAccept {
	byID := make(map[byte]dimse.PresentationContext, len(remote.PresentationContexts))
	for _, pc := range remote.PresentationContexts {
		byID[pc.ID] = pc
	}
	ac := dimse.AssociateAccept{
		RoleSelections:       remote.RoleSelections,
		ExtendedNegotiations: remote.ExtendedNegotiations,
	}
	for _, pc := range req.PresentationContexts {
		res := dimse.PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax, Result: dimse.PCNoReason}
		if rpc, ok := byID[pc.ID]; ok {
			res.Result = rpc.Result
			res.TransferSyntaxes = rpc.TransferSyntaxes
			if rpc.Accepted() && exclusive && (len(rpc.TransferSyntaxes) == 0 || !ae.Supports(pc.AbstractSyntax, rpc.TransferSyntaxes[0])) {
				res.Result = dimse.PCTransferSyntaxesNotSupp
				res.TransferSyntaxes = nil
			}
		} else if exclusive {
			res.Result = dimse.PCTransferSyntaxesNotSupp
		}
		ac.PresentationContexts = append(ac.PresentationContexts, res)
	}
	return ac
}

func (s *directSession) OnRequest(ctx context.Context, req *dimse.Request, w dimse.ResponseWriter) {
	s.st.requests.Add(1)
	s.h.cfg.Metrics.RequestReceived(s.ae.AETitle, string(req.Command))
	if req.Command == dimse.CEcho {
		s.reply(w, req, dimse.StatusSuccess, "")
		return
	}

	ctx, done := s.track(ctx, req.MessageID)
	defer done()
	rsp, err := s.assoc.Send(ctx, req, func(r dimse.Response) {
		if !r.Status.IsPending() {
			return
		}
		if werr := w.Write(r); werr != nil {
			log.Printf("[proxy] %s -> %s: relay pending response: %v", req.Command, s.dest, werr)
		}
	})
	if err == nil && !rsp.Status.IsFailure() {
		if werr := w.Write(rsp); werr != nil {
			log.Printf("[proxy] %s -> %s: relay response: %v", req.Command, s.dest, werr)
		}
		s.h.cfg.Metrics.Delivery(s.ae.AETitle, s.dest, "direct")
		return
	}
	if err == nil {
		err = &dimse.StatusError{Status: rsp.Status, Comment: rsp.ErrorComment}
	}

	if !req.Command.Spoolable() {
		log.Printf("[proxy] %s -> %s: %v", req.Command, s.dest, err)
		if rsp.Status == 0 || !rsp.Status.IsFailure() {
			rsp = dimse.Response{MessageID: req.MessageID, Status: dimse.StatusUnableToProcess, ErrorComment: err.Error()}
		}
		if werr := w.Write(rsp); werr != nil {
			log.Printf("[proxy] %s -> %s: relay response: %v", req.Command, s.dest, werr)
		}
		return
	}
	s.stageFailed(req, w, err)
}

// stageFailed keeps an object the destination did not take, so the retry
// scheduler delivers it later, and reports success to the requester.
func (s *directSession) stageFailed(req *dimse.Request, w dimse.ResponseWriter, cause error) {
	kind := dimse.ClassifyFailure(cause)
	now := s.h.cfg.Now()
	it := newItem(s.ae.AETitle, s.st.info.CallingAET, s.rule, req, now)
	it.DestinationAET = s.dest
	it.FailureKind = kind
	it.Attempts = 1
	it.LastAttemptAt = now
	if _, err := s.h.cfg.Store.Stage(it, req.Data); err != nil {
		log.Printf("[proxy] %s %s -> %s failed (%v) and could not be spooled: %v", req.Command, req.SOPInstanceUID, s.dest, cause, err)
		s.reply(w, req, dimse.StatusOutOfResources, "spool write failed")
		return
	}
	log.Printf("[proxy] %s %s -> %s failed (%s), spooled for retry: %v", req.Command, req.SOPInstanceUID, s.dest, kind, cause)
	s.h.cfg.Metrics.Staged(s.ae.AETitle, s.dest)
	s.reply(w, req, dimse.StatusSuccess, "")
}

func (s *directSession) OnClose(ctx context.Context) {
	release(ctx, s.assoc, s.dest)
	s.close()
}
