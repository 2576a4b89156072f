package retry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

// batch is the set of items delivered over one outbound association.
type batch struct {
	dest       string
	callingAET string
	items      []*spool.Item
}

// batches groups items by destination and calling AE title, keeping the
// oldest-first order inside each group.
func batches(items []*spool.Item) []*batch {
	var out []*batch
	index := make(map[[2]string]*batch)
	for _, it := range items {
		calling := it.CallingAET
		if calling == "" {
			calling = it.SourceAET
		}
		key := [2]string{it.DestinationAET, calling}
		b, ok := index[key]
		if !ok {
			b = &batch{dest: it.DestinationAET, callingAET: calling}
			index[key] = b
			out = append(out, b)
		}
		b.items = append(b.items, it)
	}
	return out
}

// contexts proposes one presentation context per distinct SOP class and
// transfer syntax pair of the batch.
func (b *batch) contexts() []dimse.PresentationContext {
	var pcs []dimse.PresentationContext
	seen := make(map[[2]string]bool)
	for _, it := range b.items {
		key := [2]string{it.SOPClassUID, it.TransferSyntax}
		if seen[key] {
			continue
		}
		seen[key] = true
		pc := dimse.ContextsFor(it.SOPClassUID, it.TransferSyntax)[0]
		pc.ID = byte(2*len(pcs) + 1)
		pcs = append(pcs, pc)
	}
	return pcs
}

func (s *Scheduler) deliver(ctx context.Context, dev *device.Device, ae *device.ApplicationEntity, b *batch, tally func(string, spool.Result)) {
	var claimed []*spool.Item
	for _, it := range b.items {
		c, err := s.cfg.Store.Claim(it)
		if err != nil {
			if !errors.Is(err, spool.ErrClaimed) {
				log.Printf("[retry] %s: %v", it.ID(), err)
			}
			continue
		}
		claimed = append(claimed, c)
	}
	if len(claimed) == 0 {
		return
	}
	b.items = claimed

	mark := func(it *spool.Item, err error) {
		res, merr := s.cfg.Store.MarkAttempt(it, spool.Outcome{Err: err, At: s.cfg.Now()}, ae.Proxy)
		if merr != nil {
			log.Printf("[retry] %s: record attempt: %v", it.ID(), merr)
		}
		tally(b.dest, res)
	}

	assoc, err := s.connect(ctx, dev, b)
	if err != nil {
		log.Printf("[retry] %s -> %s: %d items not delivered: %v", ae.AETitle, b.dest, len(claimed), err)
		for _, it := range claimed {
			if ctx.Err() != nil {
				s.release(it)
				continue
			}
			mark(it, err)
		}
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := assoc.Release(rctx); err != nil {
			log.Printf("[retry] release association to %s: %v", b.dest, err)
		}
	}()

	accepted := assoc.Accepted()
	for _, it := range claimed {
		if ctx.Err() != nil {
			// Shutting down: the item goes back untouched.
			s.release(it)
			continue
		}
		mark(it, s.send(ctx, assoc, accepted, it))
	}
}

func (s *Scheduler) connect(ctx context.Context, dev *device.Device, b *batch) (dimse.Association, error) {
	peer, err := dev.Peer(b.dest)
	if err != nil {
		return nil, err
	}
	dctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.ConnectTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	}
	defer cancel()
	return s.cfg.Dialer.Dial(dctx, peer, dimse.AssociateRequest{
		CallingAET:           b.callingAET,
		CalledAET:            b.dest,
		PresentationContexts: b.contexts(),
	})
}

func (s *Scheduler) send(ctx context.Context, assoc dimse.Association, accepted dimse.AssociateAccept, it *spool.Item) error {
	if _, ok := accepted.AcceptedContext(it.SOPClassUID); !ok {
		return fmt.Errorf("%s: %w", it.SOPClassUID, dimse.ErrNoPresentationContext)
	}
	payload, err := s.cfg.Store.Payload(it)
	if err != nil {
		return err
	}
	rsp, err := assoc.Send(ctx, it.Request(payload), nil)
	if err != nil {
		return err
	}
	if rsp.Status.IsFailure() {
		return &dimse.StatusError{Status: rsp.Status, Comment: rsp.ErrorComment}
	}
	return nil
}

func (s *Scheduler) release(it *spool.Item) {
	if err := s.cfg.Store.Release(it); err != nil {
		log.Printf("[retry] %s: release claim: %v", it.ID(), err)
	}
}
