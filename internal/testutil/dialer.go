package testutil

import (
	"context"
	"sync"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// FakeDialer hands out FakeAssociations per destination AE title. A peer
// with an entry in Errors fails to connect with that error.
type FakeDialer struct {
	mu     sync.Mutex
	Errors map[string]error
	// Accept, when set, overrides the accepted values per destination.
	Accept map[string]dimse.AssociateAccept
	// OnSend scripts request handling per destination.
	OnSend map[string]SendFunc

	dials []*FakeAssociation
}

// NewFakeDialer returns a dialer that accepts every association.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		Errors: make(map[string]error),
		Accept: make(map[string]dimse.AssociateAccept),
		OnSend: make(map[string]SendFunc),
	}
}

func (d *FakeDialer) Dial(_ context.Context, peer dimse.Peer, req dimse.AssociateRequest) (dimse.Association, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.Errors[peer.AETitle]; err != nil {
		return nil, err
	}
	ac, ok := d.Accept[peer.AETitle]
	if !ok {
		for _, pc := range req.PresentationContexts {
			pc.Result = dimse.PCAcceptance
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		}
		ac.RoleSelections = req.RoleSelections
		ac.ExtendedNegotiations = req.ExtendedNegotiations
	}
	assoc := &FakeAssociation{Peer: peer, Request: req, Accept: ac, OnSend: d.OnSend[peer.AETitle]}
	d.dials = append(d.dials, assoc)
	return assoc, nil
}

// SetError makes dials to aet fail with err; a nil err clears it.
func (d *FakeDialer) SetError(aet string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.Errors, aet)
		return
	}
	d.Errors[aet] = err
}

// Dials returns every association handed out so far.
func (d *FakeDialer) Dials() []*FakeAssociation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeAssociation(nil), d.dials...)
}

// SentTo returns every request delivered to the given destination.
func (d *FakeDialer) SentTo(aet string) []*dimse.Request {
	var out []*dimse.Request
	for _, a := range d.Dials() {
		if a.Peer.AETitle == aet {
			out = append(out, a.Sent()...)
		}
	}
	return out
}
