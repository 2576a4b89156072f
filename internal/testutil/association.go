// Package testutil provides in-memory DICOM peers for tests.
package testutil

import (
	"context"
	"sync"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// SendFunc scripts the behaviour of a fake association for one request.
type SendFunc func(ctx context.Context, req *dimse.Request, onResponse func(dimse.Response)) (dimse.Response, error)

// FakeAssociation is a scripted outbound association that records every
// request it receives.
type FakeAssociation struct {
	Peer       dimse.Peer
	Request    dimse.AssociateRequest
	Accept     dimse.AssociateAccept
	OnSend     SendFunc
	ReleaseErr error

	mu       sync.Mutex
	sent     []*dimse.Request
	released bool
	aborted  bool
}

func (a *FakeAssociation) Accepted() dimse.AssociateAccept { return a.Accept }

func (a *FakeAssociation) Send(ctx context.Context, req *dimse.Request, onResponse func(dimse.Response)) (dimse.Response, error) {
	a.mu.Lock()
	a.sent = append(a.sent, req)
	a.mu.Unlock()
	if a.OnSend != nil {
		return a.OnSend(ctx, req, onResponse)
	}
	rsp := dimse.Response{MessageID: req.MessageID, Status: dimse.StatusSuccess}
	if onResponse != nil {
		onResponse(rsp)
	}
	return rsp, nil
}

func (a *FakeAssociation) Release(context.Context) error {
	a.mu.Lock()
	a.released = true
	a.mu.Unlock()
	return a.ReleaseErr
}

func (a *FakeAssociation) Abort() error {
	a.mu.Lock()
	a.aborted = true
	a.mu.Unlock()
	return nil
}

// Sent returns the requests received so far.
func (a *FakeAssociation) Sent() []*dimse.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*dimse.Request(nil), a.sent...)
}

// Released reports whether Release was called.
func (a *FakeAssociation) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}
