package dimse

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Listener accepts inbound associations and hands them to a handler. Serve
// blocks until ctx is cancelled or the listener fails, running one
// goroutine per association.
type Listener interface {
	Serve(ctx context.Context, h AssociationHandler) error
	Close() error
}

// Transport is an implementation of the DICOM upper layer protocol.
type Transport interface {
	Listen(addr string) (Listener, error)
	Dialer
}

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]Transport)
)

// RegisterTransport makes a transport available by name. It panics if the
// name is registered twice, mirroring database/sql driver registration.
func RegisterTransport(name string, t Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	if t == nil {
		panic("dimse: RegisterTransport transport is nil")
	}
	if _, dup := transports[name]; dup {
		panic("dimse: RegisterTransport called twice for " + name)
	}
	transports[name] = t
}

// LookupTransport returns a registered transport.
func LookupTransport(name string) (Transport, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok {
		return nil, fmt.Errorf("dimse: unknown transport %q (registered: %v)", name, transportNames())
	}
	return t, nil
}

func transportNames() []string {
	names := make([]string, 0, len(transports))
	for n := range transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MultiDialer routes file-drop peers to Dir and everything else to Network.
type MultiDialer struct {
	Dir     Dialer
	Network Dialer
}

func (m MultiDialer) Dial(ctx context.Context, peer Peer, req AssociateRequest) (Association, error) {
	if peer.Dir != "" {
		if m.Dir == nil {
			return nil, &ConfigError{Msg: "no file-drop dialer for " + peer.AETitle}
		}
		return m.Dir.Dial(ctx, peer, req)
	}
	if m.Network == nil {
		return nil, &ConfigError{Msg: "no DICOM transport registered to reach " + peer.AETitle}
	}
	return m.Network.Dial(ctx, peer, req)
}
