package dimse

import (
	"context"
	"errors"
	"fmt"
)

// PresentationContext is one abstract syntax / transfer syntax pairing.
// In a request TransferSyntaxes lists the proposals; in an accept it holds
// the single accepted syntax and Result carries the acceptance code.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
}

// Presentation context result codes.
const (
	PCAcceptance              byte = 0
	PCUserRejection           byte = 1
	PCNoReason                byte = 2
	PCAbstractSyntaxNotSupp   byte = 3
	PCTransferSyntaxesNotSupp byte = 4
)

// Transfer syntaxes every DICOM implementation supports.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// ContextsFor proposes a single presentation context for abstractSyntax.
// With no transfer syntax given, both uncompressed little endian syntaxes
// are proposed.
func ContextsFor(abstractSyntax string, transferSyntaxes ...string) []PresentationContext {
	if len(transferSyntaxes) == 0 || (len(transferSyntaxes) == 1 && transferSyntaxes[0] == "") {
		transferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	}
	return []PresentationContext{{ID: 1, AbstractSyntax: abstractSyntax, TransferSyntaxes: transferSyntaxes}}
}

// Accepted reports whether the context was accepted.
func (pc PresentationContext) Accepted() bool { return pc.Result == PCAcceptance }

// RoleSelection is an SCP/SCU role selection sub-item.
type RoleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// ExtendedNegotiation is an SOP class extended negotiation sub-item.
type ExtendedNegotiation struct {
	SOPClassUID string
	Info        []byte
}

// AssociateRequest carries the values proposed by an association requester.
type AssociateRequest struct {
	CallingAET           string
	CalledAET            string
	RemoteAddr           string
	PresentationContexts []PresentationContext
	RoleSelections       []RoleSelection
	ExtendedNegotiations []ExtendedNegotiation
}

// AssociateAccept carries the negotiated values returned to the requester.
type AssociateAccept struct {
	PresentationContexts []PresentationContext
	RoleSelections       []RoleSelection
	ExtendedNegotiations []ExtendedNegotiation
}

// AcceptedContext returns the accepted presentation context for the given
// abstract syntax, if any.
func (ac AssociateAccept) AcceptedContext(abstractSyntax string) (PresentationContext, bool) {
	for _, pc := range ac.PresentationContexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted() {
			return pc, true
		}
	}
	return PresentationContext{}, false
}

// Peer describes how to reach a remote application entity.
type Peer struct {
	AETitle string
	Host    string
	Port    int
	// Dir, when set, makes the peer a file-drop destination.
	Dir string
}

// Address returns host:port for network peers.
func (p Peer) Address() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// Association is an established outbound association.
type Association interface {
	// Accepted returns the values negotiated with the peer.
	Accepted() AssociateAccept
	// Send issues a request and delivers every response, pending and final,
	// to onResponse. It returns the final response. Cancelling ctx must
	// issue a C-CANCEL for query operations and still wait for the final
	// response when the peer sends one.
	Send(ctx context.Context, req *Request, onResponse func(Response)) (Response, error)
	// Release performs an orderly release.
	Release(ctx context.Context) error
	// Abort tears the association down immediately.
	Abort() error
}

// Dialer opens outbound associations. ctx bounds association setup only;
// the returned association lives until it is released or aborted.
type Dialer interface {
	Dial(ctx context.Context, peer Peer, req AssociateRequest) (Association, error)
}

// ErrNoPresentationContext is returned when the peer accepted the
// association but none of the contexts required for a request.
var ErrNoPresentationContext = errors.New("dimse: no acceptable presentation context")

// RejectError reports an A-ASSOCIATE-RJ from the peer.
type RejectError struct {
	Result byte // 1 permanent, 2 transient
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("dimse: association rejected (result=%d source=%d reason=%d)", e.Result, e.Source, e.Reason)
}

// Reject reasons used by the proxy when rejecting inbound associations.
var (
	RejectCallingAETNotRecognized = &RejectError{Result: 1, Source: 1, Reason: 3}
	RejectCalledAETNotRecognized  = &RejectError{Result: 1, Source: 1, Reason: 7}
	RejectNoReason                = &RejectError{Result: 2, Source: 1, Reason: 1}
)

// AbortError reports an A-ABORT or A-P-ABORT.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("dimse: association aborted (source=%d reason=%d)", e.Source, e.Reason)
}
