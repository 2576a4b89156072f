package dimse

import (
	"context"
	"sort"
	"strings"
)

// Attribute keywords the proxy reads from datasets and identifiers.
const (
	KeyPatientID         = "PatientID"
	KeyStudyInstanceUID  = "StudyInstanceUID"
	KeySOPClassUID       = "SOPClassUID"
	KeySOPInstanceUID    = "SOPInstanceUID"
	KeyTransferSyntaxUID = "TransferSyntaxUID"
	KeyModality          = "Modality"
	KeyStationName       = "StationName"
	KeyAccessionNumber   = "AccessionNumber"
	KeyNumberOfFrames    = "NumberOfFrames"
)

// Attributes is a flat keyword → value view of the dataset attributes the
// proxy routes on. Multi-valued attributes are joined with a backslash.
type Attributes map[string]string

// Get returns the value for keyword, or "" when absent.
func (a Attributes) Get(keyword string) string {
	if a == nil {
		return ""
	}
	return a[keyword]
}

// Clone returns an independent copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns the attribute keywords in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Request is a DIMSE request received from or sent to a peer.
type Request struct {
	Command        Command
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	// MoveDestination is set for C-MOVE.
	MoveDestination string
	// Attrs holds the routing attributes of the dataset or identifier.
	Attrs Attributes
	// Data is the encoded dataset, if any.
	Data []byte
}

// Response is a DIMSE response.
type Response struct {
	MessageID    uint16
	Status       Status
	ErrorComment string
	Attrs        Attributes
	Data         []byte
}

// ResponseWriter sends responses back to the inbound requester.
type ResponseWriter interface {
	Write(Response) error
}

// SessionHandler receives the requests of one accepted association. The
// transport calls OnRequest from the association goroutine and OnCancel
// from its reader when a C-CANCEL arrives; OnRequest for query operations
// may therefore be running while OnCancel is invoked.
type SessionHandler interface {
	OnRequest(ctx context.Context, req *Request, w ResponseWriter)
	OnCancel(messageID uint16)
	OnClose(ctx context.Context)
}

// AssociationHandler decides the fate of an inbound association. Returning
// a *RejectError rejects it, any other error aborts it.
type AssociationHandler interface {
	OnAssociate(ctx context.Context, req AssociateRequest) (AssociateAccept, SessionHandler, error)
}

// PathElement maps an AE title or UID onto a single file name. Separators
// and NUL become underscores; empty, "." and ".." become "_".
func PathElement(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
}
