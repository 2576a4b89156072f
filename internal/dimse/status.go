// Package dimse defines the contracts the proxy core needs from a DICOM
// network library: commands and statuses, association negotiation values,
// inbound session callbacks and outbound associations. The wire protocol
// itself is supplied by a Transport registered at process start.
package dimse

import (
	"fmt"
	"strings"
)

// Status is a DIMSE response status code.
type Status uint16

const (
	StatusSuccess           Status = 0x0000
	StatusCancel            Status = 0xFE00
	StatusPending           Status = 0xFF00
	StatusPendingWarning    Status = 0xFF01
	StatusWarning           Status = 0xB000
	StatusProcessingFailure Status = 0x0110
	StatusNoSuchSOPClass    Status = 0x0118
	StatusSOPClassNotSupp   Status = 0x0122
	StatusOutOfResources    Status = 0xA700
	StatusMoveDestUnknown   Status = 0xA801
	StatusDataSetMismatch   Status = 0xA900
	StatusCannotUnderstand  Status = 0xC000
	StatusUnableToProcess   Status = 0xC001
)

// IsSuccess reports whether s is a terminal success status.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// IsPending reports whether s is a non-terminal pending status.
func (s Status) IsPending() bool { return s == StatusPending || s == StatusPendingWarning }

// IsWarning reports whether s falls into one of the warning ranges.
func (s Status) IsWarning() bool {
	return s == 0x0001 || s&0xF000 == 0xB000 || s == 0x0107 || s == 0x0116
}

// IsFailure reports whether s is terminal and neither success, warning nor cancel.
func (s Status) IsFailure() bool {
	return !s.IsSuccess() && !s.IsPending() && !s.IsWarning() && s != StatusCancel
}

// Hex renders the status as four upper-case hex digits.
func (s Status) Hex() string { return fmt.Sprintf("%04X", uint16(s)) }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusCancel:
		return "Cancel"
	case StatusPending, StatusPendingWarning:
		return "Pending"
	}
	return s.Hex() + "H"
}

// ParseStatusHex parses a status written as "A700" or "A700H".
func ParseStatusHex(v string) (Status, error) {
	v = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(v)), "H")
	var n uint16
	if _, err := fmt.Sscanf(v, "%04X", &n); err != nil || len(v) != 4 {
		return 0, fmt.Errorf("dimse: invalid status %q", v)
	}
	return Status(n), nil
}

// StatusError wraps a terminal non-success status returned by a peer.
type StatusError struct {
	Status  Status
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("dimse status %s: %s", e.Status, e.Comment)
	}
	return fmt.Sprintf("dimse status %s", e.Status)
}

// Command identifies a DIMSE service operation.
type Command string

const (
	CEcho        Command = "C-ECHO"
	CStore       Command = "C-STORE"
	CFind        Command = "C-FIND"
	CMove        Command = "C-MOVE"
	CGet         Command = "C-GET"
	NCreate      Command = "N-CREATE"
	NSet         Command = "N-SET"
	NAction      Command = "N-ACTION"
	NEventReport Command = "N-EVENT-REPORT"
)

var knownCommands = []Command{CEcho, CStore, CFind, CMove, CGet, NCreate, NSet, NAction, NEventReport}

// ParseCommand accepts the canonical form ("C-STORE") as well as the
// compact lower-case form ("cstore").
func ParseCommand(v string) (Command, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", ""))
	for _, c := range knownCommands {
		if strings.ReplaceAll(string(c), "-", "") == norm {
			return c, nil
		}
	}
	return "", fmt.Errorf("dimse: unknown command %q", v)
}

// Spoolable reports whether requests of this command can be staged for
// deferred delivery.
func (c Command) Spoolable() bool {
	switch c {
	case CStore, NCreate, NSet, NAction:
		return true
	}
	return false
}

// IsQuery reports whether the command is a query/retrieve operation that
// streams pending responses.
func (c Command) IsQuery() bool {
	return c == CFind || c == CMove || c == CGet
}

// Dir returns the spool role directory name, e.g. "cstore".
func (c Command) Dir() string {
	return strings.ToLower(strings.ReplaceAll(string(c), "-", ""))
}
