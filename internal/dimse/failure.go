package dimse

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// FailureKind classifies why a delivery attempt failed. Each kind has its
// own retry policy.
type FailureKind string

const (
	FailureConnection    FailureKind = "connection"
	FailureIncompatible  FailureKind = "incompatible"
	FailureReject        FailureKind = "reject"
	FailureAbort         FailureKind = "abort"
	FailureConfiguration FailureKind = "configuration"
	FailureGeneric       FailureKind = "generic"

	statusKindPrefix = "status:"
)

// StatusFailure returns the failure kind for a non-success DIMSE status.
func StatusFailure(s Status) FailureKind {
	return FailureKind(statusKindPrefix + s.Hex())
}

// Status returns the DIMSE status carried by a status failure kind.
func (k FailureKind) Status() (Status, bool) {
	if !strings.HasPrefix(string(k), statusKindPrefix) {
		return 0, false
	}
	s, err := ParseStatusHex(strings.TrimPrefix(string(k), statusKindPrefix))
	return s, err == nil
}

// Suffix returns the historical spool file suffix for the kind.
func (k FailureKind) Suffix() string {
	switch k {
	case FailureConnection:
		return ".conn"
	case FailureIncompatible:
		return ".cnct"
	case FailureReject:
		return ".rjct"
	case FailureAbort:
		return ".ass"
	case FailureConfiguration:
		return ".cfg"
	case FailureGeneric:
		return ".err"
	}
	if s, ok := k.Status(); ok {
		return "." + s.Hex() + "H"
	}
	return ""
}

// ParseFailureKind accepts a kind name, a suffix (".conn", ".A700H") or a
// "status:A700" form.
func ParseFailureKind(v string) (FailureKind, error) {
	v = strings.TrimSpace(v)
	for _, k := range []FailureKind{FailureConnection, FailureIncompatible, FailureReject, FailureAbort, FailureConfiguration, FailureGeneric} {
		if strings.EqualFold(v, string(k)) || v == k.Suffix() {
			return k, nil
		}
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(v, statusKindPrefix), ".")
	if s, err := ParseStatusHex(raw); err == nil {
		return StatusFailure(s), nil
	}
	return "", errors.New("dimse: unknown failure kind " + v)
}

// ConfigError marks a failure caused by proxy configuration rather than by
// the peer.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Msg + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ClassifyFailure maps a delivery error to its failure kind.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return ""
	}
	var cfgErr *ConfigError
	var rejErr *RejectError
	var abortErr *AbortError
	var stErr *StatusError
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &cfgErr):
		return FailureConfiguration
	case errors.Is(err, ErrNoPresentationContext):
		return FailureIncompatible
	case errors.As(err, &rejErr):
		return FailureReject
	case errors.As(err, &abortErr):
		return FailureAbort
	case errors.As(err, &stErr):
		return StatusFailure(stErr.Status)
	case errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.DeadlineExceeded),
		os.IsTimeout(err),
		errors.As(err, &netErr):
		return FailureConnection
	}
	return FailureGeneric
}
