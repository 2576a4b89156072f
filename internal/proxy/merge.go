package proxy

import (
	"sync"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// StatusMerger folds the final statuses of fanned-out sub-operations into
// the one status reported to the requester.
type StatusMerger struct {
	mu       sync.Mutex
	statuses []dimse.Status
	final    []bool
}

// NewStatusMerger tracks n sub-operations in dispatch order.
func NewStatusMerger(n int) *StatusMerger {
	return &StatusMerger{statuses: make([]dimse.Status, n), final: make([]bool, n)}
}

// Set records the latest status of sub-operation i. Pending statuses do
// not complete it.
func (m *StatusMerger) Set(i int, s dimse.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[i] = s
	m.final[i] = !s.IsPending()
}

// Done reports whether every sub-operation reached a terminal status.
func (m *StatusMerger) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.final {
		if !f {
			return false
		}
	}
	return true
}

// Merged returns Pending while any sub-operation is outstanding. Otherwise
// it returns Success when every sub-operation succeeded, else the first
// status in dispatch order that is neither Success nor Cancel, else Cancel.
func (m *StatusMerger) Merged() dimse.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := false
	for i, s := range m.statuses {
		if !m.final[i] {
			return dimse.StatusPending
		}
		switch s {
		case dimse.StatusSuccess:
		case dimse.StatusCancel:
			cancelled = true
		default:
			return s
		}
	}
	if cancelled {
		return dimse.StatusCancel
	}
	return dimse.StatusSuccess
}
