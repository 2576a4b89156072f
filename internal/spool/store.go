// Package spool persists objects awaiting delivery and the per-object audit
// records of finished deliveries.
//
// Every state transition is a whole-file write to a .part name followed by a
// rename, so readers never observe a partially written file and a crash
// leaves either the old or the new state behind.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/xxh3"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

var (
	// ErrClaimed is returned when another worker already owns the item.
	ErrClaimed = errors.New("spool item already claimed")
	// ErrNotFound is returned for unknown item IDs.
	ErrNotFound = errors.New("spool item not found")
	// ErrDigestMismatch is returned when the payload no longer matches
	// the digest recorded at staging time.
	ErrDigestMismatch = errors.New("spool payload digest mismatch")
)

// Result is the effect of MarkAttempt on an item.
type Result int

const (
	// Delivered: the item was removed and a transferred record written.
	Delivered Result = iota
	// Retrying: the failure was recorded and the item waits for its delay.
	Retrying
	// Failed: no retry policy exists for the failure kind; the item is
	// retained and never due again.
	Failed
	// Abandoned: the retry budget is exhausted; the item was removed and
	// a failed record written.
	Abandoned
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Outcome is the result of one delivery attempt. A nil Err means success.
type Outcome struct {
	Err error
	At  time.Time
}

// Store is the on-disk spool rooted at one directory.
type Store struct {
	fs       afero.Fs
	root     string
	hostname string
	now      func() time.Time

	// markerMu serializes creation of audit start markers.
	markerMu sync.Mutex
	// itemLocks serialize sidecar transitions of one item ID.
	itemLocks [itemLockStripes]sync.Mutex
}

const itemLockStripes = 64

func (s *Store) lockItem(id string) func() {
	m := &s.itemLocks[xxh3.HashString(id)%itemLockStripes]
	m.Lock()
	return m.Unlock
}

// New creates a store rooted at root. The directory is created if needed.
func New(fsys afero.Fs, root string) (*Store, error) {
	root = path.Clean(root)
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create root: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Store{fs: fsys, root: root, hostname: host, now: time.Now}, nil
}

// SetClock replaces the time source used for staging and audit records.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Root returns the spool root directory.
func (s *Store) Root() string { return s.root }

// Check reports whether the spool root is still a reachable directory.
func (s *Store) Check() error {
	fi, err := s.fs.Stat(s.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("spool root %s is not a directory", s.root)
	}
	return nil
}

func (s *Store) abs(rel string) string { return path.Join(s.root, rel) }

// writeAtomic writes data to name via name+".part" and a rename.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp := name + extPart
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		s.removeQuiet(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		s.removeQuiet(tmp)
		return err
	}
	return nil
}

func (s *Store) removeQuiet(name string) {
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[spool] cleanup %s: %v", name, err)
	}
}

func digest(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// Stage writes payload and sidecar for it. Identity fields (ProxyAET,
// Command, SOPInstanceUID) must be set; size, digest, hostname, enqueue
// time and state are filled in. The item becomes visible atomically when
// its sidecar is renamed into place.
func (s *Store) Stage(it *Item, payload []byte) (*Item, error) {
	if it.ProxyAET == "" || it.SOPInstanceUID == "" || it.Command == "" {
		return nil, fmt.Errorf("spool: stage: missing proxy AET, command or SOP instance UID")
	}
	staged := *it
	staged.Claimed = false
	staged.Size = int64(len(payload))
	staged.Digest = digest(payload)
	staged.Hostname = s.hostname
	if staged.EnqueuedAt.IsZero() {
		staged.EnqueuedAt = s.now()
	}
	if staged.State == "" {
		staged.State = StatePending
	}
	defer s.lockItem(staged.ID())()
	dir := s.abs(itemDir(&staged))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: stage: %w", err)
	}
	base := s.abs(staged.ID())
	if err := s.writeAtomic(base+extPayload, payload); err != nil {
		return nil, fmt.Errorf("spool: stage payload: %w", err)
	}
	if err := s.writeAtomic(base+extInfo, staged.marshal()); err != nil {
		s.removeQuiet(base + extPayload)
		return nil, fmt.Errorf("spool: stage sidecar: %w", err)
	}
	return &staged, nil
}

// Claim takes exclusive ownership of a committed item. The rename is atomic,
// so of several concurrent claimers exactly one succeeds; the others get
// ErrClaimed.
func (s *Store) Claim(it *Item) (*Item, error) {
	defer s.lockItem(it.ID())()
	base := s.abs(it.ID())
	if err := s.fs.Rename(base+extInfo, base+extClaimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrClaimed
		}
		return nil, fmt.Errorf("spool: claim %s: %w", it.ID(), err)
	}
	claimed, err := s.readSidecar(base + extClaimed)
	if err != nil {
		// Give the item back so the next tick can inspect it again.
		if rerr := s.fs.Rename(base+extClaimed, base+extInfo); rerr != nil {
			log.Printf("[spool] unclaim %s: %v", it.ID(), rerr)
		}
		return nil, err
	}
	claimed.Claimed = true
	return claimed, nil
}

// Release returns a claimed item to the queue unchanged.
func (s *Store) Release(it *Item) error {
	return s.commit(it)
}

// commit writes the sidecar of a claimed item and renames it back to .info,
// dropping the claim. If the same object was staged again while claimed,
// the new copy wins and the claimed sidecar is discarded.
func (s *Store) commit(it *Item) error {
	defer s.lockItem(it.ID())()
	base := s.abs(it.ID())
	if ok, _ := afero.Exists(s.fs, base+extInfo); ok {
		log.Printf("[spool] %s was received again while claimed; keeping the new copy", it.ID())
		s.removeQuiet(base + extClaimed)
		it.Claimed = false
		return nil
	}
	c := *it
	c.Claimed = false
	if err := s.writeAtomic(base+extClaimed, c.marshal()); err != nil {
		return fmt.Errorf("spool: commit %s: %w", it.ID(), err)
	}
	if err := s.fs.Rename(base+extClaimed, base+extInfo); err != nil {
		return fmt.Errorf("spool: commit %s: %w", it.ID(), err)
	}
	it.Claimed = false
	return nil
}

// Payload reads the object bytes of an item and verifies their digest.
func (s *Store) Payload(it *Item) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.abs(it.ID())+extPayload)
	if err != nil {
		return nil, fmt.Errorf("spool: read payload %s: %w", it.ID(), err)
	}
	if it.Digest != "" && digest(data) != it.Digest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, it.ID())
	}
	return data, nil
}

// MarkAttempt records the outcome of a delivery attempt on a claimed item.
// The attempt counter only grows. ext supplies the retry policy and the
// audit switch of the item's proxy AE; the switch covers transferred
// records, an abandoned item always leaves a failed record.
func (s *Store) MarkAttempt(it *Item, out Outcome, ext *device.ProxyExtension) (Result, error) {
	at := out.At
	if at.IsZero() {
		at = s.now()
	}
	auditOn := ext != nil && ext.EnableAuditLog
	if out.Err == nil {
		if auditOn {
			if err := s.writeAuditRecord(TreeTransferred, it, at); err != nil {
				log.Printf("[spool] audit record for %s: %v", it.ID(), err)
			}
		}
		s.remove(it)
		return Delivered, nil
	}

	it.Attempts++
	it.FailureKind = dimse.ClassifyFailure(out.Err)
	it.LastAttemptAt = at

	var rec device.RetryRecord
	ok := false
	if ext != nil {
		rec, ok = ext.RetryFor(it.FailureKind)
	}
	switch {
	case !ok:
		it.State = StateFailed
		log.Printf("[spool] %s failed permanently (%s, no retry policy): %v", it.ID(), it.FailureKind, out.Err)
		if err := s.commit(it); err != nil {
			return Failed, err
		}
		return Failed, nil
	case it.Attempts >= rec.MaxRetries:
		log.Printf("[spool] %s abandoned after %d attempts (%s): %v", it.ID(), it.Attempts, it.FailureKind, out.Err)
		if err := s.writeAuditRecord(TreeFailed, it, at); err != nil {
			log.Printf("[spool] audit record for %s: %v", it.ID(), err)
		}
		s.remove(it)
		return Abandoned, nil
	default:
		if err := s.commit(it); err != nil {
			return Retrying, err
		}
		return Retrying, nil
	}
}

// Remove deletes a claimed item without recording an outcome, e.g. after it
// was restaged under resolved destinations.
func (s *Store) Remove(it *Item) {
	s.remove(it)
}

func (s *Store) remove(it *Item) {
	defer s.lockItem(it.ID())()
	base := s.abs(it.ID())
	s.removeQuiet(base + extClaimed)
	// A newer copy of the same object may have been staged while this one
	// was claimed; its payload must survive.
	if ok, _ := afero.Exists(s.fs, base+extInfo); !ok {
		s.removeQuiet(base + extPayload)
	}
	s.pruneDirs(path.Dir(base))
}

// pruneDirs removes now-empty directories up to, but excluding, the role
// root.
func (s *Store) pruneDirs(dir string) {
	for i := 0; i < 3 && strings.HasPrefix(dir, s.root+"/"); i++ {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

// Restage queues a copy of a claimed unresolved item for a resolved
// destination.
func (s *Store) Restage(it *Item, dest, callingAET string) (*Item, error) {
	data, err := s.Payload(it)
	if err != nil {
		return nil, err
	}
	n := *it
	n.DestinationAET = dest
	n.CallingAET = callingAET
	n.Attempts = 0
	n.FailureKind = ""
	n.LastAttemptAt = time.Time{}
	n.State = StatePending
	return s.Stage(&n, data)
}

// Due reports whether it may be attempted at now under ext. Items tagged
// with a failure kind that has no retry policy are never due.
func Due(it *Item, now time.Time, ext *device.ProxyExtension) bool {
	if it.Claimed || it.State == StateFailed || ext == nil {
		return false
	}
	if it.FailureKind != "" {
		rec, ok := ext.RetryFor(it.FailureKind)
		if !ok {
			return false
		}
		if now.Before(it.LastAttemptAt.Add(rec.Delay)) {
			return false
		}
	}
	if it.DestinationAET != "" && !ext.DestinationActive(it.DestinationAET, now) {
		return false
	}
	return true
}

// ListDue returns the unclaimed items of proxyAET that may be attempted at
// now, oldest first.
func (s *Store) ListDue(proxyAET string, now time.Time, ext *device.ProxyExtension) ([]*Item, error) {
	all, err := s.ListAll(proxyAET)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, it := range all {
		if Due(it, now, ext) {
			due = append(due, it)
		}
	}
	return due, nil
}

// ListAll returns every item of proxyAET, claimed or not, oldest first.
// Unreadable sidecars are logged and skipped.
func (s *Store) ListAll(proxyAET string) ([]*Item, error) {
	var items []*Item
	for _, role := range Roles {
		roleDir := s.abs(path.Join(safeName(proxyAET), role.Dir()))
		err := afero.Walk(s.fs, roleDir, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			claimed := strings.HasSuffix(p, extClaimed)
			if !claimed && !strings.HasSuffix(p, extInfo) {
				return nil
			}
			it, err := s.readSidecar(p)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					log.Printf("[spool] skipping %s: %v", p, err)
				}
				return nil
			}
			it.Claimed = claimed
			items = append(items, it)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("spool: list %s/%s: %w", proxyAET, role.Dir(), err)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].EnqueuedAt.Before(items[j].EnqueuedAt) })
	return items, nil
}

// Get reads an item by ID.
func (s *Store) Get(id string) (*Item, error) {
	rel := strings.TrimPrefix(path.Clean("/"+id), "/")
	defer s.lockItem(rel)()
	base := s.abs(rel)
	for _, ext := range []string{extInfo, extClaimed} {
		it, err := s.readSidecar(base + ext)
		if err == nil {
			it.Claimed = ext == extClaimed
			return it, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes an unclaimed item by ID.
func (s *Store) Delete(id string) error {
	it, err := s.Get(id)
	if err != nil {
		return err
	}
	if it.Claimed {
		return ErrClaimed
	}
	claimed, err := s.Claim(it)
	if err != nil {
		return err
	}
	s.remove(claimed)
	return nil
}

func (s *Store) readSidecar(name string) (*Item, error) {
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		return nil, err
	}
	it, err := unmarshalItem(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return it, nil
}

// ResetInFlight returns every claimed item to the queue and deletes
// incomplete writes. It runs at startup and shutdown, when no worker holds
// a claim.
func (s *Store) ResetInFlight() (reset, removed int, err error) {
	err = afero.Walk(s.fs, s.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(p, extPart):
			s.removeQuiet(p)
			removed++
		case strings.HasSuffix(p, extClaimed):
			committed := strings.TrimSuffix(p, extClaimed) + extInfo
			if ok, _ := afero.Exists(s.fs, committed); ok {
				// The claim was already committed; the .snd is stale.
				s.removeQuiet(p)
			} else if rerr := s.fs.Rename(p, committed); rerr != nil {
				log.Printf("[spool] reset %s: %v", p, rerr)
				return nil
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return reset, removed, fmt.Errorf("spool: reset in-flight: %w", err)
	}
	return reset, removed, nil
}

// SweepOrphans deletes .part files older than maxAge.
func (s *Store) SweepOrphans(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0
	err := afero.Walk(s.fs, s.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, extPart) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[spool] sweep %s: %v", p, err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("spool: sweep orphans: %w", err)
	}
	return removed, nil
}
