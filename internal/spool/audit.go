package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// AuditRecord is the per-object trace left by a finished delivery.
type AuditRecord struct {
	SOPInstanceUID string
	SOPClassUID    string
	PatientID      string
	CallingAET     string
	Size           int64
	At             time.Time
	Attempts       int
	FailureKind    dimse.FailureKind
}

// AuditGroup is the set of audit files sharing (tree, remote, source, study).
// Files counts the start marker as well as the records.
type AuditGroup struct {
	ProxyAET  string
	Tree      AuditTree
	RemoteAET string
	SourceAET string
	StudyIUID string
	Started   time.Time
	Files     int
	Records   []AuditRecord

	dir      string
	consumed []string
}

// ID identifies the group inside the store.
func (g *AuditGroup) ID() string { return g.dir }

func (s *Store) writeAuditRecord(tree AuditTree, it *Item, at time.Time) error {
	dir := s.abs(auditGroupDir(it.ProxyAET, tree, it.DestinationAET, it.SourceAET, it.StudyIUID))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := s.ensureMarker(dir, at); err != nil {
		return err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "sop-instance-uid=%s\n", it.SOPInstanceUID)
	fmt.Fprintf(&b, "sop-class-uid=%s\n", it.SOPClassUID)
	fmt.Fprintf(&b, "patient-id=%s\n", it.PatientID)
	fmt.Fprintf(&b, "calling-aet=%s\n", it.CallingAET)
	fmt.Fprintf(&b, "size=%d\n", it.Size)
	fmt.Fprintf(&b, "at=%s\n", formatTime(at))
	fmt.Fprintf(&b, "attempts=%d\n", it.Attempts)
	fmt.Fprintf(&b, "failure-kind=%s\n", it.FailureKind)
	return s.writeAtomic(path.Join(dir, safeName(it.SOPInstanceUID)+extRecord), b.Bytes())
}

func (s *Store) ensureMarker(dir string, at time.Time) error {
	s.markerMu.Lock()
	defer s.markerMu.Unlock()
	marker := path.Join(dir, startMarker)
	if ok, err := afero.Exists(s.fs, marker); err != nil || ok {
		return err
	}
	return s.writeAtomic(marker, []byte("created-at="+formatTime(at)+"\n"))
}

// AuditGroups scans both audit trees of proxyAET. A group holding records
// but no start marker gets a fresh marker, so it is finalized on a later
// pass instead of never.
func (s *Store) AuditGroups(proxyAET string) ([]AuditGroup, error) {
	var groups []AuditGroup
	var errs []error
	for _, tree := range []AuditTree{TreeTransferred, TreeFailed} {
		treeDir := s.abs(path.Join(safeName(proxyAET), auditDir, string(tree)))
		for _, studyDir := range s.subdirs(treeDir, 3) {
			g, err := s.readAuditGroup(studyDir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if g == nil {
				continue
			}
			g.ProxyAET = proxyAET
			g.Tree = tree
			groups = append(groups, *g)
		}
	}
	return groups, errors.Join(errs...)
}

// subdirs returns directories exactly depth levels below dir.
func (s *Store) subdirs(dir string, depth int) []string {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := path.Join(dir, e.Name())
		if depth == 1 {
			out = append(out, child)
			continue
		}
		out = append(out, s.subdirs(child, depth-1)...)
	}
	return out
}

func (s *Store) readAuditGroup(dir string) (*AuditGroup, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(dir, s.root+"/")
	parts := strings.Split(rel, "/")
	g := &AuditGroup{dir: rel}
	if n := len(parts); n >= 3 {
		g.RemoteAET, g.SourceAET, g.StudyIUID = parts[n-3], parts[n-2], parts[n-1]
	}
	hasMarker := false
	for _, e := range entries {
		name := path.Join(dir, e.Name())
		switch {
		case e.IsDir():
		case e.Name() == startMarker:
			data, err := afero.ReadFile(s.fs, name)
			if err != nil {
				return nil, err
			}
			started, err := parseTime(strings.TrimSpace(strings.TrimPrefix(string(data), "created-at=")))
			if err != nil {
				started = e.ModTime()
			}
			g.Started = started
			g.Files++
			g.consumed = append(g.consumed, name)
			hasMarker = true
		case strings.HasSuffix(e.Name(), extRecord):
			data, err := afero.ReadFile(s.fs, name)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			rec, err := parseAuditRecord(data)
			if err != nil {
				log.Printf("[spool] audit record %s: %v", name, err)
			}
			g.Records = append(g.Records, rec)
			g.Files++
			g.consumed = append(g.consumed, name)
		}
	}
	if g.Files == 0 {
		return nil, nil
	}
	if !hasMarker {
		now := s.now()
		if err := s.ensureMarker(dir, now); err != nil {
			return nil, err
		}
		g.Started = now
		g.Files++
		g.consumed = append(g.consumed, path.Join(dir, startMarker))
	}
	return g, nil
}

func parseAuditRecord(data []byte) (AuditRecord, error) {
	var rec AuditRecord
	var errs []error
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		var err error
		switch k {
		case "sop-instance-uid":
			rec.SOPInstanceUID = v
		case "sop-class-uid":
			rec.SOPClassUID = v
		case "patient-id":
			rec.PatientID = v
		case "calling-aet":
			rec.CallingAET = v
		case "size":
			rec.Size, err = strconv.ParseInt(v, 10, 64)
		case "at":
			rec.At, err = parseTime(v)
		case "attempts":
			rec.Attempts, err = strconv.Atoi(v)
		case "failure-kind":
			if v != "" {
				rec.FailureKind, err = dimse.ParseFailureKind(v)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return rec, errors.Join(errs...)
}

// RemoveAuditGroup deletes the files read into g and the study directory
// once it is empty. Records written after the scan are left in place.
func (s *Store) RemoveAuditGroup(g AuditGroup) error {
	var errs []error
	for _, name := range g.consumed {
		if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.pruneDirs(s.abs(g.dir))
	return errors.Join(errs...)
}
