package audit

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type staticDevices struct{ dev *device.Device }

func (s staticDevices) Device() *device.Device { return s.dev }

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Emit(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func deliverForAudit(t *testing.T, store *spool.Store, ext *device.ProxyExtension, sop, sopClass string, fail error) {
	t.Helper()
	deliverStudy(t, store, ext, "1.2.3", sop, sopClass, fail)
}

func deliverStudy(t *testing.T, store *spool.Store, ext *device.ProxyExtension, study, sop, sopClass string, fail error) {
	t.Helper()
	it, err := store.Stage(&spool.Item{
		ProxyAET:       "PROXY",
		Command:        dimse.CStore,
		DestinationAET: "PACS",
		SourceAET:      "CT1",
		CallingAET:     "CT1",
		StudyIUID:      study,
		SOPInstanceUID: sop,
		SOPClassUID:    sopClass,
		PatientID:      "P1",
	}, []byte("0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := store.Claim(it)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkAttempt(claimed, spool.Outcome{Err: fail}, ext); err != nil {
		t.Fatal(err)
	}
}

func TestAggregator_FinalizesAfterTwoRetryIntervals(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	store, err := spool.New(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatal(err)
	}
	store.SetClock(clock)
	ext := &device.ProxyExtension{EnableAuditLog: true}
	dev := &device.Device{AEs: map[string]*device.ApplicationEntity{"PROXY": {AETitle: "PROXY", Proxy: ext}}}

	deliverForAudit(t, store, ext, "1.2.3.1", "1.2.840.10008.5.1.4.1.1.2", nil)
	now = now.Add(10 * time.Second)
	deliverForAudit(t, store, ext, "1.2.3.2", "1.2.840.10008.5.1.4.1.1.4", nil)

	sink := &collector{}
	agg, err := NewAggregator(AggregatorConfig{
		Devices:       staticDevices{dev},
		Store:         store,
		Sink:          sink,
		RetryInterval: time.Minute,
		Hostname:      "node-1",
		Now:           clock,
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := agg.Run(); n != 0 {
		t.Fatalf("emitted %d events for a young group", n)
	}

	now = t0.Add(2*time.Minute + time.Second)
	if n := agg.Run(); n != 1 {
		t.Fatalf("emitted %d events, want 1", n)
	}
	ev := sink.all()[0]
	if ev.Type != InstancesTransferred || ev.Objects != 2 || ev.Bytes != 20 || ev.RemoteAET != "PACS" || ev.StudyIUID != "1.2.3" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.SOPClasses) != 2 || ev.PatientID != "P1" || ev.Elapsed != 10*time.Second || ev.Hostname != "node-1" {
		t.Fatalf("event = %+v", ev)
	}

	groups, err := store.AuditGroups("PROXY")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Fatalf("groups left after finalize: %+v", groups)
	}
	if n := agg.Run(); n != 0 {
		t.Fatalf("emitted %d events on an empty tree", n)
	}
}

func TestAggregator_FailedTreeEmitsDeleted(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	store, err := spool.New(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatal(err)
	}
	store.SetClock(clock)
	ext := &device.ProxyExtension{
		EnableAuditLog: true,
		Retries: map[dimse.FailureKind]device.RetryRecord{
			dimse.FailureGeneric: {Kind: dimse.FailureGeneric, MaxRetries: 1},
		},
	}
	dev := &device.Device{AEs: map[string]*device.ApplicationEntity{"PROXY": {AETitle: "PROXY", Proxy: ext}}}
	deliverForAudit(t, store, ext, "1.2.3.1", "1.2.840.10008.5.1.4.1.1.2", errTest("boom"))

	sink := &collector{}
	agg, err := NewAggregator(AggregatorConfig{Devices: staticDevices{dev}, Store: store, Sink: sink, RetryInterval: time.Minute, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	agg.Run()
	events := sink.all()
	if len(events) != 1 || events[0].Type != InstancesDeleted || events[0].Failure != dimse.FailureGeneric {
		t.Fatalf("events = %+v", events)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestReady(t *testing.T) {
	g := spool.AuditGroup{Started: t0, Files: 2}
	if Ready(g, t0.Add(2*time.Minute), time.Minute) {
		t.Fatal("group exactly two intervals old must wait")
	}
	if !Ready(g, t0.Add(2*time.Minute+time.Nanosecond), time.Minute) {
		t.Fatal("group older than two intervals must be ready")
	}
	g.Files = 1
	if Ready(g, t0.Add(time.Hour), time.Minute) {
		t.Fatal("marker-only group must not be ready")
	}
}

func TestNewAggregator_InvalidSchedule(t *testing.T) {
	if _, err := NewAggregator(AggregatorConfig{Schedule: "not a cron"}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestRepo_InsertAndList(t *testing.T) {
	repo := NewRepo(filepath.Join(t.TempDir(), "audit", "audit.db"))
	if err := repo.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	events := []Event{
		{ID: "a", Type: InstancesTransferred, At: t0, ProxyAET: "PROXY", RemoteAET: "PACS", StudyIUID: "1.2.3", Objects: 2, Bytes: 20,
			SOPClasses: []string{"1.2.840.10008.5.1.4.1.1.2"}, FirstAt: t0.Add(-time.Minute), LastAt: t0, Elapsed: time.Minute},
		{ID: "b", Type: InstancesDeleted, At: t0.Add(time.Second), ProxyAET: "PROXY", RemoteAET: "ARCHIVE", StudyIUID: "1.2.4", Failure: dimse.FailureConnection},
		{ID: "c", Type: ApplicationStart, At: t0.Add(2 * time.Second)},
	}
	n, err := repo.InsertBatch(events)
	if err != nil || n != 3 {
		t.Fatalf("InsertBatch = %d, %v", n, err)
	}
	if n, _ := repo.InsertBatch(events[:1]); n != 1 {
		t.Fatalf("duplicate insert counted %d", n)
	}

	all, err := repo.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("order = %+v", all)
	}
	got := all[2]
	if got.Objects != 2 || got.Bytes != 20 || len(got.SOPClasses) != 1 || got.Elapsed != time.Minute || !got.FirstAt.Equal(t0.Add(-time.Minute)) {
		t.Fatalf("round trip = %+v", got)
	}

	deleted, err := repo.List(ListFilter{Type: InstancesDeleted})
	if err != nil || len(deleted) != 1 || deleted[0].Failure != dimse.FailureConnection {
		t.Fatalf("deleted = %+v, %v", deleted, err)
	}
	byStudy, err := repo.List(ListFilter{StudyIUID: "1.2.3", Before: t0.Add(time.Second)})
	if err != nil || len(byStudy) != 1 || byStudy[0].ID != "a" {
		t.Fatalf("by study = %+v, %v", byStudy, err)
	}
	page, err := repo.List(ListFilter{Limit: 1, Offset: 1})
	if err != nil || len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("page = %+v, %v", page, err)
	}
}

func TestService_FlushesOnStop(t *testing.T) {
	repo := NewRepo(filepath.Join(t.TempDir(), "audit.db"))
	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc := NewService(ServiceConfig{Repo: repo, QueueSize: 16, FlushBatch: 8, FlushInterval: time.Hour})
	svc.Start()
	for i := 0; i < 5; i++ {
		if err := svc.Emit(LifecycleEvent(ApplicationStart, t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	svc.Stop()
	svc.Stop()

	events, err := svc.Repo().List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("flushed %d events, want 5", len(events))
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &collector{}, &collector{}
	var calls int
	errDown := errors.New("down")
	m := MultiSink{a, nil, SinkFunc(func(Event) error { calls++; return errDown }), b}
	if err := m.Emit(Event{ID: "x"}); !errors.Is(err, errDown) {
		t.Fatalf("Emit error = %v, want %v", err, errDown)
	}
	if len(a.all()) != 1 || len(b.all()) != 1 || calls != 1 {
		t.Fatal("event not fanned out to every sink")
	}
}

func openRepo(t *testing.T) *Repo {
	t.Helper()
	repo := NewRepo(filepath.Join(t.TempDir(), "audit.db"))
	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestAggregator_KeepsRecordsWhileQueueIsFull(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	store, err := spool.New(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatal(err)
	}
	store.SetClock(clock)
	ext := &device.ProxyExtension{EnableAuditLog: true}
	dev := &device.Device{AEs: map[string]*device.ApplicationEntity{"PROXY": {AETitle: "PROXY", Proxy: ext}}}
	for i := 1; i <= 3; i++ {
		deliverStudy(t, store, ext, fmt.Sprintf("1.2.%d", i), fmt.Sprintf("1.2.%d.1", i), "1.2.840.10008.5.1.4.1.1.2", nil)
	}

	repo := openRepo(t)
	svc := NewService(ServiceConfig{Repo: repo, QueueSize: 1, FlushBatch: 1, FlushInterval: time.Hour, EnqueueTimeout: 200 * time.Millisecond})
	agg, err := NewAggregator(AggregatorConfig{Devices: staticDevices{dev}, Store: store, Sink: svc, RetryInterval: time.Minute, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)

	// Nothing drains the queue yet: one event fits, the next times out.
	if n := agg.Run(); n != 1 {
		t.Fatalf("emitted %d events, want 1", n)
	}
	groups, err := store.AuditGroups("PROXY")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups left = %d, want 2", len(groups))
	}

	svc.Start()
	if n := agg.Run(); n != 2 {
		t.Fatalf("second pass emitted %d events, want 2", n)
	}
	svc.Stop()

	events, err := repo.List(ListFilter{Type: InstancesTransferred})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("stored %d events, want 3", len(events))
	}
	if groups, _ := store.AuditGroups("PROXY"); len(groups) != 0 {
		t.Fatalf("groups left after both passes: %+v", groups)
	}
	if err := svc.Emit(LifecycleEvent(ApplicationStop, now)); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("Emit after Stop = %v", err)
	}
}

func TestService_KeepsBatchUntilWriteSucceeds(t *testing.T) {
	repo := NewRepo(filepath.Join(t.TempDir(), "audit.db"))
	svc := NewService(ServiceConfig{Repo: repo})
	batch := []Event{
		LifecycleEvent(ApplicationStart, t0),
		LifecycleEvent(ApplicationStop, t0.Add(time.Second)),
	}

	// The repo is not open yet, so the write fails and the batch is kept.
	left := svc.flush(batch)
	if len(left) != 2 {
		t.Fatalf("kept %d events after a failed write, want 2", len(left))
	}

	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if left = svc.flush(left); len(left) != 0 {
		t.Fatalf("kept %d events after a successful write", len(left))
	}
	events, err := repo.List(ListFilter{})
	if err != nil || len(events) != 2 {
		t.Fatalf("stored %d events, %v", len(events), err)
	}
}

func TestEventFromGroup_StableID(t *testing.T) {
	g := spool.AuditGroup{ProxyAET: "PROXY", Tree: spool.TreeTransferred, RemoteAET: "PACS", StudyIUID: "1.2.3", Started: t0, Files: 2}
	a := EventFromGroup(g, "node-1", t0.Add(time.Hour))
	b := EventFromGroup(g, "node-1", t0.Add(2*time.Hour))
	if a.ID != b.ID {
		t.Fatalf("IDs differ for the same group: %s vs %s", a.ID, b.ID)
	}
	g.Started = t0.Add(time.Minute)
	if c := EventFromGroup(g, "node-1", t0.Add(time.Hour)); c.ID == a.ID {
		t.Fatal("a later group reused the ID of an earlier one")
	}
}
