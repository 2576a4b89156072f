package retry

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/rule"
	"github.com/dcmproxy/dcmproxy/internal/schedule"
	"github.com/dcmproxy/dcmproxy/internal/spool"
	"github.com/dcmproxy/dcmproxy/internal/testutil"
)

const (
	ctImage = "1.2.840.10008.5.1.4.1.1.2"
	mrImage = "1.2.840.10008.5.1.4.1.1.4"
)

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type staticDevices struct{ dev *device.Device }

func (s staticDevices) Device() *device.Device { return s.dev }

type clock struct{ ns atomic.Int64 }

func newClock(t time.Time) *clock {
	c := &clock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *clock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type fixture struct {
	sched  *Scheduler
	store  *spool.Store
	dialer *testutil.FakeDialer
	clock  *clock
	ext    *device.ProxyExtension
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock(t0)
	store, err := spool.New(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatal(err)
	}
	store.SetClock(clk.Now)
	ext := &device.ProxyExtension{
		Rules: []device.ForwardRule{
			{Name: "r", Receive: schedule.Always(), Destinations: []string{"PACS"}},
			{Name: "routed", Receive: schedule.Always(), DestinationTemplate: `attrs.Modality === "MR" ? ["PACS", "ARCHIVE"] : []`},
		},
		Retries: map[dimse.FailureKind]device.RetryRecord{
			dimse.FailureConnection:    {Kind: dimse.FailureConnection, Delay: time.Minute, MaxRetries: 3},
			dimse.FailureConfiguration: {Kind: dimse.FailureConfiguration, Delay: 0, MaxRetries: 2},
		},
		EnableAuditLog: true,
	}
	dev := &device.Device{
		Name: "test",
		AEs:  map[string]*device.ApplicationEntity{"PROXY": {AETitle: "PROXY", Proxy: ext}},
		Remotes: map[string]dimse.Peer{
			"PACS":    {AETitle: "PACS", Host: "pacs", Port: 104},
			"ARCHIVE": {AETitle: "ARCHIVE", Host: "archive", Port: 104},
		},
	}
	dialer := testutil.NewFakeDialer()
	sched := New(Config{
		Devices:  staticDevices{dev},
		Store:    store,
		Dialer:   dialer,
		Resolver: &rule.Resolver{Template: rule.NewScriptTemplate(afero.NewMemMapFs(), 4)},
		Interval: time.Hour,
		Workers:  2,
		Now:      clk.Now,
	})
	return &fixture{sched: sched, store: store, dialer: dialer, clock: clk, ext: ext}
}

func (f *fixture) stage(t *testing.T, dest, sop, sopClass string) *spool.Item {
	t.Helper()
	it, err := f.store.Stage(&spool.Item{
		ProxyAET:       "PROXY",
		Command:        dimse.CStore,
		DestinationAET: dest,
		SourceAET:      "CT1",
		CallingAET:     "CT1",
		Rule:           "r",
		StudyIUID:      "1.2.3",
		SOPInstanceUID: sop,
		SOPClassUID:    sopClass,
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		PatientID:      "P1",
	}, []byte("payload "+sop))
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func (f *fixture) items(t *testing.T) []*spool.Item {
	t.Helper()
	items, err := f.store.ListAll("PROXY")
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestTick_DeliversBatchOverOneAssociation(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.stage(t, "PACS", "1.2.3.2", ctImage)
	f.stage(t, "PACS", "1.2.3.3", mrImage)

	f.sched.Tick(context.Background())

	dials := f.dialer.Dials()
	if len(dials) != 1 {
		t.Fatalf("dials = %d, want 1", len(dials))
	}
	if pcs := dials[0].Request.PresentationContexts; len(pcs) != 2 || pcs[0].ID != 1 || pcs[1].ID != 3 {
		t.Fatalf("contexts = %+v", pcs)
	}
	if n := len(dials[0].Sent()); n != 3 {
		t.Fatalf("sent %d requests", n)
	}
	if !dials[0].Released() {
		t.Fatal("association not released")
	}
	if n := len(f.items(t)); n != 0 {
		t.Fatalf("%d items left in spool", n)
	}

	groups, err := f.store.AuditGroups("PROXY")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Records) != 3 || groups[0].Tree != spool.TreeTransferred {
		t.Fatalf("audit groups = %+v", groups)
	}
	stats := f.sched.Stats()
	if len(stats) != 1 || stats[0].Due != 3 || stats[0].Delivered != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTick_ConnectionFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.dialer.SetError("PACS", syscall.ECONNREFUSED)

	f.sched.Tick(context.Background())
	items := f.items(t)
	if len(items) != 1 || items[0].Attempts != 1 || items[0].FailureKind != dimse.FailureConnection {
		t.Fatalf("items = %+v", items)
	}

	f.dialer.SetError("PACS", nil)
	f.clock.Advance(30 * time.Second)
	f.sched.Tick(context.Background())
	if len(f.dialer.Dials()) != 0 {
		t.Fatal("item retried before its delay elapsed")
	}

	f.clock.Advance(time.Minute)
	f.sched.Tick(context.Background())
	if n := len(f.dialer.SentTo("PACS")); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
	if n := len(f.items(t)); n != 0 {
		t.Fatalf("%d items left", n)
	}
}

func TestTick_AbandonsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.dialer.SetError("PACS", syscall.ECONNREFUSED)

	for i := 0; i < 3; i++ {
		f.sched.Tick(context.Background())
		f.clock.Advance(2 * time.Minute)
	}
	if n := len(f.items(t)); n != 0 {
		t.Fatalf("%d items left, want abandoned", n)
	}
	groups, err := f.store.AuditGroups("PROXY")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Tree != spool.TreeFailed {
		t.Fatalf("audit groups = %+v", groups)
	}
}

func TestTick_StatusWithoutPolicyIsRetained(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.dialer.OnSend["PACS"] = func(_ context.Context, req *dimse.Request, _ func(dimse.Response)) (dimse.Response, error) {
		return dimse.Response{MessageID: req.MessageID, Status: dimse.StatusOutOfResources}, nil
	}

	f.sched.Tick(context.Background())
	items := f.items(t)
	if len(items) != 1 || items[0].State != spool.StateFailed || items[0].FailureKind != dimse.StatusFailure(dimse.StatusOutOfResources) {
		t.Fatalf("items = %+v", items)
	}

	f.clock.Advance(time.Hour)
	f.sched.Tick(context.Background())
	if n := len(f.dialer.SentTo("PACS")); n != 1 {
		t.Fatalf("failed item was retried: sent %d", n)
	}
}

func TestTick_RejectedContextIsIncompatible(t *testing.T) {
	f := newFixture(t)
	f.ext.Retries[dimse.FailureIncompatible] = device.RetryRecord{Kind: dimse.FailureIncompatible, Delay: time.Hour, MaxRetries: 5}
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.dialer.Accept["PACS"] = dimse.AssociateAccept{PresentationContexts: []dimse.PresentationContext{
		{ID: 1, AbstractSyntax: ctImage, Result: dimse.PCAbstractSyntaxNotSupp},
	}}

	f.sched.Tick(context.Background())
	items := f.items(t)
	if len(items) != 1 || items[0].FailureKind != dimse.FailureIncompatible {
		t.Fatalf("items = %+v", items)
	}
	if n := len(f.dialer.SentTo("PACS")); n != 0 {
		t.Fatalf("sent %d over a rejected context", n)
	}
}

func TestTick_UnresolvableItemIsAbandoned(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Stage(&spool.Item{
		ProxyAET:       "PROXY",
		Command:        dimse.CStore,
		SourceAET:      "MR1",
		CallingAET:     "MR1",
		Rule:           "routed",
		StudyIUID:      "1.2.3",
		SOPInstanceUID: "1.2.3.9",
		SOPClassUID:    mrImage,
		PatientID:      "P1",
		FailureKind:    dimse.FailureConfiguration,
		Attempts:       1,
		LastAttemptAt:  t0,
	}, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	// The payload is not a DICOM object, so only sidecar attributes reach
	// the template and it resolves to nothing.
	f.sched.Tick(context.Background())
	items := f.items(t)
	if len(items) != 0 {
		t.Fatalf("items = %+v, want abandoned after second configuration failure", items)
	}
}

func TestTick_RestageThenDeliver(t *testing.T) {
	f := newFixture(t)
	f.ext.Rules[1].DestinationTemplate = `["PACS", "ARCHIVE"]`
	_, err := f.store.Stage(&spool.Item{
		ProxyAET:       "PROXY",
		Command:        dimse.CStore,
		SourceAET:      "MR1",
		CallingAET:     "MR1",
		Rule:           "routed",
		StudyIUID:      "1.2.3",
		SOPInstanceUID: "1.2.3.9",
		SOPClassUID:    mrImage,
		FailureKind:    dimse.FailureConfiguration,
		Attempts:       1,
		LastAttemptAt:  t0,
	}, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(context.Background())
	dests := make(map[string]bool)
	for _, it := range f.items(t) {
		if it.Unresolved() || it.Attempts != 0 {
			t.Fatalf("restaged item = %+v", it)
		}
		dests[it.DestinationAET] = true
	}
	if len(dests) != 2 || !dests["PACS"] || !dests["ARCHIVE"] {
		t.Fatalf("destinations = %v", dests)
	}

	f.sched.Tick(context.Background())
	if len(f.dialer.SentTo("PACS")) != 1 || len(f.dialer.SentTo("ARCHIVE")) != 1 {
		t.Fatal("restaged copies not delivered")
	}
	if n := len(f.items(t)); n != 0 {
		t.Fatalf("%d items left", n)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "PACS", "1.2.3.1", ctImage)
	f.sched.Start()
	defer f.sched.Stop()

	f.sched.RunNow()
	deadline := time.Now().Add(5 * time.Second)
	for len(f.dialer.SentTo("PACS")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("RunNow did not trigger a tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatches_GroupsByDestinationAndCallingAET(t *testing.T) {
	items := []*spool.Item{
		{DestinationAET: "PACS", CallingAET: "CT1", SOPInstanceUID: "1"},
		{DestinationAET: "ARCHIVE", CallingAET: "CT1", SOPInstanceUID: "2"},
		{DestinationAET: "PACS", CallingAET: "CT1", SOPInstanceUID: "3"},
		{DestinationAET: "PACS", SourceAET: "CT2", SOPInstanceUID: "4"},
	}
	got := batches(items)
	if len(got) != 3 {
		t.Fatalf("batches = %d", len(got))
	}
	if got[0].dest != "PACS" || len(got[0].items) != 2 || got[0].items[1].SOPInstanceUID != "3" {
		t.Fatalf("first batch = %+v", got[0])
	}
	if got[2].callingAET != "CT2" {
		t.Fatalf("calling AET fallback = %q", got[2].callingAET)
	}
}
