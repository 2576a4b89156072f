// Package retry delivers spooled items. A periodic tick claims every due
// item and sends it over a bounded pool of forward workers; items sharing a
// destination and calling AE title travel on one association.
package retry

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/metrics"
	"github.com/dcmproxy/dcmproxy/internal/rule"
	"github.com/dcmproxy/dcmproxy/internal/scanloop"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

const (
	releaseTimeout    = 10 * time.Second
	minSweepInterval  = time.Minute
	sweepJitterFactor = 10
)

// DeviceSource returns the current device configuration.
type DeviceSource interface {
	Device() *device.Device
}

// Config configures a Scheduler.
type Config struct {
	Devices  DeviceSource
	Store    *spool.Store
	Dialer   dimse.Dialer
	Resolver *rule.Resolver
	Metrics  *metrics.Metrics

	Interval       time.Duration
	Workers        int
	ConnectTimeout time.Duration
	// PartMaxAge is the age after which incomplete writes are swept. Zero
	// disables the sweep.
	PartMaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// AEStats summarizes the last tick of one proxy AE.
type AEStats struct {
	ProxyAET  string    `json:"proxy_aet"`
	LastTick  time.Time `json:"last_tick"`
	Due       int       `json:"due"`
	Delivered int       `json:"delivered"`
	Retrying  int       `json:"retrying"`
	Failed    int       `json:"failed"`
	Abandoned int       `json:"abandoned"`
	Restaged  int       `json:"restaged"`
}

// Scheduler periodically forwards due spool items.
type Scheduler struct {
	cfg     Config
	sem     chan struct{}
	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
	// tickMu keeps ticks from overlapping when RunNow races the timer.
	tickMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	stats  *xsync.Map[string, AEStats]
}

func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &rule.Resolver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Workers),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stats:   xsync.NewMap[string, AEStats](),
	}
}

// Start launches the tick loop and the orphan sweep.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.RunTriggered(s.stopCh, s.trigger, s.cfg.Interval, 0, func() { s.Tick(s.ctx) })
	}()

	if s.cfg.PartMaxAge > 0 {
		interval := max(s.cfg.PartMaxAge/4, minSweepInterval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			scanloop.Run(s.stopCh, interval, interval/sweepJitterFactor, s.sweep)
		}()
	}
}

// Stop cancels in-flight deliveries and waits for the loops to exit.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
	s.wg.Wait()
}

// RunNow requests an immediate tick. It never blocks; a request made while
// one is already pending is merged into it.
func (s *Scheduler) RunNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stats returns the last tick summary of every proxy AE, sorted by title.
func (s *Scheduler) Stats() []AEStats {
	var out []AEStats
	s.stats.Range(func(_ string, st AEStats) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyAET < out[j].ProxyAET })
	return out
}

// Tick runs one pass over every proxy AE and returns when every delivery
// started by it has finished.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	dev := s.cfg.Devices.Device()
	for _, ae := range dev.ProxyAEs() {
		if ctx.Err() != nil {
			return
		}
		st := s.tickAE(ctx, dev, ae)
		s.stats.Store(ae.AETitle, st)
		s.reportDepth(ae.AETitle)
	}
	s.cfg.Metrics.Tick(time.Since(start))
}

func (s *Scheduler) tickAE(ctx context.Context, dev *device.Device, ae *device.ApplicationEntity) AEStats {
	now := s.cfg.Now()
	st := AEStats{ProxyAET: ae.AETitle, LastTick: now}
	items, err := s.cfg.Store.ListDue(ae.AETitle, now, ae.Proxy)
	if err != nil {
		log.Printf("[retry] %s: list due items: %v", ae.AETitle, err)
		return st
	}
	st.Due = len(items)
	if len(items) == 0 {
		return st
	}

	var (
		mu      sync.Mutex
		pending sync.WaitGroup
	)
	tally := func(dest string, r spool.Result) {
		mu.Lock()
		defer mu.Unlock()
		switch r {
		case spool.Delivered:
			st.Delivered++
		case spool.Retrying:
			st.Retrying++
		case spool.Failed:
			st.Failed++
		case spool.Abandoned:
			st.Abandoned++
		}
		s.cfg.Metrics.Delivery(ae.AETitle, dest, r.String())
	}

	var resolved []*spool.Item
	for _, it := range items {
		if !it.Unresolved() {
			resolved = append(resolved, it)
			continue
		}
		n, r, ok := s.restage(ctx, ae, it)
		if ok {
			tally("", r)
		}
		st.Restaged += n
	}

	for _, b := range batches(resolved) {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			pending.Wait()
			return st
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			defer func() { <-s.sem }()
			s.deliver(ctx, dev, ae, b, tally)
		}()
	}
	pending.Wait()
	if st.Delivered+st.Retrying+st.Failed+st.Abandoned > 0 || st.Restaged > 0 {
		log.Printf("[retry] %s: due=%d delivered=%d retrying=%d failed=%d abandoned=%d restaged=%d",
			ae.AETitle, st.Due, st.Delivered, st.Retrying, st.Failed, st.Abandoned, st.Restaged)
	}
	return st
}

// restage resolves the rule of an item whose destinations were unknown at
// receive time and queues one copy per destination. It returns the number
// of copies and, when resolution failed, the recorded result.
func (s *Scheduler) restage(ctx context.Context, ae *device.ApplicationEntity, it *spool.Item) (int, spool.Result, bool) {
	claimed, err := s.cfg.Store.Claim(it)
	if err != nil {
		if !errors.Is(err, spool.ErrClaimed) {
			log.Printf("[retry] %s: %v", it.ID(), err)
		}
		return 0, 0, false
	}

	var dests []string
	r, ok := ae.Proxy.Rule(claimed.Rule)
	if !ok {
		err = &dimse.ConfigError{Msg: "rule " + claimed.Rule + " no longer configured"}
	} else {
		dests, err = s.cfg.Resolver.ResolveRule(ctx, r, s.attributes(claimed))
	}
	if err != nil {
		res, merr := s.cfg.Store.MarkAttempt(claimed, spool.Outcome{Err: err, At: s.cfg.Now()}, ae.Proxy)
		if merr != nil {
			log.Printf("[retry] %s: record attempt: %v", claimed.ID(), merr)
		}
		return 0, res, true
	}

	n := 0
	var errs []error
	for _, dest := range dests {
		if _, err := s.cfg.Store.Restage(claimed, dest, r.CallingAETFor(claimed.SourceAET)); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		// Keep the unresolved copy; the next pass resolves it again.
		log.Printf("[retry] %s: restage: %v", claimed.ID(), errors.Join(errs...))
		s.release(claimed)
		return n, 0, false
	}
	s.cfg.Store.Remove(claimed)
	return n, 0, false
}

// attributes returns the routing attributes of an item, read from its
// payload when that parses as a DICOM object and from the sidecar otherwise.
func (s *Scheduler) attributes(it *spool.Item) dimse.Attributes {
	attrs := it.Attributes()
	payload, err := s.cfg.Store.Payload(it)
	if err != nil {
		return attrs
	}
	parsed, err := dimse.ReadAttributes(payload)
	if err != nil {
		return attrs
	}
	for k, v := range parsed {
		attrs[k] = v
	}
	return attrs
}

func (s *Scheduler) sweep() {
	n, err := s.cfg.Store.SweepOrphans(s.cfg.PartMaxAge)
	if err != nil {
		log.Printf("[retry] sweep incomplete writes: %v", err)
	}
	if n > 0 {
		log.Printf("[retry] swept %d incomplete writes", n)
		s.cfg.Metrics.OrphansSwept(n)
	}
}

func (s *Scheduler) reportDepth(aet string) {
	items, err := s.cfg.Store.ListAll(aet)
	if err != nil {
		return
	}
	var pending, claimed, failed int
	for _, it := range items {
		switch {
		case it.Claimed:
			claimed++
		case it.State == spool.StateFailed:
			failed++
		default:
			pending++
		}
	}
	s.cfg.Metrics.SpoolItems(aet, pending, claimed, failed)
}
