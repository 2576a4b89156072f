package audit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/metrics"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

// DeviceSource returns the current device configuration.
type DeviceSource interface {
	Device() *device.Device
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Devices DeviceSource
	Store   *spool.Store
	Sink    Sink
	Metrics *metrics.Metrics
	// Schedule is a standard cron expression or descriptor.
	Schedule string
	// RetryInterval is the retry scheduler period; a group is finalized
	// once its start marker is older than twice this value.
	RetryInterval time.Duration
	Hostname      string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Aggregator periodically folds finished audit groups into events.
type Aggregator struct {
	cfg   AggregatorConfig
	cron  *cron.Cron
	runMu sync.Mutex
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 2m"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = Hostname()
	}
	a := &Aggregator{cfg: cfg, cron: cron.New()}
	if _, err := a.cron.AddFunc(cfg.Schedule, func() { a.Run() }); err != nil {
		return nil, fmt.Errorf("audit: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return a, nil
}

// Start starts the cron scheduler.
func (a *Aggregator) Start() { a.cron.Start() }

// Stop stops the scheduler and waits for a running pass to finish.
func (a *Aggregator) Stop() {
	<-a.cron.Stop().Done()
}

// Ready reports whether g can be finalized at now: it holds at least one
// record besides its start marker, and the marker is older than twice the
// retry interval so no retry of the same study is still outstanding.
func Ready(g spool.AuditGroup, now time.Time, retryInterval time.Duration) bool {
	return g.Files > 1 && now.Sub(g.Started) > 2*retryInterval
}

// Run performs one pass over every proxy AE and returns the number of
// events emitted. A group's records are removed only after the sink took
// its event; the first sink error ends the pass and leaves the remaining
// groups for the next one.
func (a *Aggregator) Run() int {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	emitted := 0
	for _, ae := range a.cfg.Devices.Device().ProxyAEs() {
		groups, err := a.cfg.Store.AuditGroups(ae.AETitle)
		if err != nil {
			log.Printf("[audit] %s: scan audit records: %v", ae.AETitle, err)
		}
		now := a.cfg.Now()
		for _, g := range groups {
			if !Ready(g, now, a.cfg.RetryInterval) {
				continue
			}
			ev := EventFromGroup(g, a.cfg.Hostname, now)
			if err := a.cfg.Sink.Emit(ev); err != nil {
				log.Printf("[audit] %s: emit %s for %s: %v; records kept", ae.AETitle, ev.Type, g.ID(), err)
				return emitted
			}
			a.cfg.Metrics.AuditEvent(string(ev.Type))
			emitted++
			if err := a.cfg.Store.RemoveAuditGroup(g); err != nil {
				log.Printf("[audit] %s: remove %s: %v", ae.AETitle, g.ID(), err)
			}
		}
	}
	return emitted
}

// Lifecycle emits an ApplicationStart or ApplicationStop event.
func (a *Aggregator) Lifecycle(t EventType) {
	ev := LifecycleEvent(t, a.cfg.Now())
	ev.Hostname = a.cfg.Hostname
	if err := a.cfg.Sink.Emit(ev); err != nil {
		log.Printf("[audit] emit %s: %v", t, err)
		return
	}
	a.cfg.Metrics.AuditEvent(string(t))
}
