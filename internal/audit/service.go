package audit

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Service.Emit when the queue stayed full for
	// the whole enqueue timeout.
	ErrQueueFull = errors.New("audit queue full")
	// ErrServiceStopped is returned by Service.Emit after Stop.
	ErrServiceStopped = errors.New("audit service stopped")
)

// Service is an asynchronous audit event writer. Emit waits a bounded time
// for queue space and reports when the event was not taken; a background
// goroutine flushes batches to the Repo and keeps a batch whose write failed
// until a later flush succeeds.
type Service struct {
	repo           *Repo
	queue          chan Event
	batchSize      int
	interval       time.Duration
	enqueueTimeout time.Duration

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ServiceConfig configures the audit writer.
type ServiceConfig struct {
	Repo           *Repo
	QueueSize      int
	FlushBatch     int
	FlushInterval  time.Duration
	EnqueueTimeout time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	enqueueTimeout := cfg.EnqueueTimeout
	if enqueueTimeout <= 0 {
		enqueueTimeout = 5 * time.Second
	}
	return &Service{
		repo:           cfg.Repo,
		queue:          make(chan Event, queueSize),
		batchSize:      batchSize,
		interval:       interval,
		enqueueTimeout: enqueueTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining events, and returns.
func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Emit enqueues an event, waiting up to the enqueue timeout for space.
func (s *Service) Emit(ev Event) error {
	select {
	case <-s.stopCh:
		return ErrServiceStopped
	default:
	}
	select {
	case s.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(s.enqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- ev:
		return nil
	case <-s.stopCh:
		return ErrServiceStopped
	case <-timer.C:
		return fmt.Errorf("%w: %s event %s", ErrQueueFull, ev.Type, ev.ID)
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Event, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		queue := s.queue
		if len(batch) >= s.batchSize {
			// A full batch is only left over after a failed write. Taking no
			// more events pushes back on Emit until the write goes through.
			queue = nil
		}
		select {
		case ev := <-queue:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				batch = s.flush(batch)
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Event) {
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
		default:
			if len(batch) == 0 {
				return
			}
			if left := s.flush(batch); len(left) > 0 {
				log.Printf("[audit] %d events not stored at shutdown", len(left))
			}
			return
		}
	}
}

// flush writes events and returns the events still waiting to be stored:
// none on success, all of them when the write failed.
func (s *Service) flush(events []Event) []Event {
	n, err := s.repo.InsertBatch(events)
	if err != nil {
		log.Printf("[audit] flush %d events failed, retrying on next flush: %v", len(events), err)
		return events
	}
	if n > 0 {
		log.Printf("[audit] flushed %d events", n)
	}
	return events[:0]
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}
