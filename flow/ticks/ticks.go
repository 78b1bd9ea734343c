// Package ticks implements the durable tick queue poller and bounded worker
// pool described by the runtime's dispatch model: a single poller drains
// batches from a durable Queue and hands each survivor to a worker; workers
// run concurrently up to a configured limit.
package ticks

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flowlite-go/flowlite/flow/persist"
)

// Queue is the durable storage a Scheduler polls. DequeueBatch must delete
// each row it returns under the store's own optimistic lock; losing that
// race to another poller is not an error, it simply means fewer rows come
// back than requested.
type Queue interface {
	Enqueue(ctx context.Context, flowID string, instanceID uuid.UUID) error
	DequeueBatch(ctx context.Context, limit int) ([]persist.Tick, error)
}

// MetricsRecorder receives best-effort scheduler health signals. A nil
// recorder is valid; Scheduler checks before every call.
type MetricsRecorder interface {
	SetQueueDepth(depth int)
	IncInFlight()
	DecInFlight()
}

// Option configures a Scheduler at construction time.
type Option func(*config)

type config struct {
	workers              int
	batchSize            int
	idlePollDelay        time.Duration
	shutdownDrainTimeout time.Duration
	metrics              MetricsRecorder
}

// WithWorkerConcurrency sets the number of tick handlers allowed to run
// concurrently. Default 4.
func WithWorkerConcurrency(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithBatchSize sets how many ticks the poller fetches per DequeueBatch
// call. Default matches worker concurrency.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithIdlePollDelay sets how long the poller sleeps after an empty batch.
// Default 200ms.
func WithIdlePollDelay(d time.Duration) Option {
	return func(c *config) { c.idlePollDelay = d }
}

// WithShutdownDrainTimeout bounds how long Shutdown waits for in-flight
// workers before returning anyway. Default 30s.
func WithShutdownDrainTimeout(d time.Duration) Option {
	return func(c *config) { c.shutdownDrainTimeout = d }
}

// WithMetrics attaches a MetricsRecorder; flow/metrics.Recorder satisfies
// this interface.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *config) { c.metrics = m }
}

// Scheduler owns the poll loop and worker pool described in the runtime's
// tick scheduler component. It satisfies persist.TickScheduler.
type Scheduler struct {
	queue   Queue
	cfg     config
	handler persist.TickHandler

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New builds a Scheduler backed by queue. Call SetTickHandler before Start.
func New(queue Queue, opts ...Option) *Scheduler {
	cfg := config{
		workers:              4,
		idlePollDelay:        200 * time.Millisecond,
		shutdownDrainTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = cfg.workers
	}
	return &Scheduler{
		queue:  queue,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		sem:    semaphore.NewWeighted(int64(cfg.workers)),
	}
}

// SetTickHandler registers the function invoked for each delivered tick.
// Must be called once, before Start.
func (s *Scheduler) SetTickHandler(handler persist.TickHandler) {
	s.handler = handler
}

// ScheduleTick enqueues one tick; duplicates are tolerated by the runtime.
func (s *Scheduler) ScheduleTick(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	return s.queue.Enqueue(ctx, flowID, instanceID)
}

// Start runs the poller until ctx is cancelled or Shutdown is called. It
// blocks; callers typically run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.handler == nil {
		panic("ticks: SetTickHandler must be called before Start")
	}
	s.running.Store(true)
	defer close(s.doneCh)

	admitCtx, cancelAdmit := context.WithCancel(ctx)
	defer cancelAdmit()
	go func() {
		select {
		case <-s.stopCh:
			cancelAdmit()
		case <-admitCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stopCh:
			s.wg.Wait()
			return
		default:
		}

		batch, err := s.queue.DequeueBatch(ctx, s.cfg.batchSize)
		if err != nil {
			log.Printf("ticks: dequeue batch: %v", err)
			s.sleep(ctx)
			continue
		}
		if s.cfg.metrics != nil {
			s.cfg.metrics.SetQueueDepth(len(batch))
		}
		if len(batch) == 0 {
			s.sleep(ctx)
			continue
		}

		for _, tick := range batch {
			if err := s.sem.Acquire(admitCtx, 1); err != nil {
				s.wg.Wait()
				return
			}
			s.wg.Add(1)
			go s.runWorker(ctx, tick)
		}
	}
}

func (s *Scheduler) runWorker(ctx context.Context, tick persist.Tick) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	if s.cfg.metrics != nil {
		s.cfg.metrics.IncInFlight()
		defer s.cfg.metrics.DecInFlight()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ticks: worker panic for instance %s: %v", tick.FlowInstanceID, r)
		}
	}()
	s.handler(ctx, tick)
}

func (s *Scheduler) sleep(ctx context.Context) {
	timer := time.NewTimer(s.cfg.idlePollDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-timer.C:
	}
}

// Shutdown signals the poller to stop accepting new batches and waits for
// in-flight workers to drain up to its configured timeout, then returns
// regardless of whether they finished.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if !s.running.Load() {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, s.cfg.shutdownDrainTimeout)
	defer cancel()

	select {
	case <-s.doneCh:
		return nil
	case <-deadline.Done():
		return deadline.Err()
	}
}
