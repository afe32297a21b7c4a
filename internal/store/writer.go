package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/misswatch/misswatch/internal/metrics"
)

const (
	queueSizeDefault    = 1024
	blockTimeoutDefault = 30 * time.Second
	retryBudgetDefault  = time.Minute
)

var ErrWriterClosed = errors.New("writer is closed")

// JobKind distinguishes droppable from critical queue items.
type JobKind string

const (
	JobTransactions JobKind = "transactions"
	JobBlock        JobKind = "block"
	JobMisses       JobKind = "misses"
)

// Job is one unit of persistence work.
type Job struct {
	Kind   JobKind
	Txs    []*Transaction
	Block  *BeaconBlock
	Misses []*Miss
}

func (j *Job) droppable() bool {
	return j.Kind == JobTransactions
}

// Writer drains a bounded queue into the store. When the queue is full,
// oldest droppable items (redundant transaction rows) are evicted first;
// critical items block the caller, and sustained blockage triggers the
// onBlocked callback so the tracker can reset. If the store stays unreachable
// beyond the retry budget the writer enters a degraded state in which jobs
// are dropped with a counter incremented instead of blocking detection.
type Writer struct {
	store  MissStore
	logger *slog.Logger

	capacity     int
	blockTimeout time.Duration
	retryBudget  time.Duration
	onBlocked    func()

	mu     sync.Mutex
	jobs   []*Job
	kick   chan struct{}
	freed  chan struct{}
	closed bool

	degraded atomic.Bool

	waitGroup *sync.WaitGroup
	cancelAll context.CancelFunc
	ctx       context.Context
}

func WithQueueSize(n int) func(*Writer) {
	return func(w *Writer) {
		w.capacity = n
	}
}

func WithBlockTimeout(d time.Duration) func(*Writer) {
	return func(w *Writer) {
		w.blockTimeout = d
	}
}

func WithRetryBudget(d time.Duration) func(*Writer) {
	return func(w *Writer) {
		w.retryBudget = d
	}
}

// WithOnBlocked installs the callback invoked when a critical enqueue has
// been blocked for longer than the block timeout.
func WithOnBlocked(fn func()) func(*Writer) {
	return func(w *Writer) {
		w.onBlocked = fn
	}
}

func NewWriter(missStore MissStore, logger *slog.Logger, opts ...func(*Writer)) *Writer {
	w := &Writer{
		store:        missStore,
		logger:       logger.With(slog.String("module", "writer")),
		capacity:     queueSizeDefault,
		blockTimeout: blockTimeoutDefault,
		retryBudget:  retryBudgetDefault,
		onBlocked:    func() {},
		kick:         make(chan struct{}, 1),
		freed:        make(chan struct{}, 1),
		waitGroup:    &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(w)
	}

	ctx, cancelAll := context.WithCancel(context.Background())
	w.cancelAll = cancelAll
	w.ctx = ctx
	return w
}

func (w *Writer) Start() {
	w.waitGroup.Add(1)
	go func() {
		defer w.waitGroup.Done()
		w.drain()
	}()
}

// Degraded reports whether the writer is currently dropping jobs because the
// store is unreachable.
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}

// QueueLen reports the number of queued jobs.
func (w *Writer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// Enqueue adds a job to the queue. Droppable jobs are discarded when no space
// can be made; critical jobs block up to the block timeout, then trigger
// onBlocked and are dropped with an error logged.
func (w *Writer) Enqueue(job *Job) error {
	if w.degraded.Load() {
		// Degraded mode: detection continues, results are counted and
		// dropped. A successful background write re-arms the queue.
		metrics.WritesDropped.WithLabelValues(string(job.Kind)).Inc()
		return nil
	}

	deadline := time.NewTimer(w.blockTimeout)
	defer deadline.Stop()

	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return ErrWriterClosed
		}
		if len(w.jobs) < w.capacity {
			w.jobs = append(w.jobs, job)
			w.mu.Unlock()
			w.signal(w.kick)
			return nil
		}

		// Queue full: evict the oldest droppable item to make room.
		evicted := false
		for i, queued := range w.jobs {
			if queued.droppable() {
				w.jobs = append(w.jobs[:i], w.jobs[i+1:]...)
				metrics.WritesDropped.WithLabelValues(string(queued.Kind)).Inc()
				evicted = true
				break
			}
		}
		if evicted {
			w.jobs = append(w.jobs, job)
			w.mu.Unlock()
			w.signal(w.kick)
			return nil
		}
		w.mu.Unlock()

		if job.droppable() {
			metrics.WritesDropped.WithLabelValues(string(job.Kind)).Inc()
			return nil
		}

		select {
		case <-w.freed:
		case <-deadline.C:
			w.logger.Error("persistence queue blocked beyond limit, dropping critical job",
				slog.String("kind", string(job.Kind)), slog.Duration("timeout", w.blockTimeout))
			metrics.WritesDropped.WithLabelValues(string(job.Kind)).Inc()
			w.onBlocked()
			return nil
		case <-w.ctx.Done():
			return ErrWriterClosed
		}
	}
}

func (w *Writer) drain() {
	for {
		w.mu.Lock()
		var job *Job
		if len(w.jobs) > 0 {
			job = w.jobs[0]
			w.jobs = w.jobs[1:]
		}
		w.mu.Unlock()

		if job == nil {
			if w.degraded.Load() {
				select {
				case <-w.kick:
				case <-time.After(w.blockTimeout):
					w.probe()
				case <-w.ctx.Done():
					return
				}
				continue
			}
			select {
			case <-w.kick:
				continue
			case <-w.ctx.Done():
				return
			}
		}

		w.write(job)
		w.signal(w.freed)
	}
}

func (w *Writer) write(job *Job) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.retryBudget

	err := backoff.Retry(func() error {
		return w.writeOnce(job)
	}, backoff.WithContext(bo, w.ctx))

	if err != nil {
		if !w.degraded.Swap(true) {
			w.logger.Error("store unreachable beyond retry budget, entering degraded mode",
				slog.String("err", err.Error()))
		}
		metrics.WritesDropped.WithLabelValues(string(job.Kind)).Inc()
		return
	}

	if w.degraded.Swap(false) {
		w.logger.Info("store reachable again, leaving degraded mode")
	}
}

func (w *Writer) writeOnce(job *Job) error {
	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	switch job.Kind {
	case JobTransactions:
		return w.store.InsertTransactions(ctx, job.Txs)
	case JobBlock:
		return w.store.InsertBlock(ctx, job.Block)
	case JobMisses:
		return w.store.InsertMisses(ctx, job.Misses)
	}
	return nil
}

// probe checks whether a degraded store has come back. Events dropped while
// degraded are not recovered.
func (w *Writer) probe() {
	ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
	defer cancel()

	if err := w.store.Ping(ctx); err != nil {
		return
	}
	if w.degraded.Swap(false) {
		w.logger.Info("store reachable again, leaving degraded mode")
	}
}

func (w *Writer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Shutdown stops the drain loop after the current job and closes the queue.
func (w *Writer) Shutdown() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.cancelAll()
	w.waitGroup.Wait()
}
