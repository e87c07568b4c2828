package durability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"go.uber.org/zap"
)

// Handle is the entry point of the durability loop.
type Handle[C any] struct {
	requests    chan *StoreSegmentRequest[C]
	resume      chan string
	force       chan struct{}
	durable     chan Durable
	escalations chan Escalation
	done        chan struct{}
	logger      *zap.Logger

	// closing is closed first on shutdown so blocked senders give up
	// before requests is closed under mu.
	closing   chan struct{}
	closeOnce sync.Once
	forceOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	err error // set before done is closed
}

// New starts a durability loop storing into st. fsys reads index sidecars.
func New[C any](st storage.Storage[C], fsys fsio.FS, cfg Config, opts ...Option) *Handle[C] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	logger := o.logger.Named("durability")

	h := &Handle[C]{
		requests:    make(chan *StoreSegmentRequest[C], cfg.MaxEnqueuedJobs),
		resume:      make(chan string),
		force:       make(chan struct{}),
		durable:     make(chan Durable, cfg.NotifyBuffer),
		escalations: make(chan Escalation, cfg.NotifyBuffer),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
		logger:      logger,
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	l := &loop[C]{
		sched:       NewScheduler[C](o.checkpointer, logger),
		storage:     st,
		fs:          fsys,
		cfg:         cfg,
		logger:      logger,
		requests:    h.requests,
		resume:      h.resume,
		force:       h.force,
		results:     make(chan JobResult[C], cfg.MaxInFlight),
		durable:     h.durable,
		escalations: h.escalations,
		jobCtx:      jobCtx,
		cancelJobs:  cancel,
	}

	go func() {
		h.err = l.run()
		if h.err != nil && !errors.Is(h.err, ErrForcedShutdown) {
			logger.Error("durability loop stopped", zap.Error(h.err))
		}
		close(h.durable)
		close(h.escalations)
		close(h.done)
	}()
	return h
}

// Store submits a request. It blocks while the request channel is full and
// returns ErrClosed once shutdown has begun or the loop has stopped.
func (h *Handle[C]) Store(ctx context.Context, req *StoreSegmentRequest[C]) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	select {
	case <-h.closing:
		return ErrClosed
	case <-h.done:
		return ErrClosed
	default:
	}

	select {
	case h.requests <- req:
		metrics.RequestsReceived.WithLabelValues(req.Namespace).Inc()
		return nil
	case <-h.closing:
		return ErrClosed
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restarts a namespace halted by an escalation.
func (h *Handle[C]) Resume(ctx context.Context, namespace string) error {
	select {
	case h.resume <- namespace:
		return nil
	case <-h.closing:
		return ErrClosed
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Durable streams watermark advances. It is closed when the loop stops.
// Consumers must keep reading: the loop waits for room on it.
func (h *Handle[C]) Durable() <-chan Durable { return h.durable }

// Escalations streams requests that exhausted their retries. Like Durable,
// it must be drained.
func (h *Handle[C]) Escalations() <-chan Escalation { return h.escalations }

// Done is closed when the loop has stopped.
func (h *Handle[C]) Done() <-chan struct{} { return h.done }

// Err returns why the loop stopped: nil while running or after a graceful
// drain, ErrForcedShutdown, or a *JobPanicError.
func (h *Handle[C]) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Shutdown stops intake and waits up to timeout for queued work to drain.
// After that it forces the loop to stop, abandoning outstanding work, and
// waits for it unconditionally.
func (h *Handle[C]) Shutdown(timeout time.Duration) error {
	h.closeOnce.Do(func() {
		close(h.closing)
		h.mu.Lock()
		h.closed = true
		close(h.requests)
		h.mu.Unlock()
	})

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return h.err
	case <-t.C:
	}

	h.logger.Warn("durability drain timed out, forcing shutdown", zap.Duration("timeout", timeout))
	h.forceOnce.Do(func() { close(h.force) })
	<-h.done
	return h.err
}
