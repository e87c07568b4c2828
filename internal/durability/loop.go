package durability

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"go.uber.org/zap"
)

// loop is the only goroutine touching the scheduler.
type loop[C any] struct {
	sched   *Scheduler[C]
	storage storage.Storage[C]
	fs      fsio.FS
	cfg     Config
	logger  *zap.Logger

	requests <-chan *StoreSegmentRequest[C]
	resume   <-chan string
	force    <-chan struct{}

	// results has room for every job that can be in flight, so a job
	// never blocks on completion even after the loop has gone.
	results     chan JobResult[C]
	durable     chan<- Durable
	escalations chan<- Escalation

	// jobCtx is cancelled on exit. Only a forced shutdown or a job panic
	// leaves jobs behind to observe it.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	inFlight     int
	shuttingDown bool
}

func (l *loop[C]) run() error {
	defer l.cancelJobs()
	l.logger.Info("durability loop started",
		zap.Int("max_in_flight", l.cfg.MaxInFlight),
		zap.Int("max_attempts", l.cfg.MaxAttempts),
	)

	for {
		if l.shuttingDown && l.sched.IsEmpty() {
			if n := l.sched.Halted(); n > 0 {
				l.logger.Error("durability loop drained with halted namespaces",
					zap.Int("escalated_pending", n))
			}
			l.logger.Info("durability loop drained")
			return nil
		}

		for l.inFlight < l.cfg.MaxInFlight && l.sched.HasWork() {
			l.spawn(l.sched.Schedule())
		}

		if err := l.step(); err != nil {
			return err
		}
	}
}

// step waits for one event. Completions come first so capacity is freed
// before new work is admitted, and admitted work comes before a forced
// shutdown. A completion that arrives while step is already waiting races
// the other cases, so every case drains waiting completions before it acts.
func (l *loop[C]) step() error {
	requests, resume := l.requests, l.resume
	if l.shuttingDown {
		requests, resume = nil, nil
	}

	if n, err := l.completeReady(); n > 0 || err != nil {
		return err
	}

	select {
	case req, ok := <-requests:
		return l.admitAfterCompletions(req, ok)
	case name := <-resume:
		return l.resumeAfterCompletions(name)
	default:
	}

	select {
	case res := <-l.results:
		return l.complete(res)
	case req, ok := <-requests:
		return l.admitAfterCompletions(req, ok)
	case name := <-resume:
		return l.resumeAfterCompletions(name)
	case <-l.force:
		if _, err := l.completeReady(); err != nil {
			return err
		}
		return l.forced()
	}
}

// completeReady handles every completion already waiting.
func (l *loop[C]) completeReady() (int, error) {
	n := 0
	for {
		select {
		case res := <-l.results:
			n++
			if err := l.complete(res); err != nil {
				return n, err
			}
		default:
			return n, nil
		}
	}
}

func (l *loop[C]) admitAfterCompletions(req *StoreSegmentRequest[C], ok bool) error {
	if _, err := l.completeReady(); err != nil {
		return err
	}
	l.admit(req, ok)
	return nil
}

func (l *loop[C]) resumeAfterCompletions(name string) error {
	if _, err := l.completeReady(); err != nil {
		return err
	}
	l.sched.Resume(name)
	return nil
}

func (l *loop[C]) admit(req *StoreSegmentRequest[C], ok bool) {
	if !ok {
		l.shuttingDown = true
		l.logger.Info("durability loop shutting down",
			zap.Int("in_flight", l.inFlight),
			zap.Int("queued", l.sched.Queued()),
		)
		return
	}
	l.sched.Register(l.jobCtx, req)
}

func (l *loop[C]) spawn(job *Job[C]) {
	l.inFlight++
	metrics.JobsInFlight.Inc()
	go func() {
		var res JobResult[C]
		defer func() {
			if r := recover(); r != nil {
				res = JobResult[C]{
					Job:        job,
					Err:        fmt.Errorf("job panicked: %v", r),
					panicked:   true,
					panicValue: r,
					stack:      debug.Stack(),
				}
			}
			metrics.JobsInFlight.Dec()
			l.results <- res
		}()
		res = job.Run(l.jobCtx, l.storage, l.fs, l.cfg, l.logger)
	}()
}

func (l *loop[C]) complete(res JobResult[C]) error {
	l.inFlight--

	if res.panicked {
		l.logger.Error("durability job panicked, stopping loop",
			zap.String("namespace", res.Job.Request.Namespace),
			zap.Any("panic", res.panicValue),
			zap.ByteString("stack", res.stack),
		)
		return &JobPanicError{
			Namespace: res.Job.Request.Namespace,
			Value:     res.panicValue,
			Stack:     res.stack,
		}
	}

	out := l.sched.Report(l.jobCtx, res)
	if out.Durable != nil {
		select {
		case l.durable <- *out.Durable:
		case <-l.force:
			return l.forced()
		}
	}
	if out.Escalation != nil {
		select {
		case l.escalations <- *out.Escalation:
		case <-l.force:
			return l.forced()
		}
	}
	return nil
}

func (l *loop[C]) forced() error {
	metrics.ForcedShutdowns.Inc()
	l.logger.Warn("durability loop forced to shut down, abandoning work",
		zap.Int("in_flight", l.inFlight),
		zap.Int("queued", l.sched.Queued()),
		zap.Int("escalated_pending", l.sched.Halted()),
	)
	return ErrForcedShutdown
}
