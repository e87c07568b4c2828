package durability

import (
	"context"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"go.uber.org/zap"
)

// namespaceState is the durability bookkeeping of one namespace.
type namespaceState[C any] struct {
	name    string
	pending []*StoreSegmentRequest[C]
	// inFlight is set while the head of pending is being run.
	inFlight bool
	// halted is set when the head escalated; nothing runs until Resume.
	halted bool
	// queued is set while the namespace sits in the ready queue.
	queued    bool
	watermark uint64
	seeded    bool
}

func (ns *namespaceState[C]) runnable() bool {
	return len(ns.pending) > 0 && !ns.inFlight && !ns.halted
}

// Outcome is what reporting a job result means for observers.
type Outcome struct {
	Durable    *Durable
	Escalation *Escalation
}

// Scheduler owns pending and in-flight work. Requests of one namespace run
// one at a time in submission order, so its watermark follows the WAL.
// Namespaces with runnable work are served in FIFO order.
//
// A Scheduler is not safe for concurrent use; the loop owns it.
type Scheduler[C any] struct {
	namespaces  map[string]*namespaceState[C]
	ready       []*namespaceState[C]
	runnable    int // pending requests in namespaces that are not halted
	outstanding int // scheduled jobs not yet reported
	cp          Checkpointer
	logger      *zap.Logger
}

// NewScheduler creates an empty scheduler. cp may be nil.
func NewScheduler[C any](cp Checkpointer, logger *zap.Logger) *Scheduler[C] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler[C]{
		namespaces: make(map[string]*namespaceState[C]),
		cp:         cp,
		logger:     logger,
	}
}

func (s *Scheduler[C]) state(ctx context.Context, name string) *namespaceState[C] {
	ns, ok := s.namespaces[name]
	if !ok {
		ns = &namespaceState[C]{name: name}
		s.namespaces[name] = ns
	}
	if !ns.seeded && s.cp != nil {
		frameNo, err := s.cp.DurableFrameNo(ctx, name)
		if err != nil {
			s.logger.Warn("failed to load durable checkpoint", zap.String("namespace", name), zap.Error(err))
		} else {
			ns.watermark = frameNo
			ns.seeded = true
		}
	}
	return ns
}

func (s *Scheduler[C]) enqueue(ns *namespaceState[C]) {
	if ns.runnable() && !ns.queued {
		ns.queued = true
		s.ready = append(s.ready, ns)
	}
}

// Register adds a request behind the pending work of its namespace.
func (s *Scheduler[C]) Register(ctx context.Context, req *StoreSegmentRequest[C]) {
	ns := s.state(ctx, req.Namespace)
	ns.pending = append(ns.pending, req)
	if !ns.halted {
		s.runnable++
	}
	s.enqueue(ns)
	metrics.JobsQueued.WithLabelValues(ns.name).Set(float64(len(ns.pending)))
}

// HasWork reports whether Schedule would return a job.
func (s *Scheduler[C]) HasWork() bool {
	return len(s.ready) > 0
}

// Schedule returns the next runnable job, or nil.
func (s *Scheduler[C]) Schedule() *Job[C] {
	if len(s.ready) == 0 {
		return nil
	}
	ns := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	ns.queued = false

	ns.inFlight = true
	s.outstanding++
	return &Job[C]{Request: ns.pending[0]}
}

// Report records a finished job. On success the head of the namespace is
// done and the watermark advances; otherwise the namespace halts with the
// request still at its head.
func (s *Scheduler[C]) Report(ctx context.Context, res JobResult[C]) Outcome {
	req := res.Job.Request
	ns := s.namespaces[req.Namespace]
	s.outstanding--
	ns.inFlight = false

	if res.Err != nil {
		ns.halted = true
		s.runnable -= len(ns.pending)
		metrics.JobResults.WithLabelValues(ns.name, "escalated").Inc()
		metrics.Escalations.WithLabelValues(ns.name).Inc()

		s.logger.Error("durability request escalated, namespace halted",
			zap.String("namespace", ns.name),
			zap.Uint64("start_frame_no", res.Meta.StartFrameNo),
			zap.Uint64("end_frame_no", res.Meta.EndFrameNo),
			zap.Int("attempts", res.Attempts),
			zap.Int("pending", len(ns.pending)),
			zap.Error(res.Err),
		)
		if s.cp != nil {
			entry := meta.EscalationEntry{
				Namespace:    ns.name,
				StartFrameNo: res.Meta.StartFrameNo,
				EndFrameNo:   res.Meta.EndFrameNo,
				Attempts:     res.Attempts,
				LastError:    res.Err.Error(),
				At:           time.Now(),
			}
			if err := s.cp.RecordEscalation(ctx, entry); err != nil {
				s.logger.Warn("failed to record escalation", zap.String("namespace", ns.name), zap.Error(err))
			}
		}
		return Outcome{Escalation: &Escalation{
			Namespace:    ns.name,
			StartFrameNo: res.Meta.StartFrameNo,
			EndFrameNo:   res.Meta.EndFrameNo,
			Attempts:     res.Attempts,
			Err:          res.Err,
		}}
	}

	ns.pending[0] = nil
	ns.pending = ns.pending[1:]
	s.runnable--
	if res.Meta.EndFrameNo > ns.watermark {
		ns.watermark = res.Meta.EndFrameNo
	}
	metrics.JobResults.WithLabelValues(ns.name, "ok").Inc()
	metrics.JobsQueued.WithLabelValues(ns.name).Set(float64(len(ns.pending)))
	metrics.DurableFrameNo.WithLabelValues(ns.name).Set(float64(ns.watermark))

	if s.cp != nil {
		if err := s.cp.SetDurableFrameNo(ctx, ns.name, ns.watermark); err != nil {
			s.logger.Warn("failed to checkpoint durable frame", zap.String("namespace", ns.name), zap.Error(err))
		}
	}
	s.enqueue(ns)
	return Outcome{Durable: &Durable{Namespace: ns.name, FrameNo: ns.watermark, Segment: res.Meta}}
}

// Resume lets a halted namespace run again, starting with the request that
// escalated. It reports whether the namespace was halted.
func (s *Scheduler[C]) Resume(name string) bool {
	ns, ok := s.namespaces[name]
	if !ok || !ns.halted {
		return false
	}
	ns.halted = false
	s.runnable += len(ns.pending)
	s.enqueue(ns)
	s.logger.Info("namespace resumed", zap.String("namespace", name), zap.Int("pending", len(ns.pending)))
	return true
}

// IsEmpty reports that no runnable request is pending and every scheduled
// job has been reported. Requests held by halted namespaces do not count:
// they have already been escalated.
func (s *Scheduler[C]) IsEmpty() bool {
	return s.runnable == 0 && s.outstanding == 0
}

// Halted returns the number of requests held by halted namespaces.
func (s *Scheduler[C]) Halted() int {
	n := 0
	for _, ns := range s.namespaces {
		if ns.halted {
			n += len(ns.pending)
		}
	}
	return n
}

// Queued returns the number of pending requests that have not been
// scheduled.
func (s *Scheduler[C]) Queued() int {
	n := 0
	for _, ns := range s.namespaces {
		n += len(ns.pending)
		if ns.inFlight {
			n--
		}
	}
	return n
}
