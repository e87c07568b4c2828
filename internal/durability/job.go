package durability

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// Job stores one request. It is owned by the loop while it runs.
type Job[C any] struct {
	Request *StoreSegmentRequest[C]
}

// JobResult is the outcome of a job. Err is set when every attempt failed.
type JobResult[C any] struct {
	Job      *Job[C]
	Meta     types.SegmentMeta
	Attempts int
	Err      error

	// panicked is set when the job did not return; see JobPanicError.
	panicked   bool
	panicValue any
	stack      []byte
}

// Meta describes the segment of the request.
func (j *Job[C]) Meta() types.SegmentMeta {
	h := j.Request.Segment.Header()
	return types.SegmentMeta{
		Namespace:    j.Request.Namespace,
		SegmentID:    h.SegmentID(),
		StartFrameNo: h.StartFrameNo(),
		EndFrameNo:   h.EndFrameNo(),
		CreatedAt:    j.Request.CreatedAt,
	}
}

// Run stores the request, retrying failed attempts with exponential backoff
// until cfg.MaxAttempts is reached or ctx is done.
func (j *Job[C]) Run(ctx context.Context, st storage.Storage[C], fsys fsio.FS, cfg Config, logger *zap.Logger) JobResult[C] {
	res := JobResult[C]{Job: j, Meta: j.Meta()}
	if err := res.Meta.Validate(); err != nil {
		res.Attempts = 1
		res.Err = err
		return res
	}

	for {
		res.Attempts++
		err := j.store(ctx, st, fsys, res.Meta)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err
		metrics.JobResults.WithLabelValues(res.Meta.Namespace, "retry").Inc()

		if cfg.MaxAttempts > 0 && res.Attempts >= cfg.MaxAttempts {
			return res
		}
		delay := cfg.backoff(res.Attempts)
		logger.Warn("durability attempt failed, retrying",
			zap.String("namespace", res.Meta.Namespace),
			zap.Uint64("start_frame_no", res.Meta.StartFrameNo),
			zap.Uint64("end_frame_no", res.Meta.EndFrameNo),
			zap.Int("attempt", res.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Err = fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
			return res
		case <-t.C:
		}
	}
}

func (j *Job[C]) store(ctx context.Context, st storage.Storage[C], fsys fsio.FS, m types.SegmentMeta) error {
	var index []byte
	if p := j.Request.Segment.IndexPath(); p != "" {
		b, err := fsys.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading segment index %s: %w", p, err)
		}
		index = b
	}
	return st.Store(ctx, j.Request.StorageConfigOverride, m, j.Request.Segment, index)
}
