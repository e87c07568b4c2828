package durability

import (
	"context"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"go.uber.org/zap"
)

// Config bounds the loop and sets the retry policy.
type Config struct {
	// MaxInFlight caps concurrently executing jobs.
	MaxInFlight int
	// MaxEnqueuedJobs is the capacity of the request channel. Store blocks
	// once it is full.
	MaxEnqueuedJobs int
	// NotifyBuffer is the capacity of the Durable and Escalations channels.
	// The loop blocks once a full channel is not drained.
	NotifyBuffer int
	// MaxAttempts bounds how often a job runs a request before escalating.
	// Zero retries forever.
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns the settings used for zero fields of Config.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:     16,
		MaxEnqueuedJobs: 1024,
		NotifyBuffer:    1024,
		MaxAttempts:     5,
		RetryBackoff:    500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.MaxEnqueuedJobs <= 0 {
		c.MaxEnqueuedJobs = d.MaxEnqueuedJobs
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = d.NotifyBuffer
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.MaxBackoff > 0 && c.RetryBackoff > c.MaxBackoff {
		c.RetryBackoff = c.MaxBackoff
	}
	return c
}

// backoff returns the delay before the given retry, counting from 1.
func (c Config) backoff(retry int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < retry && d > 0; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Checkpointer persists durability progress. *meta.BoltStore implements it.
type Checkpointer interface {
	DurableFrameNo(ctx context.Context, namespace string) (uint64, error)
	SetDurableFrameNo(ctx context.Context, namespace string, frameNo uint64) error
	RecordEscalation(ctx context.Context, entry meta.EscalationEntry) error
}

var _ Checkpointer = (*meta.BoltStore)(nil)

type options struct {
	logger       *zap.Logger
	checkpointer Checkpointer
}

// Option configures a Handle.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCheckpointer persists watermarks and escalations, and seeds each
// namespace's watermark from the last checkpoint.
func WithCheckpointer(cp Checkpointer) Option {
	return func(o *options) { o.checkpointer = cp }
}
