// Package ingest turns sealed-segment announcements published over NATS
// into durability requests.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Submitter accepts store requests. *durability.Handle[file.Config]
// implements it.
type Submitter interface {
	Store(ctx context.Context, req *durability.StoreSegmentRequest[file.Config]) error
}

// Notification is the payload published on <prefix>.sealed.<namespace>
// once the WAL has sealed a segment file.
type Notification struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	// SkipRemote keeps this segment in the local tier only.
	SkipRemote bool `json:"skip_remote,omitempty"`
}

// Reply is sent back when a notification was published as a request.
type Reply struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubscriberConfig holds dependencies for the subscriber.
type SubscriberConfig struct {
	NC     *nats.Conn
	Ingest config.IngestConfig
	Handle Submitter
	// Defaults is the storage configuration overrides are derived from.
	Defaults file.Config
	Logger   *zap.Logger
}

type openSegment struct {
	id         uuid.UUID
	path       string
	startFrame uint64
	endFrame   uint64
	f          *segment.File
}

// Subscriber opens announced segments and keeps them open until they are
// reported durable.
type Subscriber struct {
	nc       *nats.Conn
	cfg      config.IngestConfig
	submit   Submitter
	defaults file.Config
	logger   *zap.Logger

	mu   sync.Mutex
	open map[string][]openSegment
}

// NewSubscriber creates a subscriber. Run starts it.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		nc:       cfg.NC,
		cfg:      cfg.Ingest,
		submit:   cfg.Handle,
		defaults: cfg.Defaults,
		logger:   logger.Named("ingest"),
		open:     make(map[string][]openSegment),
	}
}

func (s *Subscriber) prefix() string {
	if s.cfg.SubjectPrefix == "" {
		return "wts"
	}
	return s.cfg.SubjectPrefix
}

// Subject returns the subject announcements for namespace are published on.
func (s *Subscriber) Subject(namespace string) string {
	return s.prefix() + ".sealed." + namespace
}

// Run subscribes and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	subject := s.prefix() + ".sealed.*"
	handler := func(msg *nats.Msg) { s.process(ctx, msg) }

	var (
		sub *nats.Subscription
		err error
	)
	if s.cfg.QueueGroup != "" {
		sub, err = s.nc.QueueSubscribe(subject, s.cfg.QueueGroup, handler)
	} else {
		sub, err = s.nc.Subscribe(subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	s.logger.Info("ingest subscriber started",
		zap.String("subject", subject),
		zap.String("queue_group", s.cfg.QueueGroup),
	)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("failed to drain subscription", zap.Error(err))
	}
	return nil
}

func (s *Subscriber) process(ctx context.Context, msg *nats.Msg) {
	namespace := strings.TrimPrefix(msg.Subject, s.prefix()+".sealed.")
	if err := file.ValidateNamespace(namespace); err != nil {
		s.reject(msg, namespace, "invalid_namespace", err)
		return
	}

	var n Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		s.reject(msg, namespace, "invalid_payload", fmt.Errorf("decoding notification: %w", err))
		return
	}
	if n.Path == "" {
		s.reject(msg, namespace, "invalid_payload", fmt.Errorf("notification has no path"))
		return
	}

	f, err := segment.Open(n.Path)
	if err != nil {
		s.reject(msg, namespace, "open_failed", err)
		return
	}

	req := &durability.StoreSegmentRequest[file.Config]{
		Namespace: namespace,
		Segment:   f,
		CreatedAt: n.CreatedAt,
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if n.SkipRemote {
		override := s.defaults
		override.SkipRemote = true
		req.StorageConfigOverride = &override
	}

	h := f.Header()
	if !s.track(namespace, openSegment{
		id:         h.SegmentID(),
		path:       filepath.Clean(n.Path),
		startFrame: h.StartFrameNo(),
		endFrame:   h.EndFrameNo(),
		f:          f,
	}) {
		f.Close()
		metrics.NotificationsReceived.WithLabelValues(namespace, "duplicate").Inc()
		s.logger.Debug("segment already in flight",
			zap.String("namespace", namespace),
			zap.String("path", n.Path),
			zap.Stringer("segment_id", h.SegmentID()),
		)
		s.respond(msg, Reply{Status: "duplicate"})
		return
	}
	if err := s.submit.Store(ctx, req); err != nil {
		s.untrack(namespace, f)
		f.Close()
		s.reject(msg, namespace, "rejected", fmt.Errorf("submitting segment: %w", err))
		return
	}

	metrics.NotificationsReceived.WithLabelValues(namespace, "accepted").Inc()
	s.logger.Debug("segment submitted",
		zap.String("namespace", namespace),
		zap.String("path", n.Path),
		zap.Uint64("start_frame_no", h.StartFrameNo()),
		zap.Uint64("end_frame_no", h.EndFrameNo()),
	)
	s.respond(msg, Reply{Status: "accepted"})
}

func (s *Subscriber) reject(msg *nats.Msg, namespace, status string, err error) {
	metrics.NotificationsReceived.WithLabelValues(namespace, status).Inc()
	s.logger.Warn("sealed segment notification rejected",
		zap.String("subject", msg.Subject),
		zap.String("status", status),
		zap.Error(err),
	)
	s.respond(msg, Reply{Status: status, Error: err.Error()})
}

func (s *Subscriber) respond(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(r)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to notification", zap.Error(err))
	}
}

// track records a submitted segment. It reports false when the same
// segment, by id or by path, is still in flight for namespace.
func (s *Subscriber) track(namespace string, seg openSegment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.open[namespace] {
		if o.id == seg.id || o.path == seg.path {
			return false
		}
	}
	s.open[namespace] = append(s.open[namespace], seg)
	return true
}

func (s *Subscriber) untrack(namespace string, f *segment.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.open[namespace]
	for i, seg := range segs {
		if seg.f == f {
			s.open[namespace] = append(segs[:i:i], segs[i+1:]...)
			return
		}
	}
}

// Release closes the segment whose completion d reports. Other segments of
// the namespace stay open even when the watermark already covers them:
// they may still be queued behind it.
func (s *Subscriber) Release(d durability.Durable) {
	s.mu.Lock()
	var done *segment.File
	segs := s.open[d.Namespace]
	for i, seg := range segs {
		if seg.id == d.Segment.SegmentID &&
			seg.startFrame == d.Segment.StartFrameNo &&
			seg.endFrame == d.Segment.EndFrameNo {
			done = seg.f
			segs = append(segs[:i:i], segs[i+1:]...)
			break
		}
	}
	if len(segs) == 0 {
		delete(s.open, d.Namespace)
	} else {
		s.open[d.Namespace] = segs
	}
	s.mu.Unlock()

	if done == nil {
		return
	}
	if err := done.Close(); err != nil {
		s.logger.Warn("failed to close segment", zap.String("namespace", d.Namespace), zap.Error(err))
	}
}

// Pending returns the number of submitted segments not yet durable.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, segs := range s.open {
		n += len(segs)
	}
	return n
}

// Close closes every segment still open. Call it once the durability loop
// has stopped.
func (s *Subscriber) Close() {
	s.mu.Lock()
	open := s.open
	s.open = make(map[string][]openSegment)
	s.mu.Unlock()

	for _, segs := range open {
		for _, seg := range segs {
			seg.f.Close()
		}
	}
}
