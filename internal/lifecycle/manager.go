// Package lifecycle bounds the local segment cache. Only segments the
// remote tier is known to hold are ever evicted.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// Cache is the local tier. *file.Store implements it.
type Cache interface {
	Segments(namespace string) ([]file.SegmentInfo, error)
	Evict(namespace, name string) error
}

// Remote answers whether the remote tier holds a segment. *blob.Store
// implements it.
type Remote interface {
	Exists(ctx context.Context, namespace, name string) (bool, error)
}

// Manager evicts cached segments past the configured age, count or size
// limits of their namespace, oldest first.
type Manager struct {
	cache  Cache
	remote Remote
	meta   meta.Store
	cfg    config.LifecycleConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a new lifecycle manager.
func NewManager(cache Cache, remote Remote, metaStore meta.Store, cfg config.LifecycleConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cache:  cache,
		remote: remote,
		meta:   metaStore,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run starts the periodic eviction loop.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.EvalInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				m.logger.Error("reconcile error", zap.Error(err))
			}
			if _, err := m.evictCycle(ctx); err != nil {
				m.logger.Error("eviction cycle error", zap.Error(err))
			}
		}
	}
}

func (m *Manager) evictCycle(ctx context.Context) (int, error) {
	namespaces, err := m.meta.ListNamespaces(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := m.evictNamespace(ctx, ns)
		total += n
		if err != nil {
			m.logger.Error("eviction failed", zap.String("namespace", ns), zap.Error(err))
		}
	}
	return total, nil
}

func (m *Manager) evictNamespace(ctx context.Context, ns string) (int, error) {
	segs, err := m.cache.Segments(ns)
	if err != nil {
		return 0, err
	}

	var bytes int64
	for _, seg := range segs {
		bytes += seg.SizeBytes
	}
	count := len(segs)

	var cutoff time.Time
	if m.cfg.MaxAge > 0 {
		cutoff = m.now().Add(-m.cfg.MaxAge.Duration())
	}

	evicted := 0
	for _, seg := range segs {
		expired := !cutoff.IsZero() && seg.CreatedAt.Before(cutoff)
		overCount := m.cfg.MaxSegments > 0 && count > m.cfg.MaxSegments
		overBytes := m.cfg.MaxBytes > 0 && bytes > int64(m.cfg.MaxBytes)
		if !expired && !overCount && !overBytes {
			// Segments are ordered by start frame, so later ones are
			// younger and the limits are already met.
			break
		}

		ok, err := m.evictable(ctx, ns, seg.Name)
		if err != nil {
			return evicted, err
		}
		if !ok {
			continue
		}
		if err := m.cache.Evict(ns, seg.Name); err != nil {
			return evicted, err
		}
		if err := m.meta.UpdateTiers(ctx, ns, seg.Name, []types.Tier{types.TierRemote}); err != nil {
			m.logger.Warn("failed to update tiers after eviction", zap.String("segment", seg.Name), zap.Error(err))
		}

		metrics.CacheEvictions.WithLabelValues(ns).Inc()
		m.logger.Info("evicted segment from local cache",
			zap.String("namespace", ns),
			zap.String("segment", seg.Name),
			zap.Int64("size_bytes", seg.SizeBytes),
			zap.Time("created_at", seg.CreatedAt),
		)
		evicted++
		count--
		bytes -= seg.SizeBytes
	}
	return evicted, nil
}

// evictable reports whether the remote tier holds the segment, according
// to both the metadata store and the remote itself.
func (m *Manager) evictable(ctx context.Context, ns, name string) (bool, error) {
	entry, err := m.meta.GetSegment(ctx, ns, name)
	if errors.Is(err, meta.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !entry.HasTier(types.TierRemote) {
		return false, nil
	}
	exists, err := m.remote.Exists(ctx, ns, name)
	if err != nil {
		return false, err
	}
	if !exists {
		m.logger.Warn("segment recorded as uploaded is missing remotely, keeping local copy",
			zap.String("namespace", ns), zap.String("segment", name))
	}
	return exists, nil
}
