package lifecycle

import (
	"context"

	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// Reconcile brings the tiers recorded in metadata back in line with what
// the local cache and the remote tier actually hold. This can drift after
// a crash between an eviction and its metadata update, or after a remote
// fetch repopulated the cache. Entries held by neither tier are deleted.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	namespaces, err := m.meta.ListNamespaces(ctx)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, ns := range namespaces {
		local, err := m.cache.Segments(ns)
		if err != nil {
			m.logger.Warn("error listing local segments", zap.String("namespace", ns), zap.Error(err))
			continue
		}
		cached := make(map[string]bool, len(local))
		for _, seg := range local {
			cached[seg.Name] = true
		}

		entries, err := m.meta.ListSegments(ctx, ns, nil)
		if err != nil {
			return fixed, err
		}
		for _, e := range entries {
			var tiers []types.Tier
			if cached[e.Name] {
				tiers = append(tiers, types.TierLocal)
			}
			if e.HasTier(types.TierRemote) {
				exists, err := m.remote.Exists(ctx, ns, e.Name)
				if err != nil {
					m.logger.Warn("error checking remote segment",
						zap.String("namespace", ns), zap.String("segment", e.Name), zap.Error(err))
					continue
				}
				if exists {
					tiers = append(tiers, types.TierRemote)
				}
			}

			if sameTiers(tiers, e.Tiers) {
				continue
			}
			if len(tiers) == 0 {
				m.logger.Warn("segment metadata matches no tier, removing",
					zap.String("namespace", ns), zap.String("segment", e.Name))
				if err := m.meta.DeleteSegment(ctx, ns, e.Name); err != nil {
					m.logger.Error("failed to delete orphan metadata", zap.String("segment", e.Name), zap.Error(err))
					continue
				}
			} else if err := m.meta.UpdateTiers(ctx, ns, e.Name, tiers); err != nil {
				m.logger.Error("failed to update tiers", zap.String("segment", e.Name), zap.Error(err))
				continue
			}
			fixed++
		}
	}
	return fixed, nil
}

func sameTiers(a, b []types.Tier) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		found := false
		for _, u := range b {
			if t == u {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
