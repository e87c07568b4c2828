// Package serve exposes the durability tier over HTTP and NATS.
package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBadRequest wraps errors caused by invalid caller input.
var ErrBadRequest = errors.New("bad request")

// Storage is the segment store behind the API. *file.Store implements it.
type Storage interface {
	storage.Storage[file.Config]
	Segments(namespace string) ([]file.SegmentInfo, error)
}

// Loop is the part of the durability loop the API controls.
// *durability.Handle implements it.
type Loop interface {
	Resume(ctx context.Context, namespace string) error
	Err() error
	Done() <-chan struct{}
}

// ServiceConfig holds dependencies for the service.
type ServiceConfig struct {
	Storage    Storage
	Meta       meta.Store
	Loop       Loop
	RestoreDir string
	Logger     *zap.Logger
}

// Service implements the operations shared by the HTTP API and the NATS
// responder.
type Service struct {
	storage    Storage
	meta       meta.Store
	loop       Loop
	restoreDir string
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		storage:    cfg.Storage,
		meta:       cfg.Meta,
		loop:       cfg.Loop,
		restoreDir: cfg.RestoreDir,
		logger:     logger.Named("serve"),
	}
}

// Status summarizes the process.
type Status struct {
	Status     string   `json:"status"`
	Durability string   `json:"durability"`
	Error      string   `json:"error,omitempty"`
	Namespaces []string `json:"namespaces"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Status: "ok", Durability: "running"}
	select {
	case <-s.loop.Done():
		st.Status = "degraded"
		st.Durability = "stopped"
		if err := s.loop.Err(); err != nil {
			st.Error = err.Error()
		}
	default:
	}

	names, err := s.meta.ListNamespaces(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("listing namespaces: %w", err)
	}
	st.Namespaces = names
	if st.Namespaces == nil {
		st.Namespaces = []string{}
	}
	return st, nil
}

// NamespaceMeta is the durable state of a namespace across tiers.
type NamespaceMeta struct {
	Namespace      string `json:"namespace"`
	MaxFrameNo     uint64 `json:"max_frame_no"`
	DurableFrameNo uint64 `json:"durable_frame_no"`
	LocalSegments  int64  `json:"local_segments"`
	LocalBytes     int64  `json:"local_bytes"`
	RemoteSegments int    `json:"remote_segments"`
	Escalations    int    `json:"escalations"`
}

func (s *Service) Meta(ctx context.Context, namespace string) (NamespaceMeta, error) {
	if err := file.ValidateNamespace(namespace); err != nil {
		return NamespaceMeta{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	local, err := s.storage.Meta(ctx, nil, namespace)
	if err != nil {
		return NamespaceMeta{}, err
	}
	remote := types.TierRemote
	remoteSegs, err := s.meta.ListSegments(ctx, namespace, &remote)
	if err != nil {
		return NamespaceMeta{}, fmt.Errorf("listing remote segments: %w", err)
	}
	durable, err := s.meta.DurableFrameNo(ctx, namespace)
	if err != nil {
		return NamespaceMeta{}, fmt.Errorf("loading durable frame: %w", err)
	}
	escs, err := s.meta.ListEscalations(ctx, namespace)
	if err != nil {
		return NamespaceMeta{}, fmt.Errorf("listing escalations: %w", err)
	}

	m := NamespaceMeta{
		Namespace:      namespace,
		MaxFrameNo:     local.MaxFrameNo,
		DurableFrameNo: durable,
		LocalSegments:  local.SegmentCount,
		LocalBytes:     local.TotalBytes,
		RemoteSegments: len(remoteSegs),
		Escalations:    len(escs),
	}
	for _, e := range remoteSegs {
		if e.EndFrameNo > m.MaxFrameNo {
			m.MaxFrameNo = e.EndFrameNo
		}
	}
	return m, nil
}

// SegmentView describes a segment and the tiers holding it.
type SegmentView struct {
	Name         string    `json:"name"`
	StartFrameNo uint64    `json:"start_frame_no"`
	EndFrameNo   uint64    `json:"end_frame_no"`
	SizeBytes    int64     `json:"size_bytes"`
	Tiers        []string  `json:"tiers"`
	CreatedAt    time.Time `json:"created_at"`
}

// Segments lists the segments of a namespace, local ones first, each once.
func (s *Service) Segments(ctx context.Context, namespace string) ([]SegmentView, error) {
	if err := file.ValidateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	local, err := s.storage.Segments(namespace)
	if err != nil {
		return nil, err
	}
	recorded, err := s.meta.ListSegments(ctx, namespace, nil)
	if err != nil {
		return nil, fmt.Errorf("listing recorded segments: %w", err)
	}

	views := make([]SegmentView, 0, len(local)+len(recorded))
	seen := make(map[string]int, len(local))
	for _, seg := range local {
		seen[seg.Name] = len(views)
		views = append(views, SegmentView{
			Name:         seg.Name,
			StartFrameNo: seg.StartFrameNo,
			EndFrameNo:   seg.EndFrameNo,
			SizeBytes:    seg.SizeBytes,
			Tiers:        []string{types.TierLocal.String()},
			CreatedAt:    seg.CreatedAt,
		})
	}
	for _, e := range recorded {
		if !e.HasTier(types.TierRemote) {
			continue
		}
		if i, ok := seen[e.Name]; ok {
			views[i].Tiers = append(views[i].Tiers, types.TierRemote.String())
			continue
		}
		views = append(views, SegmentView{
			Name:         e.Name,
			StartFrameNo: e.StartFrameNo,
			EndFrameNo:   e.EndFrameNo,
			SizeBytes:    e.SizeBytes,
			Tiers:        []string{types.TierRemote.String()},
			CreatedAt:    e.CreatedAt,
		})
	}
	return views, nil
}

func (s *Service) Escalations(ctx context.Context, namespace string) ([]meta.EscalationEntry, error) {
	if err := file.ValidateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	escs, err := s.meta.ListEscalations(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if escs == nil {
		escs = []meta.EscalationEntry{}
	}
	return escs, nil
}

// Restore materializes the segment covering frameNo under the restore
// directory and returns its path.
func (s *Service) Restore(ctx context.Context, namespace string, frameNo uint64) (string, error) {
	if err := file.ValidateNamespace(namespace); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	dir := filepath.Join(s.restoreDir, namespace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating restore dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%020d.segment", frameNo))

	// Linked under a unique name and renamed over dest, so concurrent
	// restores of one frame each replace the previous result.
	tmp := filepath.Join(dir, ".restore-"+uuid.NewString())
	if err := s.storage.FetchSegment(ctx, nil, namespace, frameNo, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing restored segment: %w", err)
	}
	s.logger.Info("segment restored",
		zap.String("namespace", namespace),
		zap.Uint64("frame_no", frameNo),
		zap.String("path", dest),
	)
	return dest, nil
}

// Resume restarts a namespace halted by an escalation.
func (s *Service) Resume(ctx context.Context, namespace string) error {
	if err := file.ValidateNamespace(namespace); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return s.loop.Resume(ctx, namespace)
}

var _ Loop = (*durability.Handle[file.Config])(nil)
var _ Storage = (*file.Store)(nil)
