// Package storage defines what it means to durably store a sealed segment
// and to materialize it again, independent of the physical tier.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/types"
)

// Re-export types for convenience.
type SegmentMeta = types.SegmentMeta
type DbMeta = types.DbMeta

// SegmentData is a random-access source whose exact length is known.
// *bytes.Reader, *io.SectionReader and segment.Sealed all satisfy it.
type SegmentData interface {
	io.ReaderAt
	Size() int64
}

// Storage persists segments and restores them. C is the per-call
// configuration; a nil *C means DefaultConfig.
//
// Store must be safe to call concurrently for distinct segment ids.
type Storage[C any] interface {
	Store(ctx context.Context, cfg *C, meta SegmentMeta, data SegmentData, index []byte) error
	FetchSegment(ctx context.Context, cfg *C, namespace string, frameNo uint64, destPath string) error
	Meta(ctx context.Context, cfg *C, namespace string) (DbMeta, error)
	DefaultConfig() *C
}

// RemoteStorage is the backing tier behind a local cache.
type RemoteStorage interface {
	Upload(ctx context.Context, filePath string, meta SegmentMeta) error
	// Fetch streams the segment covering frameNo. The stream may also
	// implement CreatedAter.
	Fetch(ctx context.Context, namespace string, frameNo uint64) (io.ReadCloser, error)
}

// CreatedAter is implemented by fetched streams that know when their
// segment was created.
type CreatedAter interface {
	CreatedAt() time.Time
}

// NoopRemote is the remote tier of a local-only deployment.
type NoopRemote struct{}

func (NoopRemote) Upload(context.Context, string, SegmentMeta) error { return nil }

func (NoopRemote) Fetch(_ context.Context, _ string, frameNo uint64) (io.ReadCloser, error) {
	return nil, FrameNotFound(frameNo)
}
