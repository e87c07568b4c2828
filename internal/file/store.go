package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/iobuf"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// copyChunk is the buffer size used when writing a remote stream to disk.
const copyChunk = 1 << 20

// QuarantineSuffix is appended to segment files whose names do not parse.
const QuarantineSuffix = ".malformed"

// Config is the per-call configuration of Store.
type Config struct {
	// Fsync flushes segment files before they are indexed and uploaded.
	Fsync bool
	// SkipRemote keeps the segment local-only.
	SkipRemote bool
}

// StoreConfig holds dependencies for the local segment cache.
type StoreConfig struct {
	DataDir string
	// VerifyHeaders cross-checks each segment's header against its file
	// name before it is served.
	VerifyHeaders bool
	Defaults      Config
	FS            fsio.FS
	Remote        storage.RemoteStorage
	Logger        *zap.Logger
}

// SegmentInfo describes one segment held in the local cache.
type SegmentInfo struct {
	Name         string
	StartFrameNo uint64
	EndFrameNo   uint64
	CreatedAt    time.Time
	SizeBytes    int64
}

// Store implements storage.Storage on a local segment directory backed by
// a remote tier. Segments live at <data_dir>/<namespace>/segments/<name>.
type Store struct {
	dataDir  string
	verify   bool
	defaults Config
	fs       fsio.FS
	remote   storage.RemoteStorage
	logger   *zap.Logger

	// index holds, per namespace, the local segments sorted by start frame.
	// It is built by one directory scan and then kept up to date by every
	// operation that adds or removes a file.
	mu    sync.RWMutex
	index map[string][]SegmentInfo
}

var _ storage.Storage[Config] = (*Store)(nil)

// NewStore creates the data directory and returns a store over it.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if cfg.FS == nil {
		cfg.FS = fsio.OS{}
	}
	if cfg.Remote == nil {
		cfg.Remote = storage.NoopRemote{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := cfg.FS.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	return &Store{
		dataDir:  cfg.DataDir,
		verify:   cfg.VerifyHeaders,
		defaults: cfg.Defaults,
		fs:       cfg.FS,
		remote:   cfg.Remote,
		logger:   cfg.Logger,
		index:    make(map[string][]SegmentInfo),
	}, nil
}

func (s *Store) DefaultConfig() *Config {
	c := s.defaults
	return &c
}

func (s *Store) segmentsDir(namespace string) string {
	return filepath.Join(s.dataDir, namespace, storage.SegmentsDir)
}

// SegmentPath returns where a segment of namespace is stored locally.
func (s *Store) SegmentPath(namespace, name string) string {
	return filepath.Join(s.segmentsDir(namespace), name)
}

func (s *Store) Store(ctx context.Context, cfg *Config, meta storage.SegmentMeta, data storage.SegmentData, index []byte) error {
	if cfg == nil {
		cfg = s.DefaultConfig()
	}
	if err := ValidateNamespace(meta.Namespace); err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	start := time.Now()

	dir := s.segmentsDir(meta.Namespace)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return storage.StoreFailed("creating segments dir", err)
	}

	name := storage.SegmentKey(meta)
	path := filepath.Join(dir, name)

	// Written under a temporary name and renamed, so a crash never leaves
	// a partial file under a canonical segment name, and a retried store
	// never truncates an inode already hard-linked by a restore.
	tmp, err := s.fs.CreateTemp(dir, ".store-*")
	if err != nil {
		return storage.StoreFailed("creating segment file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		s.fs.Remove(tmpName)
	}

	buf, err := iobuf.ReadExactAt(data, iobuf.NewVec(int(data.Size())), 0)
	if err != nil {
		cleanup()
		return storage.StoreFailed("reading segment data", err)
	}
	if _, err := iobuf.WriteAllAt(tmp, buf, 0); err != nil {
		cleanup()
		return storage.StoreFailed("writing segment file", err)
	}
	if cfg.Fsync {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return storage.StoreFailed("syncing segment file", err)
		}
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return storage.StoreFailed("closing segment file", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return storage.StoreFailed("renaming segment file", err)
	}

	if len(index) > 0 {
		idx, err := s.fs.OpenFile(path+segment.IndexSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return storage.StoreFailed("creating index sidecar", err)
		}
		_, err = iobuf.WriteAllAt(idx, iobuf.VecFrom(index), 0)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return storage.StoreFailed("writing index sidecar", err)
		}
	}

	size := int64(buf.BytesInit())
	grown, err := s.insert(meta.Namespace, SegmentInfo{
		Name:         name,
		StartFrameNo: meta.StartFrameNo,
		EndFrameNo:   meta.EndFrameNo,
		CreatedAt:    meta.CreatedAt,
		SizeBytes:    size,
	})
	if err != nil {
		return storage.StoreFailed("indexing segment", err)
	}

	metrics.SegmentsStored.WithLabelValues(meta.Namespace, types.TierLocal.String()).Inc()
	metrics.TierBytes.WithLabelValues(meta.Namespace, types.TierLocal.String()).Add(float64(grown))

	s.logger.Debug("segment stored on disk",
		zap.String("namespace", meta.Namespace),
		zap.String("path", path),
		zap.Uint64("start_frame_no", meta.StartFrameNo),
		zap.Uint64("end_frame_no", meta.EndFrameNo),
		zap.Int64("size", size),
	)

	if !cfg.SkipRemote {
		uploadStart := time.Now()
		if err := s.remote.Upload(ctx, path, meta); err != nil {
			metrics.UploadErrors.WithLabelValues(meta.Namespace).Inc()
			return storage.StoreFailed("uploading to remote tier", err)
		}
		metrics.UploadDuration.WithLabelValues(meta.Namespace).Observe(time.Since(uploadStart).Seconds())
	}

	metrics.StoreDuration.WithLabelValues(meta.Namespace).Observe(time.Since(start).Seconds())
	return nil
}

func (s *Store) FetchSegment(ctx context.Context, _ *Config, namespace string, frameNo uint64, destPath string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	start := time.Now()

	info, found, err := s.lookup(namespace, frameNo)
	if err != nil {
		return err
	}
	if found {
		path := s.SegmentPath(namespace, info.Name)
		if s.verify {
			if err := s.verifyHeader(namespace, path, info); err != nil {
				return err
			}
		}
		if err := s.fs.HardLink(path, destPath); err != nil {
			return fmt.Errorf("linking segment %s to %s: %w", path, destPath, err)
		}
		metrics.FetchRequests.WithLabelValues(namespace, types.TierLocal.String()).Inc()
		metrics.FetchLatency.WithLabelValues(namespace, types.TierLocal.String()).Observe(time.Since(start).Seconds())
		return nil
	}

	rc, err := s.remote.Fetch(ctx, namespace, frameNo)
	if err != nil {
		if errors.Is(err, storage.ErrFrameNotFound) {
			metrics.FetchRequests.WithLabelValues(namespace, "miss").Inc()
			return storage.FrameNotFound(frameNo)
		}
		return fmt.Errorf("fetching frame %d from remote tier: %w", frameNo, err)
	}
	defer rc.Close()

	path, err := s.populate(namespace, frameNo, rc)
	if err != nil {
		return err
	}
	if err := s.fs.HardLink(path, destPath); err != nil {
		return fmt.Errorf("linking segment %s to %s: %w", path, destPath, err)
	}

	metrics.FetchRequests.WithLabelValues(namespace, types.TierRemote.String()).Inc()
	metrics.FetchLatency.WithLabelValues(namespace, types.TierRemote.String()).Observe(time.Since(start).Seconds())
	return nil
}

// populate writes a remote stream into the local cache under its canonical
// name and indexes it.
func (s *Store) populate(namespace string, frameNo uint64, rc io.ReadCloser) (string, error) {
	dir := s.segmentsDir(namespace)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating segments dir: %w", err)
	}
	tmp, err := s.fs.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating cache file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		s.fs.Remove(tmpName)
		return "", err
	}

	size, err := copyStream(tmp, rc)
	if err != nil {
		return fail(fmt.Errorf("writing remote segment to cache: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	h, err := segment.ReadHeader(tmp)
	if err != nil {
		return fail(err)
	}
	if h.StartFrameNo() > frameNo || h.EndFrameNo() < frameNo {
		return fail(fmt.Errorf("remote tier returned segment %d-%d for frame %d: %w",
			h.StartFrameNo(), h.EndFrameNo(), frameNo, storage.ErrIntegrity))
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return "", err
	}

	createdAt := time.Now()
	if ca, ok := rc.(storage.CreatedAter); ok {
		createdAt = ca.CreatedAt()
	}
	name := storage.SegmentFileName(h.StartFrameNo(), h.EndFrameNo(), createdAt)
	path := filepath.Join(dir, name)
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return "", fmt.Errorf("renaming cache file: %w", err)
	}

	grown, err := s.insert(namespace, SegmentInfo{
		Name:         name,
		StartFrameNo: h.StartFrameNo(),
		EndFrameNo:   h.EndFrameNo(),
		CreatedAt:    createdAt,
		SizeBytes:    size,
	})
	if err != nil {
		return "", err
	}
	metrics.TierBytes.WithLabelValues(namespace, types.TierLocal.String()).Add(float64(grown))

	s.logger.Info("segment restored from remote tier",
		zap.String("namespace", namespace),
		zap.String("name", name),
		zap.Int64("size", size),
	)
	return path, nil
}

func copyStream(dst io.WriterAt, src io.Reader) (int64, error) {
	buf := iobuf.NewVec(copyChunk)
	var off int64
	for {
		buf.Reset()
		n, err := io.ReadFull(src, buf.StableMutBytes())
		buf.SetInit(n)
		if n > 0 {
			if buf, err = iobuf.WriteAllAt(dst, buf, off); err != nil {
				return off, err
			}
			off += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return off, nil
		}
		if err != nil {
			return off, err
		}
	}
}

func (s *Store) verifyHeader(namespace, path string, info SegmentInfo) error {
	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", path, err)
	}
	defer f.Close()

	h, err := segment.ReadHeader(f)
	if err != nil {
		metrics.IntegrityFaults.WithLabelValues(namespace).Inc()
		return &storage.IntegrityError{Path: path, NameStart: info.StartFrameNo, NameEnd: info.EndFrameNo}
	}
	if h.StartFrameNo() != info.StartFrameNo || h.EndFrameNo() != info.EndFrameNo {
		metrics.IntegrityFaults.WithLabelValues(namespace).Inc()
		s.logger.Error("segment header does not match file name",
			zap.String("path", path),
			zap.Uint64("name_start", info.StartFrameNo),
			zap.Uint64("name_end", info.EndFrameNo),
			zap.Uint64("header_start", h.StartFrameNo()),
			zap.Uint64("header_end", h.EndFrameNo()),
		)
		return &storage.IntegrityError{
			Path:        path,
			NameStart:   info.StartFrameNo,
			NameEnd:     info.EndFrameNo,
			HeaderStart: h.StartFrameNo(),
			HeaderEnd:   h.EndFrameNo(),
		}
	}
	return nil
}

func (s *Store) Meta(_ context.Context, _ *Config, namespace string) (storage.DbMeta, error) {
	segs, err := s.Segments(namespace)
	if err != nil {
		return storage.DbMeta{}, err
	}
	m := storage.DbMeta{Namespace: namespace, SegmentCount: int64(len(segs))}
	for _, seg := range segs {
		if seg.EndFrameNo > m.MaxFrameNo {
			m.MaxFrameNo = seg.EndFrameNo
		}
		m.TotalBytes += seg.SizeBytes
	}
	return m, nil
}

// Segments returns a snapshot of the local segments of namespace, ordered
// by start frame.
func (s *Store) Segments(namespace string) ([]SegmentInfo, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.RLock()
	segs, ok := s.index[namespace]
	if ok {
		out := append([]SegmentInfo(nil), segs...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	segs, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	return append([]SegmentInfo(nil), segs...), nil
}

// Evict removes a segment from the local cache. Callers are responsible for
// making sure the remote tier holds it.
func (s *Store) Evict(namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	path := s.SegmentPath(namespace, name)
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := s.fs.Remove(path + segment.IndexSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove index sidecar", zap.String("path", path), zap.Error(err))
	}

	for i, seg := range segs {
		if seg.Name == name {
			s.index[namespace] = append(segs[:i:i], segs[i+1:]...)
			metrics.TierBytes.WithLabelValues(namespace, types.TierLocal.String()).Sub(float64(seg.SizeBytes))
			break
		}
	}
	return nil
}

func (s *Store) lookup(namespace string, frameNo uint64) (SegmentInfo, bool, error) {
	segs, err := s.Segments(namespace)
	if err != nil {
		return SegmentInfo{}, false, err
	}
	// Candidates are the segments starting at or before frameNo; the first
	// of them in start order that reaches frameNo wins.
	i := sort.Search(len(segs), func(i int) bool { return segs[i].StartFrameNo > frameNo })
	for _, seg := range segs[:i] {
		if seg.EndFrameNo >= frameNo {
			return seg, true, nil
		}
	}
	return SegmentInfo{}, false, nil
}

// insert adds info to the index, replacing an entry of the same name, and
// returns by how many bytes the cached namespace grew.
func (s *Store) insert(namespace string, info SegmentInfo) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, err := s.loadLocked(namespace)
	if err != nil {
		return 0, err
	}
	i := sort.Search(len(segs), func(i int) bool { return !less(segs[i], info) })
	if i < len(segs) && segs[i].Name == info.Name {
		prev := segs[i].SizeBytes
		segs[i] = info
		return info.SizeBytes - prev, nil
	}
	segs = append(segs, SegmentInfo{})
	copy(segs[i+1:], segs[i:])
	segs[i] = info
	s.index[namespace] = segs
	return info.SizeBytes, nil
}

// loadLocked returns the index of namespace, scanning its directory the
// first time. s.mu must be held for writing.
func (s *Store) loadLocked(namespace string) ([]SegmentInfo, error) {
	if segs, ok := s.index[namespace]; ok {
		return segs, nil
	}
	dir := s.segmentsDir(namespace)
	entries, err := s.fs.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading segments dir %s: %w", dir, err)
	}

	segs := make([]SegmentInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !storage.IsSegmentFile(e.Name()) {
			continue
		}
		start, end, createdAt, err := storage.ParseSegmentFileName(e.Name())
		if err != nil {
			if qerr := s.quarantine(namespace, e.Name(), err); qerr != nil {
				return nil, qerr
			}
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		segs = append(segs, SegmentInfo{
			Name:         e.Name(),
			StartFrameNo: start,
			EndFrameNo:   end,
			CreatedAt:    createdAt,
			SizeBytes:    fi.Size(),
		})
	}
	sort.Slice(segs, func(i, j int) bool { return less(segs[i], segs[j]) })
	s.index[namespace] = segs
	return segs, nil
}

// quarantine moves a segment file whose name cannot be parsed out of the
// scan so the rest of the namespace stays usable.
func (s *Store) quarantine(namespace, name string, cause error) error {
	path := s.SegmentPath(namespace, name)
	metrics.IntegrityFaults.WithLabelValues(namespace).Inc()
	s.logger.Error("malformed segment file quarantined",
		zap.String("namespace", namespace),
		zap.String("path", path),
		zap.String("moved_to", path+QuarantineSuffix),
		zap.Error(cause),
	)
	if err := s.fs.Rename(path, path+QuarantineSuffix); err != nil {
		return fmt.Errorf("quarantining %s: %w (%v)", path, err, cause)
	}
	return nil
}

func less(a, b SegmentInfo) bool {
	if a.StartFrameNo != b.StartFrameNo {
		return a.StartFrameNo < b.StartFrameNo
	}
	if a.EndFrameNo != b.EndFrameNo {
		return a.EndFrameNo < b.EndFrameNo
	}
	return a.Name < b.Name
}

// ValidateNamespace rejects names that cannot be used as a directory.
func ValidateNamespace(namespace string) error {
	switch {
	case namespace == "":
		return fmt.Errorf("namespace is required")
	case namespace == "." || namespace == "..":
		return fmt.Errorf("invalid namespace %q", namespace)
	case strings.ContainsAny(namespace, `/\`+"\x00"):
		return fmt.Errorf("invalid namespace %q: contains a path separator", namespace)
	case strings.HasPrefix(namespace, "."):
		return fmt.Errorf("invalid namespace %q: leading dot", namespace)
	}
	return nil
}
