// Package blob is the S3-compatible remote tier behind the local segment
// cache.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/metrics"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// Object metadata keys.
const (
	metaNamespace    = "wts-namespace"
	metaSegmentID    = "wts-segment-id"
	metaStartFrameNo = "wts-start-frame-no"
	metaEndFrameNo   = "wts-end-frame-no"
	metaCreatedAt    = "wts-created-at"
)

// Store implements storage.RemoteStorage on an S3 bucket. When a metadata
// store is set, every upload is recorded there and fetches resolve keys
// through it before falling back to listing the bucket.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.RemoteConfig
	meta   meta.Store
	logger *zap.Logger
}

var _ storage.RemoteStorage = (*Store)(nil)

// NewStore creates a new blob store using an S3API implementation.
// metaStore may be nil.
func NewStore(s3api S3API, bucket string, cfg config.RemoteConfig, metaStore meta.Store, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		cfg:    cfg,
		meta:   metaStore,
		logger: logger,
	}
}

func (s *Store) namespacePrefix(namespace string) string {
	return path.Join(s.cfg.Prefix, namespace, storage.SegmentsDir) + "/"
}

// ObjectKey is where the segment with the given file name is stored.
func (s *Store) ObjectKey(namespace, name string) string {
	return s.namespacePrefix(namespace) + name
}

// Upload copies the segment at filePath, and its index sidecar when one
// exists, into the bucket.
func (s *Store) Upload(ctx context.Context, filePath string, m storage.SegmentMeta) error {
	name := filepath.Base(filePath)
	key := s.ObjectKey(m.Namespace, name)

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening segment for upload: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaNamespace:    m.Namespace,
			metaSegmentID:    m.SegmentID.String(),
			metaStartFrameNo: strconv.FormatUint(m.StartFrameNo, 10),
			metaEndFrameNo:   strconv.FormatUint(m.EndFrameNo, 10),
			metaCreatedAt:    strconv.FormatInt(m.CreatedAt.Unix(), 10),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading segment to S3: %w", err)
	}

	if idx, err := os.ReadFile(filePath + segment.IndexSuffix); err == nil {
		idxKey := key + segment.IndexSuffix
		_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &idxKey,
			Body:        bytes.NewReader(idx),
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			s.logger.Warn("failed to upload index sidecar", zap.Error(err), zap.String("key", idxKey))
		}
	}

	if s.meta != nil {
		entry := meta.SegmentEntry{
			Namespace:    m.Namespace,
			Name:         name,
			SegmentID:    m.SegmentID.String(),
			StartFrameNo: m.StartFrameNo,
			EndFrameNo:   m.EndFrameNo,
			SizeBytes:    fi.Size(),
			Tiers:        []types.Tier{types.TierLocal, types.TierRemote},
			RemoteKey:    key,
			CreatedAt:    m.CreatedAt,
			UploadedAt:   time.Now(),
		}
		if err := s.meta.RecordSegment(ctx, entry); err != nil {
			return fmt.Errorf("recording uploaded segment: %w", err)
		}
	}

	metrics.SegmentsStored.WithLabelValues(m.Namespace, types.TierRemote.String()).Inc()
	metrics.TierBytes.WithLabelValues(m.Namespace, types.TierRemote.String()).Add(float64(fi.Size()))

	s.logger.Debug("segment uploaded to S3",
		zap.String("namespace", m.Namespace),
		zap.String("key", key),
		zap.Int64("size", fi.Size()),
	)
	return nil
}

// object is a fetched segment body that knows its creation time.
type object struct {
	io.ReadCloser
	createdAt time.Time
}

func (o *object) CreatedAt() time.Time { return o.createdAt }

// Fetch streams the segment covering frameNo.
func (s *Store) Fetch(ctx context.Context, namespace string, frameNo uint64) (io.ReadCloser, error) {
	start := time.Now()

	key, createdAt, err := s.resolve(ctx, namespace, frameNo)
	if err != nil {
		return nil, err
	}

	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.FrameNotFound(frameNo)
		}
		return nil, fmt.Errorf("downloading segment from S3: %w", err)
	}
	metrics.DownloadDuration.WithLabelValues(namespace).Observe(time.Since(start).Seconds())

	return &object{ReadCloser: resp.Body, createdAt: createdAt}, nil
}

// resolve finds the key of the segment covering frameNo.
func (s *Store) resolve(ctx context.Context, namespace string, frameNo uint64) (string, time.Time, error) {
	if s.meta != nil {
		entry, err := s.meta.LookupByFrame(ctx, namespace, frameNo)
		switch {
		case err == nil && entry.RemoteKey != "":
			return entry.RemoteKey, entry.CreatedAt, nil
		case err != nil && !errors.Is(err, meta.ErrNotFound):
			return "", time.Time{}, fmt.Errorf("looking up frame %d: %w", frameNo, err)
		}
		// The bucket may hold segments the local metadata never saw.
	}

	var (
		bestKey   string
		bestStart uint64
		bestTS    time.Time
		found     bool
	)
	p := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(s.namespacePrefix(namespace)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("listing segments in S3: %w", err)
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !storage.IsSegmentFile(name) {
				continue
			}
			start, end, ts, err := storage.ParseSegmentFileName(name)
			if err != nil {
				s.logger.Warn("skipping malformed segment key", zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
				continue
			}
			if start <= frameNo && frameNo <= end && (!found || start > bestStart) {
				bestKey, bestStart, bestTS, found = aws.ToString(obj.Key), start, ts, true
			}
		}
	}
	if !found {
		return "", time.Time{}, storage.FrameNotFound(frameNo)
	}
	return bestKey, bestTS, nil
}

// Exists reports whether the object for a segment file name is present.
func (s *Store) Exists(ctx context.Context, namespace, name string) (bool, error) {
	key := s.ObjectKey(namespace, name)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
