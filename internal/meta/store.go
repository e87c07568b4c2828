package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store provides durable metadata for segments across tiers and for the
// durability progress of every namespace.
type Store interface {
	RecordSegment(ctx context.Context, entry SegmentEntry) error
	GetSegment(ctx context.Context, namespace, name string) (*SegmentEntry, error)
	LookupByFrame(ctx context.Context, namespace string, frameNo uint64) (*SegmentEntry, error)
	ListSegments(ctx context.Context, namespace string, tierFilter *types.Tier) ([]SegmentEntry, error)
	UpdateTiers(ctx context.Context, namespace, name string, tiers []types.Tier) error
	DeleteSegment(ctx context.Context, namespace, name string) error
	ListNamespaces(ctx context.Context) ([]string, error)

	DurableFrameNo(ctx context.Context, namespace string) (uint64, error)
	SetDurableFrameNo(ctx context.Context, namespace string, frameNo uint64) error

	RecordEscalation(ctx context.Context, entry EscalationEntry) error
	ListEscalations(ctx context.Context, namespace string) ([]EscalationEntry, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if sys.Get(keySchemaVersion) == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureNamespaceBuckets(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	namespaces, err := tx.CreateBucketIfNotExists(bucketNamespaces)
	if err != nil {
		return nil, err
	}
	nb, err := namespaces.CreateBucketIfNotExists(namespaceBucketName(namespace))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{
		subBucketSegments,
		subBucketFrameIdx,
		subBucketDurable,
		subBucketEscalations,
	} {
		if _, err := nb.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return nb, nil
}

func (s *BoltStore) getNamespaceBucket(tx *bbolt.Tx, namespace string) *bbolt.Bucket {
	namespaces := tx.Bucket(bucketNamespaces)
	if namespaces == nil {
		return nil
	}
	return namespaces.Bucket(namespaceBucketName(namespace))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSegmentEntry(data []byte) (*SegmentEntry, error) {
	var entry SegmentEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordSegment inserts or replaces the entry with the same name.
func (s *BoltStore) RecordSegment(_ context.Context, entry SegmentEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("segment entry has no name")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := s.ensureNamespaceBuckets(tx, entry.Namespace)
		if err != nil {
			return err
		}

		data, err := encode(&entry)
		if err != nil {
			return err
		}
		if err := nb.Bucket(subBucketSegments).Put([]byte(entry.Name), data); err != nil {
			return err
		}
		return nb.Bucket(subBucketFrameIdx).Put(frameKey(entry.StartFrameNo, entry.EndFrameNo), []byte(entry.Name))
	})
}

func (s *BoltStore) GetSegment(_ context.Context, namespace, name string) (*SegmentEntry, error) {
	var entry *SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return fmt.Errorf("namespace %q: %w", namespace, ErrNotFound)
		}
		raw := nb.Bucket(subBucketSegments).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("segment %q in namespace %q: %w", name, namespace, ErrNotFound)
		}
		var err error
		entry, err = decodeSegmentEntry(raw)
		return err
	})
	return entry, err
}

// LookupByFrame returns the segment covering frameNo. When several do, the
// one starting latest wins.
func (s *BoltStore) LookupByFrame(_ context.Context, namespace string, frameNo uint64) (*SegmentEntry, error) {
	var entry *SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return fmt.Errorf("namespace %q: %w", namespace, ErrNotFound)
		}

		c := nb.Bucket(subBucketFrameIdx).Cursor()

		// Find the largest key <= (frameNo, max)
		seek := frameKey(frameNo, ^uint64(0))
		k, v := c.Seek(seek)
		if k == nil {
			k, v = c.Last()
		} else if bytes.Compare(k, seek) > 0 {
			k, v = c.Prev()
		}
		for ; k != nil; k, v = c.Prev() {
			if bytesToUint64(k[8:]) < frameNo {
				continue
			}
			raw := nb.Bucket(subBucketSegments).Get(v)
			if raw == nil {
				return fmt.Errorf("segment %q indexed but not recorded in namespace %q", v, namespace)
			}
			var err error
			entry, err = decodeSegmentEntry(raw)
			return err
		}
		return fmt.Errorf("frame %d in namespace %q: %w", frameNo, namespace, ErrNotFound)
	})
	return entry, err
}

// ListSegments returns the segments of namespace ordered by frame range.
func (s *BoltStore) ListSegments(_ context.Context, namespace string, tierFilter *types.Tier) ([]SegmentEntry, error) {
	var entries []SegmentEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return nil
		}
		segments := nb.Bucket(subBucketSegments)
		return nb.Bucket(subBucketFrameIdx).ForEach(func(_, name []byte) error {
			raw := segments.Get(name)
			if raw == nil {
				return nil
			}
			entry, err := decodeSegmentEntry(raw)
			if err != nil {
				return err
			}
			if tierFilter != nil && !entry.HasTier(*tierFilter) {
				return nil
			}
			entries = append(entries, *entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) UpdateTiers(_ context.Context, namespace, name string, tiers []types.Tier) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return fmt.Errorf("namespace %q: %w", namespace, ErrNotFound)
		}
		segments := nb.Bucket(subBucketSegments)
		raw := segments.Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("segment %q in namespace %q: %w", name, namespace, ErrNotFound)
		}
		entry, err := decodeSegmentEntry(raw)
		if err != nil {
			return err
		}
		entry.Tiers = tiers
		data, err := encode(entry)
		if err != nil {
			return err
		}
		return segments.Put([]byte(name), data)
	})
}

func (s *BoltStore) DeleteSegment(_ context.Context, namespace, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return nil
		}
		segments := nb.Bucket(subBucketSegments)
		raw := segments.Get([]byte(name))
		if raw == nil {
			return nil
		}
		entry, err := decodeSegmentEntry(raw)
		if err != nil {
			return err
		}
		if err := segments.Delete([]byte(name)); err != nil {
			return err
		}
		return nb.Bucket(subBucketFrameIdx).Delete(frameKey(entry.StartFrameNo, entry.EndFrameNo))
	})
}

func (s *BoltStore) ListNamespaces(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		namespaces := tx.Bucket(bucketNamespaces)
		if namespaces == nil {
			return nil
		}
		return namespaces.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) DurableFrameNo(_ context.Context, namespace string) (uint64, error) {
	var frameNo uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return nil
		}
		if v := nb.Bucket(subBucketDurable).Get(keyDurableFrameNo); v != nil {
			frameNo = bytesToUint64(v)
		}
		return nil
	})
	return frameNo, err
}

// SetDurableFrameNo checkpoints the watermark of namespace. A value lower
// than the recorded one is ignored.
func (s *BoltStore) SetDurableFrameNo(_ context.Context, namespace string, frameNo uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := s.ensureNamespaceBuckets(tx, namespace)
		if err != nil {
			return err
		}
		durable := nb.Bucket(subBucketDurable)
		if v := durable.Get(keyDurableFrameNo); v != nil && bytesToUint64(v) >= frameNo {
			return nil
		}
		if err := durable.Put(keyDurableFrameNo, uint64ToBytes(frameNo)); err != nil {
			return err
		}
		return durable.Put(keyDurableAt, int64ToBytes(time.Now().UnixNano()))
	})
}

func (s *BoltStore) RecordEscalation(_ context.Context, entry EscalationEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := s.ensureNamespaceBuckets(tx, entry.Namespace)
		if err != nil {
			return err
		}
		esc := nb.Bucket(subBucketEscalations)
		seq, err := esc.NextSequence()
		if err != nil {
			return err
		}
		data, err := encode(&entry)
		if err != nil {
			return err
		}
		return esc.Put(uint64ToBytes(seq), data)
	})
}

// ListEscalations returns escalations of namespace, oldest first.
func (s *BoltStore) ListEscalations(_ context.Context, namespace string) ([]EscalationEntry, error) {
	var entries []EscalationEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb := s.getNamespaceBucket(tx, namespace)
		if nb == nil {
			return nil
		}
		esc := nb.Bucket(subBucketEscalations)
		if esc == nil {
			return nil
		}
		return esc.ForEach(func(_, v []byte) error {
			var entry EscalationEntry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
