package meta

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem      = []byte("system")
	bucketNamespaces  = []byte("namespaces")
	keySchemaVersion  = []byte("schema_version")
	subBucketSegments = []byte("segments")
	subBucketFrameIdx = []byte("frame_index")
	subBucketDurable  = []byte("durability")
	keyDurableFrameNo = []byte("durable_frame_no")
	keyDurableAt      = []byte("durable_at")

	// Schema v2: escalated store requests
	subBucketEscalations = []byte("escalations")
)

const currentSchemaVersion = 2

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("not found")

// SegmentEntry is the metadata record for one sealed segment.
type SegmentEntry struct {
	Namespace    string
	Name         string // canonical segment file name
	SegmentID    string
	StartFrameNo uint64
	EndFrameNo   uint64
	SizeBytes    int64
	Tiers        []types.Tier // all tiers holding this segment
	RemoteKey    string
	CreatedAt    time.Time
	UploadedAt   time.Time
}

// HasTier reports whether t holds the segment.
func (e *SegmentEntry) HasTier(t types.Tier) bool {
	for _, have := range e.Tiers {
		if have == t {
			return true
		}
	}
	return false
}

// Meta returns the segment metadata this entry was recorded from.
func (e *SegmentEntry) Meta() types.SegmentMeta {
	return types.SegmentMeta{
		Namespace:    e.Namespace,
		StartFrameNo: e.StartFrameNo,
		EndFrameNo:   e.EndFrameNo,
		CreatedAt:    e.CreatedAt,
	}
}

// EscalationEntry records a store request that exhausted its retries.
type EscalationEntry struct {
	Namespace    string
	SegmentPath  string
	StartFrameNo uint64
	EndFrameNo   uint64
	Attempts     int
	LastError    string
	At           time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// frameKey orders segments by start frame, then end frame.
func frameKey(start, end uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, start)
	binary.BigEndian.PutUint64(b[8:], end)
	return b
}

func namespaceBucketName(namespace string) []byte {
	return []byte(namespace)
}
