package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier identifies which storage tier holds a segment.
type Tier int

const (
	TierLocal Tier = iota
	TierRemote
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// SegmentMeta identifies a closed frame range that is durable once stored.
type SegmentMeta struct {
	Namespace    string
	SegmentID    uuid.UUID
	StartFrameNo uint64
	EndFrameNo   uint64
	CreatedAt    time.Time
}

// Validate checks the frame range invariant.
func (m SegmentMeta) Validate() error {
	if m.StartFrameNo > m.EndFrameNo {
		return fmt.Errorf("segment %s: start_frame_no %d > end_frame_no %d",
			m.SegmentID, m.StartFrameNo, m.EndFrameNo)
	}
	return nil
}

// Covers reports whether frameNo falls within the segment.
func (m SegmentMeta) Covers(frameNo uint64) bool {
	return m.StartFrameNo <= frameNo && frameNo <= m.EndFrameNo
}

// DbMeta summarizes the durable state of a namespace.
type DbMeta struct {
	Namespace string
	// MaxFrameNo is the latest durable frame; zero with SegmentCount zero
	// means nothing is durable yet.
	MaxFrameNo   uint64
	SegmentCount int64
	TotalBytes   int64
}
