// Package durability makes sealed WAL segments durable in the background.
//
// A Handle accepts store requests over a bounded channel. A single loop
// goroutine owns the Scheduler, runs at most MaxInFlight jobs against the
// storage tier, and publishes the per-namespace durable watermark as jobs
// complete.
package durability

import (
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
)

// StoreSegmentRequest asks for one sealed segment to be made durable. It
// must not be modified after it is submitted.
type StoreSegmentRequest[C any] struct {
	Namespace string
	// Segment stays owned by the caller and must remain readable until the
	// request is reported durable or escalated.
	Segment   segment.Sealed
	CreatedAt time.Time
	// StorageConfigOverride replaces the storage default for this request
	// when non-nil.
	StorageConfigOverride *C
}

// Durable reports that every frame up to FrameNo of Namespace is durable.
// FrameNo never decreases for a namespace. Segment is the request whose
// completion produced the notification; its frames may lie below an
// earlier watermark.
type Durable struct {
	Namespace string
	FrameNo   uint64
	Segment   types.SegmentMeta
}

// Escalation reports a request that failed on every attempt. Its namespace
// is halted until resumed.
type Escalation struct {
	Namespace    string
	StartFrameNo uint64
	EndFrameNo   uint64
	Attempts     int
	Err          error
}
