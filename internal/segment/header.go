// Package segment describes sealed WAL segments as this tier consumes them:
// a fixed binary header followed by opaque frame data.
package segment

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// le64 is a little-endian uint64 stored as raw bytes so that Header has no
// padding and can be read in place.
type le64 [8]byte

func (v le64) Get() uint64   { return binary.LittleEndian.Uint64(v[:]) }
func (v *le64) Set(n uint64) { binary.LittleEndian.PutUint64(v[:], n) }

// Header is the fixed-size record at offset 0 of every segment file.
// Layout (little endian): start_frame_no u64, end_frame_no u64,
// segment_id [16]byte, frame_count u64.
type Header struct {
	startFrameNo le64
	endFrameNo   le64
	segmentID    [16]byte
	frameCount   le64
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 40

// NewHeader builds a header for the given range.
func NewHeader(id uuid.UUID, start, end, frameCount uint64) Header {
	var h Header
	h.startFrameNo.Set(start)
	h.endFrameNo.Set(end)
	h.segmentID = id
	h.frameCount.Set(frameCount)
	return h
}

func (h *Header) StartFrameNo() uint64 { return h.startFrameNo.Get() }
func (h *Header) EndFrameNo() uint64   { return h.endFrameNo.Get() }
func (h *Header) SegmentID() uuid.UUID { return uuid.UUID(h.segmentID) }
func (h *Header) FrameCount() uint64   { return h.frameCount.Get() }
