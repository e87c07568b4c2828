package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SegmentExt is the extension of every stored segment file.
const SegmentExt = ".segment"

// SegmentsDir is the directory, under a namespace root, holding segments.
const SegmentsDir = "segments"

// SegmentFileName renders <start>-<end>-<created_unix>.segment with every
// field zero-padded to 19 digits, so that lexicographic order of names is
// start order.
func SegmentFileName(start, end uint64, createdAt time.Time) string {
	return fmt.Sprintf("%019d-%019d-%019d%s", start, end, unixSeconds(createdAt), SegmentExt)
}

// Timestamps before the epoch would render a sign and break the fixed width.
func unixSeconds(t time.Time) uint64 {
	if s := t.Unix(); s > 0 {
		return uint64(s)
	}
	return 0
}

// SegmentKey is SegmentFileName for a segment's metadata.
func SegmentKey(m SegmentMeta) string {
	return SegmentFileName(m.StartFrameNo, m.EndFrameNo, m.CreatedAt)
}

// ParseSegmentFileName recovers the start frame, end frame and creation
// time from a segment file name.
func ParseSegmentFileName(name string) (start, end uint64, createdAt time.Time, err error) {
	key, _, _ := strings.Cut(name, ".")
	parts := strings.Split(key, "-")
	if len(parts) != 3 {
		return 0, 0, time.Time{}, fmt.Errorf("malformed segment file name %q: want 3 fields, got %d", name, len(parts))
	}
	if start, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("malformed segment file name %q: start frame: %w", name, err)
	}
	if end, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("malformed segment file name %q: end frame: %w", name, err)
	}
	ts, err := strconv.ParseUint(parts[2], 10, 63)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("malformed segment file name %q: timestamp: %w", name, err)
	}
	if start > end {
		return 0, 0, time.Time{}, fmt.Errorf("malformed segment file name %q: start %d > end %d", name, start, end)
	}
	return start, end, time.Unix(int64(ts), 0).UTC(), nil
}

// IsSegmentFile reports whether name carries the segment extension.
// Temporary files written while populating the cache do not.
func IsSegmentFile(name string) bool {
	return strings.HasSuffix(name, SegmentExt) && !strings.HasPrefix(name, ".")
}
