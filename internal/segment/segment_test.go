package segment

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/google/uuid"
)

func TestHeaderSize(t *testing.T) {
	if got := unsafe.Sizeof(Header{}); got != HeaderSize {
		t.Fatalf("Header size = %d, want %d", got, HeaderSize)
	}
}

func TestEncodeLayout(t *testing.T) {
	id := uuid.New()
	raw := Encode(NewHeader(id, 0x0102, 0x0304, 3), []byte("frames"))
	if len(raw) != HeaderSize+6 {
		t.Fatalf("encoded length = %d", len(raw))
	}
	if raw[0] != 0x02 || raw[1] != 0x01 {
		t.Fatalf("start_frame_no not little endian: %v", raw[:8])
	}
	if raw[8] != 0x04 || raw[9] != 0x03 {
		t.Fatalf("end_frame_no not little endian: %v", raw[8:16])
	}
	if uuid.UUID(raw[16:32]) != id {
		t.Fatalf("segment id mismatch")
	}
	if raw[32] != 3 {
		t.Fatalf("frame_count = %d", raw[32])
	}
	if string(raw[HeaderSize:]) != "frames" {
		t.Fatalf("frames = %q", raw[HeaderSize:])
	}
}

func TestWriteAndOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg")
	id := uuid.New()
	if err := Write(path, NewHeader(id, 10, 20, 11), []byte("payload"), []byte("index")); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	h := f.Header()
	if h.StartFrameNo() != 10 || h.EndFrameNo() != 20 || h.FrameCount() != 11 || h.SegmentID() != id {
		t.Fatalf("unexpected header: start=%d end=%d count=%d", h.StartFrameNo(), h.EndFrameNo(), h.FrameCount())
	}
	if f.Size() != HeaderSize+7 {
		t.Fatalf("size = %d", f.Size())
	}
	if f.IndexPath() != path+IndexSuffix {
		t.Fatalf("index path = %q", f.IndexPath())
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short")
	if err := Write(path, NewHeader(uuid.New(), 1, 2, 2), nil, nil); err != nil {
		t.Fatal(err)
	}
	// Rewrite with only part of the header.
	if err := writeRaw(path, make([]byte, HeaderSize/2)); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestOpenRejectsInvertedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inverted")
	if err := Write(path, NewHeader(uuid.New(), 9, 3, 1), nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for start > end")
	}
}
