package segment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gftdcojp/wal-tiered-storage/internal/iobuf"
)

// IndexSuffix is appended to a segment path to locate its index sidecar.
const IndexSuffix = ".idx"

// Sealed is a read-only handle to an immutable segment produced by WAL
// rotation. The bytes it exposes include the header.
type Sealed interface {
	Header() Header
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	// IndexPath is the location of the segment's index blob, or "" when
	// the segment carries none.
	IndexPath() string
}

// ReadHeader reads the header at offset 0 of r.
func ReadHeader(r io.ReaderAt) (Header, error) {
	rec, err := iobuf.ReadExactAt(r, iobuf.NewRecord[Header](), 0)
	if err != nil {
		return Header{}, fmt.Errorf("reading segment header: %w", err)
	}
	return *rec.Get(), nil
}

// File is a sealed segment backed by a file on disk.
type File struct {
	f         *os.File
	header    Header
	size      int64
	indexPath string
}

// Open opens a sealed segment file and reads its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.StartFrameNo() > h.EndFrameNo() {
		f.Close()
		return nil, fmt.Errorf("%s: invalid frame range %d-%d", path, h.StartFrameNo(), h.EndFrameNo())
	}

	sf := &File{f: f, header: h, size: info.Size()}
	if _, err := os.Stat(path + IndexSuffix); err == nil {
		sf.indexPath = path + IndexSuffix
	} else if !errors.Is(err, os.ErrNotExist) {
		f.Close()
		return nil, err
	}
	return sf, nil
}

func (s *File) Header() Header                         { return s.header }
func (s *File) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *File) Size() int64                            { return s.size }
func (s *File) IndexPath() string                      { return s.indexPath }
func (s *File) Close() error                           { return s.f.Close() }

// Bytes is a sealed segment held in memory.
type Bytes struct {
	header Header
	r      *bytes.Reader
}

// NewBytes encodes header and frames into an in-memory segment.
func NewBytes(h Header, frames []byte) *Bytes {
	return &Bytes{header: h, r: bytes.NewReader(Encode(h, frames))}
}

func (s *Bytes) Header() Header                          { return s.header }
func (s *Bytes) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *Bytes) Size() int64                             { return s.r.Size() }
func (s *Bytes) IndexPath() string                       { return "" }

// Encode returns the on-disk representation of a segment.
func Encode(h Header, frames []byte) []byte {
	hdr := iobuf.NewRecordInit(h)
	v := iobuf.NewVec(hdr.BytesTotal() + len(frames))
	v.Append(hdr.StableBytes()...)
	v.Append(frames...)
	return v.Bytes()
}

// Write creates a segment file at path, and an index sidecar when index is
// non-nil.
func Write(path string, h Header, frames, index []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := iobuf.WriteAllAt(f, iobuf.VecFrom(Encode(h, frames)), 0); err != nil {
		f.Close()
		return fmt.Errorf("writing segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if index != nil {
		if err := os.WriteFile(path+IndexSuffix, index, 0644); err != nil {
			return fmt.Errorf("writing index sidecar: %w", err)
		}
	}
	return nil
}
