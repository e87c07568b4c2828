package iobuf

import (
	"errors"
	"fmt"
	"io"
)

// ReadExactAt fills buf from its current watermark up to BytesTotal with
// bytes read from r starting at off, then advances the watermark. The
// buffer is handed back in every case, together with any read error.
// A source shorter than the buffer yields io.ErrUnexpectedEOF and a
// watermark at the last byte actually read.
func ReadExactAt[B BufMut](r io.ReaderAt, buf B, off int64) (B, error) {
	dst := buf.StableMutBytes()
	pos := buf.BytesInit()
	for pos < len(dst) {
		n, err := r.ReadAt(dst[pos:], off+int64(pos))
		pos += n
		if err != nil {
			if pos == len(dst) && errors.Is(err, io.EOF) {
				break
			}
			buf.SetInit(pos)
			if errors.Is(err, io.EOF) {
				return buf, io.ErrUnexpectedEOF
			}
			return buf, fmt.Errorf("reading at offset %d: %w", off+int64(pos), err)
		}
	}
	buf.SetInit(pos)
	return buf, nil
}

// WriteAllAt writes the initialized bytes of buf to w starting at off.
func WriteAllAt[B Buf](w io.WriterAt, buf B, off int64) (B, error) {
	src := buf.StableBytes()
	written := 0
	for written < len(src) {
		n, err := w.WriteAt(src[written:], off+int64(written))
		written += n
		if err != nil {
			return buf, fmt.Errorf("writing at offset %d: %w", off+int64(written), err)
		}
		if n == 0 {
			return buf, io.ErrShortWrite
		}
	}
	return buf, nil
}
