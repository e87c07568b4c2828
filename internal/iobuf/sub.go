package iobuf

// Sub is a bounded view over another buffer. BytesTotal is clamped to
// min(inner.BytesTotal(), n); initialization and memory are the inner
// buffer's, so a partial transfer lands directly in it.
type Sub[B Buf] struct {
	buf B
	n   int
}

// NewSub returns a view of at most n bytes of buf.
func NewSub[B Buf](buf B, n int) Sub[B] {
	if n < 0 {
		panic("iobuf: negative sub-view length")
	}
	return Sub[B]{buf: buf, n: n}
}

// IntoInner gives back the wrapped buffer.
func (s Sub[B]) IntoInner() B { return s.buf }

func (s Sub[B]) StableBytes() []byte {
	b := s.buf.StableBytes()
	if len(b) > s.BytesTotal() {
		return b[:s.BytesTotal()]
	}
	return b
}

func (s Sub[B]) BytesInit() int { return s.buf.BytesInit() }

func (s Sub[B]) BytesTotal() int {
	if t := s.buf.BytesTotal(); t < s.n {
		return t
	}
	return s.n
}

// StableMutBytes requires the inner buffer to be mutable.
func (s Sub[B]) StableMutBytes() []byte {
	return any(s.buf).(BufMut).StableMutBytes()[:s.BytesTotal()]
}

// SetInit requires the inner buffer to be mutable.
func (s Sub[B]) SetInit(pos int) {
	checkInit(pos, s.BytesTotal())
	any(s.buf).(BufMut).SetInit(pos)
}
