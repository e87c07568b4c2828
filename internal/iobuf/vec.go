package iobuf

// Vec is a growable byte buffer. BytesInit is its length and BytesTotal its
// capacity, so a Vec created with NewVec(n) can receive exactly n bytes from
// a single read.
type Vec struct {
	b []byte
}

// NewVec returns an empty buffer with capacity n.
func NewVec(n int) *Vec {
	return &Vec{b: make([]byte, 0, n)}
}

// VecFrom wraps an existing, fully initialized byte slice.
func VecFrom(b []byte) *Vec {
	return &Vec{b: b}
}

func (v *Vec) StableBytes() []byte { return v.b }

func (v *Vec) BytesInit() int { return len(v.b) }

func (v *Vec) BytesTotal() int { return cap(v.b) }

func (v *Vec) StableMutBytes() []byte { return v.b[:cap(v.b)] }

// SetInit only ever grows the initialized length.
func (v *Vec) SetInit(pos int) {
	checkInit(pos, cap(v.b))
	if len(v.b) < pos {
		v.b = v.b[:pos]
	}
}

// Append grows the buffer with normal append semantics. It may reallocate,
// so it must not be called while the buffer is lent to an operation.
func (v *Vec) Append(p ...byte) {
	v.b = append(v.b, p...)
}

// Reset drops the contents and keeps the backing array.
func (v *Vec) Reset() { v.b = v.b[:0] }

// Bytes returns the initialized contents.
func (v *Vec) Bytes() []byte { return v.b }
