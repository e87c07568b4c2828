package iobuf

// Box forwards the buffer contract through a uniquely owned heap pointer.
// It is meant for buffers that are too large to pass around by value.
type Box[T any, PT interface {
	*T
	BufMut
}] struct {
	p PT
}

// NewBox moves v into a fresh heap cell.
func NewBox[T any, PT interface {
	*T
	BufMut
}](v T) Box[T, PT] {
	p := PT(new(T))
	*p = v
	return Box[T, PT]{p: p}
}

// Inner returns the boxed buffer.
func (b Box[T, PT]) Inner() PT { return b.p }

func (b Box[T, PT]) StableBytes() []byte { return b.p.StableBytes() }

func (b Box[T, PT]) BytesInit() int { return b.p.BytesInit() }

func (b Box[T, PT]) BytesTotal() int { return b.p.BytesTotal() }

func (b Box[T, PT]) StableMutBytes() []byte { return b.p.StableMutBytes() }

func (b Box[T, PT]) SetInit(pos int) { b.p.SetInit(pos) }
