// Package iobuf defines the buffer contract used to move segment bytes
// between files, memory and the remote tier without intermediate copies.
//
// A buffer is lent to an I/O operation by passing it by value into the
// operation and getting it back from the return values. While lent, the
// backing array must not be reallocated: every implementation here only
// ever reslices within the capacity it was created with.
package iobuf

import "fmt"

// Buf is a memory region that can be the source of an I/O operation.
type Buf interface {
	// StableBytes returns the initialized prefix of the region. The backing
	// array does not move for as long as the buffer is lent out.
	StableBytes() []byte

	// BytesInit is the number of bytes, from the start of the region,
	// that hold meaningful data.
	BytesInit() int

	// BytesTotal is the full addressable capacity of the region.
	BytesTotal() int
}

// BufMut is a memory region that can be the target of an I/O operation.
type BufMut interface {
	Buf

	// StableMutBytes returns the whole region, BytesTotal bytes long,
	// including any uninitialized tail.
	StableMutBytes() []byte

	// SetInit advances the initialized watermark to pos. The caller
	// guarantees that the bytes up to pos were written by a completed
	// operation. pos beyond BytesTotal panics.
	SetInit(pos int)
}

func checkInit(pos, total int) {
	if pos < 0 || pos > total {
		panic(fmt.Sprintf("iobuf: SetInit(%d) outside buffer of %d bytes", pos, total))
	}
}
