package iobuf

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// Record is a buffer holding exactly one fixed-layout value of type T. The
// I/O operation reads or writes the value's own memory, so decoding a
// header costs neither a scratch buffer nor a copy.
//
// T must be built only from bytes, byte arrays and structs of those. Such a
// type has alignment 1, no padding and no pointers, which makes every byte
// pattern a valid T and the layout identical on every platform. The layout
// is checked once per type; a Record of any other type panics on creation.
//
// A Record must be used through its pointer: the heap cell it lives in is
// the stable address lent to I/O.
type Record[T any] struct {
	init  int
	inner T
}

// NewRecord returns an uninitialized record; BytesInit is 0.
func NewRecord[T any]() *Record[T] {
	mustPlainLayout(reflect.TypeFor[T]())
	return &Record[T]{}
}

// NewRecordInit returns a record already holding v.
func NewRecordInit[T any](v T) *Record[T] {
	mustPlainLayout(reflect.TypeFor[T]())
	return &Record[T]{inner: v, init: int(unsafe.Sizeof(v))}
}

func (r *Record[T]) size() int { return int(unsafe.Sizeof(r.inner)) }

// IsInit reports whether the whole record has been written.
func (r *Record[T]) IsInit() bool { return r.init == r.size() }

// Get returns the record. It panics if the record is not fully initialized.
func (r *Record[T]) Get() *T {
	if !r.IsInit() {
		panic(fmt.Sprintf("iobuf: record accessed with %d of %d bytes initialized", r.init, r.size()))
	}
	return &r.inner
}

// Deinit resets the watermark so the record can be reused for another read.
func (r *Record[T]) Deinit() { r.init = 0 }

func (r *Record[T]) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.inner)), r.size())
}

func (r *Record[T]) StableBytes() []byte { return r.bytes()[:r.init] }

func (r *Record[T]) BytesInit() int { return r.init }

func (r *Record[T]) BytesTotal() int { return r.size() }

func (r *Record[T]) StableMutBytes() []byte { return r.bytes() }

func (r *Record[T]) SetInit(pos int) {
	checkInit(pos, r.size())
	r.init = pos
}

var checkedLayouts sync.Map // reflect.Type -> error

func mustPlainLayout(t reflect.Type) {
	if v, ok := checkedLayouts.Load(t); ok {
		if v != nil {
			panic(v)
		}
		return
	}
	err := plainLayout(t)
	if err != nil {
		checkedLayouts.Store(t, err)
		panic(err)
	}
	checkedLayouts.Store(t, nil)
}

func plainLayout(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Uint8:
		return nil
	case reflect.Array:
		return plainLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := plainLayout(t.Field(i).Type); err != nil {
				return fmt.Errorf("iobuf: field %s of %s: %w", t.Field(i).Name, t, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("iobuf: %s is not a plain byte layout", t)
	}
}
