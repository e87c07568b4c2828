package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameNotFound means no tier holds a segment covering a frame.
	ErrFrameNotFound = errors.New("unable to find the requested frame")

	// ErrIntegrity means a segment's name and its embedded header disagree.
	ErrIntegrity = errors.New("segment integrity fault")
)

// FrameNotFoundError carries the missing frame number.
type FrameNotFoundError struct {
	FrameNo uint64
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("unable to find the requested frame_no: %d", e.FrameNo)
}

func (e *FrameNotFoundError) Is(target error) bool { return target == ErrFrameNotFound }

// FrameNotFound returns the error reported when frameNo has no covering segment.
func FrameNotFound(frameNo uint64) error {
	return &FrameNotFoundError{FrameNo: frameNo}
}

// StoreError is a failure while persisting a segment locally or remotely.
type StoreError struct {
	Reason string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "an error occurred while storing a segment: " + e.Reason
	}
	return fmt.Sprintf("an error occurred while storing a segment: %s: %v", e.Reason, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StoreFailed wraps err as a StoreError.
func StoreFailed(reason string, err error) error {
	return &StoreError{Reason: reason, Err: err}
}

// IntegrityError reports a mismatch between a segment's file name and header.
type IntegrityError struct {
	Path                   string
	NameStart, NameEnd     uint64
	HeaderStart, HeaderEnd uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("segment integrity fault in %s: name range %d-%d, header range %d-%d",
		e.Path, e.NameStart, e.NameEnd, e.HeaderStart, e.HeaderEnd)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }
