package durability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"github.com/google/uuid"
)

type testConfig struct {
	Tag string
}

// fakeStorage records stores and lets tests inject latency, blocking,
// failures and panics.
type fakeStorage struct {
	mu       sync.Mutex
	stored   []types.SegmentMeta
	indexes  map[uint64][]byte
	configs  []*testConfig
	failures map[uint64]int // start frame -> failures left; -1 fails forever

	delay   time.Duration
	gate    chan struct{} // when set, Store waits for it to close
	panicOn map[uint64]bool

	running    atomic.Int32
	maxRunning atomic.Int32
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		indexes:  make(map[uint64][]byte),
		failures: make(map[uint64]int),
		panicOn:  make(map[uint64]bool),
	}
}

var _ storage.Storage[testConfig] = (*fakeStorage)(nil)

func (f *fakeStorage) Store(ctx context.Context, cfg *testConfig, m storage.SegmentMeta, data storage.SegmentData, index []byte) error {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		seen := f.maxRunning.Load()
		if n <= seen || f.maxRunning.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	gate, delay, boom := f.gate, f.delay, f.panicOn[m.StartFrameNo]
	f.mu.Unlock()

	if boom {
		panic(fmt.Sprintf("store of frame %d exploded", m.StartFrameNo))
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if left := f.failures[m.StartFrameNo]; left != 0 {
		if left > 0 {
			f.failures[m.StartFrameNo] = left - 1
		}
		return storage.StoreFailed("uploading to remote tier", fmt.Errorf("injected failure"))
	}
	if data.Size() <= 0 {
		return fmt.Errorf("empty segment")
	}
	f.stored = append(f.stored, m)
	f.configs = append(f.configs, cfg)
	if index != nil {
		f.indexes[m.StartFrameNo] = index
	}
	return nil
}

func (f *fakeStorage) FetchSegment(context.Context, *testConfig, string, uint64, string) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeStorage) Meta(_ context.Context, _ *testConfig, ns string) (storage.DbMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := storage.DbMeta{Namespace: ns}
	for _, s := range f.stored {
		if s.Namespace == ns {
			m.SegmentCount++
			if s.EndFrameNo > m.MaxFrameNo {
				m.MaxFrameNo = s.EndFrameNo
			}
		}
	}
	return m, nil
}

func (f *fakeStorage) DefaultConfig() *testConfig { return &testConfig{Tag: "default"} }

func (f *fakeStorage) storedFor(ns string) []types.SegmentMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SegmentMeta
	for _, s := range f.stored {
		if s.Namespace == ns {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStorage) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func request(ns string, start, end uint64) *StoreSegmentRequest[testConfig] {
	h := segment.NewHeader(uuid.New(), start, end, end-start+1)
	return &StoreSegmentRequest[testConfig]{
		Namespace: ns,
		Segment:   segment.NewBytes(h, []byte("frames")),
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func newTestHandle(t *testing.T, st *fakeStorage, cfg Config, opts ...Option) *Handle[testConfig] {
	t.Helper()
	h := New[testConfig](st, fsio.OS{}, cfg, opts...)
	t.Cleanup(func() { h.Shutdown(time.Second) })
	return h
}

func submit(t *testing.T, h *Handle[testConfig], reqs ...*StoreSegmentRequest[testConfig]) {
	t.Helper()
	for _, r := range reqs {
		if err := h.Store(context.Background(), r); err != nil {
			hdr := r.Segment.Header()
			t.Fatalf("Store(%s %d): %v", r.Namespace, hdr.StartFrameNo(), err)
		}
	}
}

// drain collects watermark notifications until the channel closes.
func drain(h *Handle[testConfig]) <-chan []Durable {
	out := make(chan []Durable, 1)
	go func() {
		var all []Durable
		for d := range h.Durable() {
			all = append(all, d)
		}
		out <- all
	}()
	return out
}

func waitDurable(t *testing.T, h *Handle[testConfig], ns string, frameNo uint64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-h.Durable():
			if !ok {
				t.Fatalf("durable channel closed before %s reached %d", ns, frameNo)
			}
			if d.Namespace == ns && d.FrameNo >= frameNo {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %d", ns, frameNo)
		}
	}
}

type memCheckpointer struct {
	mu          sync.Mutex
	frames      map[string]uint64
	escalations []meta.EscalationEntry
}

func (c *memCheckpointer) DurableFrameNo(_ context.Context, ns string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[ns], nil
}

func (c *memCheckpointer) SetDurableFrameNo(_ context.Context, ns string, frameNo uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frameNo > c.frames[ns] {
		c.frames[ns] = frameNo
	}
	return nil
}

func (c *memCheckpointer) RecordEscalation(_ context.Context, e meta.EscalationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations = append(c.escalations, e)
	return nil
}
