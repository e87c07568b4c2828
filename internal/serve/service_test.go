package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/storage"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeLoop struct {
	mu      sync.Mutex
	resumed []string
	err     error
	done    chan struct{}
}

func newFakeLoop() *fakeLoop { return &fakeLoop{done: make(chan struct{})} }

func (l *fakeLoop) Resume(_ context.Context, ns string) error {
	select {
	case <-l.done:
		return durability.ErrClosed
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resumed = append(l.resumed, ns)
	return nil
}

func (l *fakeLoop) Err() error            { return l.err }
func (l *fakeLoop) Done() <-chan struct{} { return l.done }

func (l *fakeLoop) stop(err error) {
	l.err = err
	close(l.done)
}

type testEnv struct {
	svc   *Service
	store *file.Store
	meta  *meta.BoltStore
	loop  *fakeLoop
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := file.NewStore(file.StoreConfig{DataDir: filepath.Join(dir, "segments"), Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	metaStore, err := meta.NewBoltStore(filepath.Join(dir, "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metaStore.Close() })

	loop := newFakeLoop()
	svc := NewService(ServiceConfig{
		Storage:    store,
		Meta:       metaStore,
		Loop:       loop,
		RestoreDir: filepath.Join(dir, "restore"),
		Logger:     zap.NewNop(),
	})
	return &testEnv{svc: svc, store: store, meta: metaStore, loop: loop, dir: dir}
}

// storeSegment stores frames [start, end] of ns and returns the encoded bytes.
func (e *testEnv) storeSegment(t *testing.T, ns string, start, end uint64) []byte {
	t.Helper()
	h := segment.NewHeader(uuid.New(), start, end, end-start+1)
	frames := []byte(fmt.Sprintf("frames %d-%d", start, end))
	m := storage.SegmentMeta{
		Namespace:    ns,
		SegmentID:    h.SegmentID(),
		StartFrameNo: start,
		EndFrameNo:   end,
		CreatedAt:    time.Unix(1700000000, 0),
	}
	if err := e.store.Store(context.Background(), nil, m, bytes.NewReader(segment.Encode(h, frames)), nil); err != nil {
		t.Fatal(err)
	}
	return segment.Encode(h, frames)
}

func TestServiceMeta(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.storeSegment(t, "db", 0, 9)
	env.storeSegment(t, "db", 10, 19)

	// A segment only the remote tier still holds.
	err := env.meta.RecordSegment(ctx, meta.SegmentEntry{
		Namespace:    "db",
		Name:         storage.SegmentFileName(20, 29, time.Unix(1700000001, 0)),
		StartFrameNo: 20,
		EndFrameNo:   29,
		SizeBytes:    100,
		Tiers:        []types.Tier{types.TierRemote},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.meta.SetDurableFrameNo(ctx, "db", 29); err != nil {
		t.Fatal(err)
	}

	m, err := env.svc.Meta(ctx, "db")
	if err != nil {
		t.Fatal(err)
	}
	if m.MaxFrameNo != 29 || m.DurableFrameNo != 29 || m.LocalSegments != 2 || m.RemoteSegments != 1 {
		t.Errorf("unexpected meta %+v", m)
	}

	segs, err := env.svc.Segments(ctx, "db")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 || segs[2].Tiers[0] != "remote" {
		t.Errorf("unexpected segments %+v", segs)
	}
}

func TestServiceRestore(t *testing.T) {
	env := newTestEnv(t)
	want := env.storeSegment(t, "db", 0, 64)

	path, err := env.svc.Restore(context.Background(), "db", 42)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("restored segment differs from the stored one")
	}

	// Restoring again replaces the previous link.
	if _, err := env.svc.Restore(context.Background(), "db", 42); err != nil {
		t.Fatalf("second restore: %v", err)
	}

	_, err = env.svc.Restore(context.Background(), "db", 65)
	if !errors.Is(err, storage.ErrFrameNotFound) {
		t.Errorf("restore of missing frame = %v", err)
	}
}

func TestServiceConcurrentRestores(t *testing.T) {
	env := newTestEnv(t)
	want := env.storeSegment(t, "db", 0, 64)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Restore(context.Background(), "db", 7); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent restore: %v", err)
	}

	env.svc.Restore(context.Background(), "db", 65)

	entries, err := os.ReadDir(filepath.Join(env.dir, "restore", "db"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != fmt.Sprintf("%020d.segment", 7) {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("restore dir holds %v, want only the restored segment", names)
	}
	got, err := os.ReadFile(filepath.Join(env.dir, "restore", "db", entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("restored segment differs from the stored one")
	}
}

func TestHTTPHandler(t *testing.T) {
	env := newTestEnv(t)
	env.storeSegment(t, "db", 0, 9)
	srv := httptest.NewServer(NewHandler(env.svc))
	defer srv.Close()

	tests := []struct {
		method, path string
		code         int
	}{
		{"GET", "/v1/status", http.StatusOK},
		{"GET", "/v1/namespaces/db/meta", http.StatusOK},
		{"GET", "/v1/namespaces/.hidden/meta", http.StatusBadRequest},
		{"GET", "/v1/namespaces/db/segments", http.StatusOK},
		{"GET", "/v1/namespaces/db/escalations", http.StatusOK},
		{"POST", "/v1/namespaces/db/restore/5", http.StatusOK},
		{"POST", "/v1/namespaces/db/restore/10", http.StatusNotFound},
		{"POST", "/v1/namespaces/db/restore/abc", http.StatusBadRequest},
		{"POST", "/v1/namespaces/db/resume", http.StatusAccepted},
		{"GET", "/v1/namespaces/db/restore/5", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
			}
		})
	}

	env.loop.mu.Lock()
	defer env.loop.mu.Unlock()
	if len(env.loop.resumed) != 1 || env.loop.resumed[0] != "db" {
		t.Errorf("resumed = %v", env.loop.resumed)
	}
}

func TestHTTPStatusReportsStoppedLoop(t *testing.T) {
	env := newTestEnv(t)
	env.loop.stop(&durability.JobPanicError{Namespace: "db", Value: "boom"})

	w := httptest.NewRecorder()
	NewHandler(env.svc).ServeHTTP(w, httptest.NewRequest("GET", "/v1/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Durability != "stopped" || st.Error == "" {
		t.Errorf("unexpected status %+v", st)
	}

	w = httptest.NewRecorder()
	NewHandler(env.svc).ServeHTTP(w, httptest.NewRequest("POST", "/v1/namespaces/db/resume", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("resume on stopped loop = %d", w.Code)
	}
}

func TestHTTPRestoreResponse(t *testing.T) {
	env := newTestEnv(t)
	env.storeSegment(t, "db", 0, 9)

	w := httptest.NewRecorder()
	NewHandler(env.svc).ServeHTTP(w, httptest.NewRequest("POST", "/v1/namespaces/db/restore/3", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Path    string `json:"path"`
		FrameNo uint64 `json:"frame_no"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FrameNo != 3 || filepath.Dir(resp.Path) != filepath.Join(env.dir, "restore", "db") {
		t.Errorf("unexpected response %+v", resp)
	}
}
