package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

func newTestMeta(t *testing.T) *meta.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeRemote struct{ err error }

func (f fakeRemote) Ping(context.Context) error { return f.err }

type fakeLoop struct{ err error }

func (f fakeLoop) Err() error { return f.err }

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, nil)
	status := checker.Liveness()
	if !status.OK {
		t.Fatal("liveness should return OK=true without a loop")
	}
}

func TestHealthChecker_Liveness_LoopFailed(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, fakeLoop{err: errors.New("job panicked")})
	status := checker.Liveness()
	if status.OK {
		t.Fatal("expected liveness OK=false after the loop failed")
	}
	if len(status.Checks) != 1 || status.Checks[0].Name != "durability" {
		t.Fatalf("expected a durability check, got %+v", status.Checks)
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	_, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	metaStore := newTestMeta(t)
	checker := NewHealthChecker(nc, metaStore, fakeRemote{}, fakeLoop{})

	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}

	found := map[string]bool{}
	for _, c := range status.Checks {
		found[c.Name] = true
		if c.Name == "nats" && c.Status != "connected" {
			t.Fatalf("expected nats connected, got %s", c.Status)
		}
		if c.Name == "metadata" && c.Status != "ok" {
			t.Fatalf("expected metadata ok, got %s", c.Status)
		}
	}
	for _, name := range []string{"nats", "metadata", "s3"} {
		if !found[name] {
			t.Errorf("%s check missing", name)
		}
	}
}

func TestHealthChecker_Readiness_NATSDown(t *testing.T) {
	ns, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url, nats.NoReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	// Shut down the server to make the connection stale
	ns.Shutdown()
	time.Sleep(100 * time.Millisecond)

	checker := NewHealthChecker(nc, nil, nil, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when NATS is down")
	}
}

func TestHealthChecker_Readiness_MetaError(t *testing.T) {
	metaStore := newTestMeta(t)
	metaStore.Close()

	checker := NewHealthChecker(nil, metaStore, nil, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when meta store is closed")
	}

	for _, c := range status.Checks {
		if c.Name == "metadata" {
			if c.Status != "error" {
				t.Fatalf("expected metadata error, got %s", c.Status)
			}
			if c.Error == "" {
				t.Fatal("expected error message for metadata check")
			}
		}
	}
}

func TestHealthChecker_Readiness_RemoteError(t *testing.T) {
	checker := NewHealthChecker(nil, nil, fakeRemote{err: errors.New("bucket gone")}, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when the remote tier is unreachable")
	}
}

func TestHealthServer_Endpoints(t *testing.T) {
	metaStore := newTestMeta(t)
	checker := NewHealthChecker(nil, metaStore, nil, fakeLoop{})
	mux := NewHealthMux(config.HealthConfig{}, checker)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", w.Code)
	}
	var liveResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &liveResp)
	if !liveResp.OK {
		t.Fatal("liveness response should have OK=true")
	}

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("readiness: expected 200, got %d", w.Code)
	}
	var readyResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &readyResp)
	if !readyResp.OK {
		t.Fatalf("readiness response should have OK=true, checks: %+v", readyResp.Checks)
	}
}

func TestHealthServer_LoopFailedReturns503(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, fakeLoop{err: errors.New("boom")})
	mux := NewHealthMux(config.HealthConfig{}, checker)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
