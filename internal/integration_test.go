package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/wal-tiered-storage/internal/blob"
	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/gftdcojp/wal-tiered-storage/internal/file"
	"github.com/gftdcojp/wal-tiered-storage/internal/fsio"
	"github.com/gftdcojp/wal-tiered-storage/internal/ingest"
	"github.com/gftdcojp/wal-tiered-storage/internal/lifecycle"
	"github.com/gftdcojp/wal-tiered-storage/internal/meta"
	"github.com/gftdcojp/wal-tiered-storage/internal/segment"
	"github.com/gftdcojp/wal-tiered-storage/internal/serve"
	"github.com/gftdcojp/wal-tiered-storage/internal/types"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// startEmbeddedNATS starts an embedded nats-server on a random port.
func startEmbeddedNATS(t *testing.T) string {
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
	return ns.ClientURL()
}

// memS3 is an in-memory bucket.
type memS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[*in.Key] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	data, ok := m.objects[*in.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *memS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	data, ok := m.objects[*in.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	return out, nil
}

func (m *memS3) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

type node struct {
	meta   *meta.BoltStore
	bucket *memS3
	blob   *blob.Store
	files  *file.Store
	handle *durability.Handle[file.Config]
}

func newNode(t *testing.T, dir string, bucket *memS3) *node {
	t.Helper()
	metaStore, err := meta.NewBoltStore(filepath.Join(dir, "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	blobStore := blob.NewStore(bucket, "wal-bucket", config.RemoteConfig{Prefix: "wal"}, metaStore, zap.NewNop())
	files, err := file.NewStore(file.StoreConfig{
		DataDir:       filepath.Join(dir, "segments"),
		VerifyHeaders: true,
		Remote:        blobStore,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := durability.New[file.Config](files, fsio.OS{}, durability.Config{MaxInFlight: 4, MaxAttempts: 3, RetryBackoff: time.Millisecond},
		durability.WithCheckpointer(metaStore))
	return &node{meta: metaStore, bucket: bucket, blob: blobStore, files: files, handle: h}
}

func (n *node) close(t *testing.T) {
	t.Helper()
	if err := n.handle.Shutdown(5 * time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	n.meta.Close()
}

func writeWALSegment(t *testing.T, dir string, start, end uint64) (string, []byte) {
	t.Helper()
	h := segment.NewHeader(uuid.New(), start, end, end-start+1)
	frames := bytes.Repeat([]byte(fmt.Sprintf("%d-%d;", start, end)), 64)
	path := filepath.Join(dir, fmt.Sprintf("wal-%020d", start))
	if err := segment.Write(path, h, frames, []byte("idx")); err != nil {
		t.Fatal(err)
	}
	return path, segment.Encode(h, frames)
}

// TestIntegration_FullPipeline follows sealed segments from a NATS
// announcement to the remote tier, out of the local cache, and back
// through a restore.
func TestIntegration_FullPipeline(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	os.MkdirAll(walDir, 0755)
	bucket := &memS3{objects: make(map[string][]byte)}
	n := newNode(t, dir, bucket)
	defer n.close(t)

	nc, err := nats.Connect(startEmbeddedNATS(t))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	watermarks, err := nc.SubscribeSync("wal.durable.db")
	if err != nil {
		t.Fatal(err)
	}

	sub := ingest.NewSubscriber(ingest.SubscriberConfig{
		NC:     nc,
		Ingest: config.IngestConfig{Enabled: true, SubjectPrefix: "wal"},
		Handle: n.handle,
	})
	pub := serve.NewPublisher(nc, "wal", zap.NewNop())
	go func() {
		for d := range n.handle.Durable() {
			sub.Release(d)
			pub.Durable(d)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	announce := func(payload []byte) ingest.Reply {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			msg, err := nc.Request("wal.sealed.db", payload, time.Second)
			if errors.Is(err, nats.ErrNoResponders) && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if err != nil {
				t.Fatalf("announce: %v", err)
			}
			var r ingest.Reply
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				t.Fatal(err)
			}
			return r
		}
	}

	originals := make(map[uint64][]byte)
	var payloads [][]byte
	for i := uint64(0); i < 3; i++ {
		path, data := writeWALSegment(t, walDir, i*10, i*10+9)
		originals[i*10] = data
		payload, _ := json.Marshal(ingest.Notification{Path: path, CreatedAt: time.Now().Add(-time.Hour)})
		payloads = append(payloads, payload)
		if r := announce(payload); r.Status != "accepted" {
			t.Fatalf("announce segment %d: %+v", i, r)
		}
	}
	// A redelivered announcement is either still in flight or stored again;
	// neither may halt the namespace.
	if r := announce(payloads[0]); r.Status != "duplicate" && r.Status != "accepted" {
		t.Fatalf("redelivered announcement: %+v", r)
	}

	var last serve.DurableEvent
	for last.FrameNo < 29 {
		msg, err := watermarks.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("waiting for watermark: %v", err)
		}
		if err := json.Unmarshal(msg.Data, &last); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for sub.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d segments still held open by ingest", sub.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if escalated, err := n.meta.ListEscalations(ctx, "db"); err != nil || len(escalated) != 0 {
		t.Fatalf("escalations = %+v, %v", escalated, err)
	}

	remote := types.TierRemote
	uploaded, err := n.meta.ListSegments(ctx, "db", &remote)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploaded) != 3 {
		t.Fatalf("expected 3 uploaded segments, got %d", len(uploaded))
	}
	if bucket.count() != 6 {
		t.Errorf("expected 3 segments and 3 index sidecars in the bucket, got %d objects", bucket.count())
	}
	if frameNo, _ := n.meta.DurableFrameNo(ctx, "db"); frameNo != 29 {
		t.Errorf("checkpointed watermark = %d, want 29", frameNo)
	}

	// Evict everything from the local cache.
	mgr := lifecycle.NewManager(n.files, n.blob, n.meta, config.LifecycleConfig{
		EvalInterval: config.Duration(5 * time.Millisecond),
		MaxAge:       config.Duration(time.Minute),
	}, zap.NewNop())
	lctx, lcancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		mgr.Run(lctx)
	}()
	deadline = time.Now().Add(5 * time.Second)
	for {
		segs, err := n.files.Segments("db")
		if err != nil {
			t.Fatal(err)
		}
		if len(segs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d segments still cached", len(segs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	lcancel()
	<-stopped

	svc := serve.NewService(serve.ServiceConfig{
		Storage:    n.files,
		Meta:       n.meta,
		Loop:       n.handle,
		RestoreDir: filepath.Join(dir, "restore"),
	})
	path, err := svc.Restore(ctx, "db", 15)
	if err != nil {
		t.Fatalf("restore from remote tier: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, originals[10]) {
		t.Error("restored segment differs from the original")
	}
	if segs, _ := n.files.Segments("db"); len(segs) != 1 {
		t.Errorf("restore should repopulate the cache with one segment, have %d", len(segs))
	}
	if sub.Pending() != 0 {
		t.Errorf("%d segments still held open by ingest", sub.Pending())
	}
}

// TestIntegration_Restart verifies that watermarks and cached segments
// survive a process restart.
func TestIntegration_Restart(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	os.MkdirAll(walDir, 0755)
	bucket := &memS3{objects: make(map[string][]byte)}
	ctx := context.Background()

	n := newNode(t, dir, bucket)
	for i := uint64(0); i < 5; i++ {
		path, _ := writeWALSegment(t, walDir, i*100, i*100+99)
		f, err := segment.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if err := n.handle.Store(ctx, &durability.StoreSegmentRequest[file.Config]{Namespace: "tenant-a", Segment: f, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	n.close(t)

	n = newNode(t, dir, bucket)
	defer n.close(t)

	if frameNo, err := n.meta.DurableFrameNo(ctx, "tenant-a"); err != nil || frameNo != 499 {
		t.Fatalf("watermark after restart = %d, %v", frameNo, err)
	}
	m, err := n.files.Meta(ctx, nil, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if m.SegmentCount != 5 || m.MaxFrameNo != 499 {
		t.Errorf("local meta after restart = %+v", m)
	}
	dest := filepath.Join(dir, "restored")
	if err := n.files.FetchSegment(ctx, nil, "tenant-a", 250, dest); err != nil {
		t.Fatalf("fetch after restart: %v", err)
	}

	// A stale, lower segment never moves the watermark back.
	path, _ := writeWALSegment(t, walDir, 10, 20)
	f, err := segment.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := n.handle.Store(ctx, &durability.StoreSegmentRequest[file.Config]{Namespace: "tenant-a", Segment: f}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-n.handle.Durable():
		if d.FrameNo != 499 {
			t.Errorf("watermark after stale segment = %d, want 499", d.FrameNo)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watermark")
	}
}

// TestStress_ManyNamespaces pushes many namespaces through the loop at once
// and checks every frame can be fetched afterwards.
func TestStress_ManyNamespaces(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	os.MkdirAll(walDir, 0755)
	bucket := &memS3{objects: make(map[string][]byte)}
	ctx := context.Background()
	n := newNode(t, dir, bucket)

	const namespaces, perNamespace = 20, 10
	segments := make(map[string][]*segment.File)
	for i := 0; i < namespaces; i++ {
		ns := fmt.Sprintf("ns-%02d", i)
		nsDir := filepath.Join(walDir, ns)
		os.MkdirAll(nsDir, 0755)
		for j := uint64(0); j < perNamespace; j++ {
			path, _ := writeWALSegment(t, nsDir, j*10, j*10+9)
			f, err := segment.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { f.Close() })
			segments[ns] = append(segments[ns], f)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, namespaces)
	for ns, files := range segments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, f := range files {
				if err := n.handle.Store(ctx, &durability.StoreSegmentRequest[file.Config]{Namespace: ns, Segment: f, CreatedAt: time.Now()}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	n.close(t)

	for i := 0; i < namespaces; i++ {
		ns := fmt.Sprintf("ns-%02d", i)
		for frame := uint64(0); frame < perNamespace*10; frame += 7 {
			dest := filepath.Join(dir, fmt.Sprintf("fetch-%s-%d", ns, frame))
			if err := n.files.FetchSegment(ctx, nil, ns, frame, dest); err != nil {
				t.Fatalf("fetch %s frame %d: %v", ns, frame, err)
			}
		}
	}
	if bucket.count() != namespaces*perNamespace*2 {
		t.Errorf("bucket holds %d objects, want %d", bucket.count(), namespaces*perNamespace*2)
	}
}
