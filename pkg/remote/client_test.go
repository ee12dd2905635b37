package remote

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pagestored/pageserver/pkg/errtypes"
	"github.com/pagestored/pageserver/pkg/metrics"
	"github.com/pagestored/pageserver/pkg/remote/index"
	"github.com/pagestored/pageserver/pkg/remote/store"
)

// gatedUploads wires MemStore.UploadHook so the test can park an upload
// in flight and observe scheduler state before releasing it.
func gatedUploads(s *store.MemStore, only string) (waitBlocked <-chan struct{}, release chan<- struct{}) {
	blocked := make(chan struct{}, 8)
	gate := make(chan struct{})
	s.UploadHook = func(key string) error {
		if only == "" || key == only {
			blocked <- struct{}{}
			<-gate
		}
		return nil
	}
	return blocked, gate
}

func TestUploadScheduling(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "L1"), []byte("contents for foo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "L2"), []byte("contents for bar"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "L3"), []byte("contents for baz"), 0o644))

	s := store.NewMemStore()
	blocked, release := gatedUploads(s, "")

	c := New(Config{TenantID: "t1", TimelineID: "tl-upload-scheduling", LocalPath: dir}, s)
	require.NoError(t, c.InitEmpty([]byte("meta-v1"), 0x10))

	ctx := context.Background()
	require.NoError(t, c.ScheduleLayerUpload(ctx, "L1", index.LayerMetadata{FileSize: 16}))
	<-blocked
	require.NoError(t, c.ScheduleLayerUpload(ctx, "L2", index.LayerMetadata{FileSize: 16}))
	<-blocked

	snap := c.queue.Observe()
	require.Equal(t, 2, snap.NumInProgressLayerUploads)
	require.Equal(t, 0, snap.QueueLength)
	require.Equal(t, 2, c.queue.PendingFileChanges())

	require.NoError(t, c.ScheduleIndexUploadForMetadata(ctx, []byte("meta-v2"), 0x20))
	snap = c.queue.Observe()
	require.Equal(t, 1, snap.QueueLength)
	require.Equal(t, 0, c.queue.PendingFileChanges())

	close(release)
	require.NoError(t, c.WaitCompletion(ctx))

	idx, err := c.DownloadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, idx.Layers, 2)
	require.Contains(t, idx.Layers, "L1")
	require.Contains(t, idx.Layers, "L2")
	require.EqualValues(t, 0x20, idx.DiskConsistentLSN)

	requireRemoteKeys(t, c, s, "L1", "L2", index.IndexFileName)

	blocked2, release2 := gatedUploads(s, c.key("L3"))

	require.NoError(t, c.ScheduleLayerUpload(ctx, "L3", index.LayerMetadata{FileSize: 16}))
	<-blocked2

	require.NoError(t, c.ScheduleLayerDeletion(ctx, []string{"L1"}))

	snap = c.queue.Observe()
	require.Equal(t, 2, snap.QueueLength)
	require.Equal(t, 1, snap.NumInProgressLayerUploads)
	require.Equal(t, 0, snap.NumInProgressDeletions)

	close(release2)
	require.NoError(t, c.WaitCompletion(ctx))

	requireRemoteKeys(t, c, s, "L2", "L3", index.IndexFileName)
}

func requireRemoteKeys(t *testing.T, c *Client, s *store.MemStore, names ...string) {
	t.Helper()
	want := make([]string, 0, len(names))
	for _, n := range names {
		want = append(want, c.key(n))
	}
	require.ElementsMatch(t, want, s.Keys())
}

func TestBytesInFlightMetric(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("x"), 17)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "L1"), content, 0o644))

	s := store.NewMemStore()
	blocked, release := gatedUploads(s, "")

	tl := "tl-bytes-metric"
	c := New(Config{TenantID: "t1", TimelineID: tl, LocalPath: dir}, s)
	require.NoError(t, c.InitEmpty([]byte("meta"), 0x1))

	require.Zero(t, testutil.ToFloat64(metrics.BytesStarted.WithLabelValues(tl)))
	require.Zero(t, testutil.ToFloat64(metrics.BytesFinished.WithLabelValues(tl)))

	ctx := context.Background()
	require.NoError(t, c.ScheduleLayerUpload(ctx, "L1", index.LayerMetadata{FileSize: 17}))
	<-blocked

	require.EqualValues(t, 17, testutil.ToFloat64(metrics.BytesStarted.WithLabelValues(tl)))
	require.Zero(t, testutil.ToFloat64(metrics.BytesFinished.WithLabelValues(tl)))

	close(release)
	require.NoError(t, c.WaitCompletion(ctx))

	require.EqualValues(t, 17, testutil.ToFloat64(metrics.BytesStarted.WithLabelValues(tl)))
	require.EqualValues(t, 17, testutil.ToFloat64(metrics.BytesFinished.WithLabelValues(tl)))
}

func TestStopWhileWaiterParked(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "L1"), []byte("data"), 0o644))

	s := store.NewMemStore()
	blocked, release := gatedUploads(s, "")

	c := New(Config{TenantID: "t1", TimelineID: "tl-stop-parked", LocalPath: dir}, s)
	require.NoError(t, c.InitEmpty([]byte("meta"), 0x1))

	ctx := context.Background()
	require.NoError(t, c.ScheduleLayerUpload(ctx, "L1", index.LayerMetadata{FileSize: 4}))
	<-blocked

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- c.WaitCompletion(ctx) }()

	require.Eventually(t, func() bool {
		return c.queue.Observe().QueueLength == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())

	select {
	case err := <-waiterErr:
		require.Error(t, err)
		_, ok := err.(errtypes.IsAborted)
		require.True(t, ok, "expected an aborted-class error, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after stop")
	}
	require.True(t, c.queue.IsStopped())

	close(release)
}
