// Package remote implements the Remote Timeline Client: the public API
// mediating a local timeline directory and its remote object-store
// copy, backed by the scheduler in pkg/remote/queue.
package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/pagestored/pageserver/pkg/errtypes"
	"github.com/pagestored/pageserver/pkg/log"
	"github.com/pagestored/pageserver/pkg/metrics"
	"github.com/pagestored/pageserver/pkg/remote/index"
	"github.com/pagestored/pageserver/pkg/remote/queue"
	"github.com/pagestored/pageserver/pkg/remote/store"
)

var logger = log.New("remote/client")

// Config configures a RemoteTimelineClient.
type Config struct {
	TenantID   string
	TimelineID string

	// LocalPath is the local timeline directory layer files are read
	// from on upload and written to on download.
	LocalPath string

	BackoffBase        time.Duration
	BackoffCap         time.Duration
	RetryWarnThreshold int
}

// Client is a per-timeline Remote Timeline Client.
type Client struct {
	cfg   Config
	store store.RemoteStore
	queue *queue.Queue

	// downloads coalesces concurrent downloads of the same remote key
	// into a single transport call.
	downloads singleflight.Group
}

// New constructs an uninitialized Client.
func New(cfg Config, s store.RemoteStore) *Client {
	c := &Client{cfg: cfg, store: s}
	qcfg := queue.Config{
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		RetryWarnThreshold: cfg.RetryWarnThreshold,
		TimelineID:         cfg.TimelineID,
		IndexKey:           c.key(index.IndexFileName),
		Prefix:             c.prefix(),
	}
	c.queue = queue.New(qcfg, s)
	return c
}

func (c *Client) prefix() string {
	return fmt.Sprintf("tenants/%s/timelines/%s/", c.cfg.TenantID, c.cfg.TimelineID)
}

func (c *Client) key(name string) string {
	return c.prefix() + name
}

// Init transitions Uninitialized -> Initialized from a remote index
// previously fetched via DownloadIndex.
func (c *Client) Init(idx *index.IndexPart) error {
	return c.queue.Init(idx)
}

// InitEmpty transitions Uninitialized -> Initialized with an empty
// remote file set, for a brand-new timeline.
func (c *Client) InitEmpty(metadata []byte, diskConsistentLSN uint64) error {
	return c.queue.InitEmpty(metadata, diskConsistentLSN)
}

// InitStoppedForDeletion transitions Uninitialized -> Stopped, for a
// timeline whose remote index already carries a deleted-at timestamp.
func (c *Client) InitStoppedForDeletion(idx *index.IndexPart) error {
	return c.queue.InitStoppedForDeletion(idx)
}

// ScheduleLayerUpload enqueues an upload of a layer file already
// present at LocalPath/name.
func (c *Client) ScheduleLayerUpload(ctx context.Context, name string, meta index.LayerMetadata) error {
	return c.queue.ScheduleLayerUpload(ctx, name, meta, c)
}

// ScheduleIndexUploadForMetadata sets latest-metadata and
// unconditionally enqueues an index upload.
func (c *Client) ScheduleIndexUploadForMetadata(ctx context.Context, metadata []byte, diskConsistentLSN uint64) error {
	return c.queue.ScheduleIndexUploadForMetadata(ctx, metadata, diskConsistentLSN, c)
}

// ScheduleIndexUploadForFileChanges enqueues an index upload only if
// layer files have been scheduled since the last one.
func (c *Client) ScheduleIndexUploadForFileChanges(ctx context.Context) error {
	return c.queue.ScheduleIndexUploadForFileChanges(ctx, c)
}

// ScheduleLayerDeletion removes names from latest-files and enqueues
// their deletion.
func (c *Client) ScheduleLayerDeletion(ctx context.Context, names []string) error {
	return c.queue.ScheduleLayerDeletion(ctx, names, c)
}

// WaitCompletion blocks until every task scheduled so far has
// completed.
func (c *Client) WaitCompletion(ctx context.Context) error {
	return c.queue.WaitCompletion(ctx, c)
}

// Stop idempotently transitions the client to Stopped.
func (c *Client) Stop() error {
	return c.queue.Stop()
}

// DownloadIndex fetches and verifies this timeline's remote index.
// Valid in any state.
func (c *Client) DownloadIndex(ctx context.Context) (*index.IndexPart, error) {
	key := c.key(index.IndexFileName)
	v, err, _ := c.downloads.Do(key, func() (interface{}, error) {
		return c.store.Download(ctx, key)
	})
	if err != nil {
		return nil, errors.Wrap(err, "remote: download index")
	}
	part, err := index.Unmarshal(v.([]byte))
	if err != nil {
		return nil, errors.Wrap(err, "remote: unmarshal index")
	}
	return part, nil
}

// DownloadLayer fetches a layer file and writes it to LocalPath/name.
// Valid in any state. Concurrent downloads of the same name are
// coalesced into a single transport call.
func (c *Client) DownloadLayer(ctx context.Context, name string) error {
	key := c.key(name)
	v, err, _ := c.downloads.Do(key, func() (interface{}, error) {
		return c.store.Download(ctx, key)
	})
	if err != nil {
		return errors.Wrap(err, "remote: download layer")
	}
	path := filepath.Join(c.cfg.LocalPath, name)
	if err := os.WriteFile(path, v.([]byte), 0o644); err != nil {
		return errors.Wrap(err, "remote: write downloaded layer")
	}
	return nil
}

// PersistIndexWithDeletedFlag uploads the index with a deleted-at
// timestamp, guarded by the Stopped-state delete-flag.
func (c *Client) PersistIndexWithDeletedFlag(ctx context.Context, deletedAt time.Time) error {
	return c.queue.PersistIndexWithDeletedFlag(ctx, deletedAt)
}

// DeleteAll deletes every remote object for this timeline, then the
// index file itself. If a previous DeleteAll was interrupted after the
// tombstoned index was uploaded, calling it again from Stopped with the
// delete flag Successful (e.g. after InitStoppedForDeletion) resumes the
// deletion: the leak sweep lists before deleting, and deleting an
// already-absent object is not an error for MemStore or S3Store.
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.queue.DeleteAll(ctx, c)
}

// RemotePhysicalSize sums the byte size of every layer file currently
// believed to exist remotely, and publishes it to the gauge.
func (c *Client) RemotePhysicalSize() (uint64, error) {
	files := c.queue.LatestFiles()
	if files == nil {
		return 0, errtypes.QueueUninitialized("remote_physical_size")
	}
	var total uint64
	for _, m := range files {
		total += m.FileSize
	}
	metrics.RemotePhysicalSize.WithLabelValues(c.cfg.TimelineID).Set(float64(total))
	return total, nil
}

// LastUploadedConsistentLSN returns the disk-consistent LSN as of the
// last successfully completed index upload, or the value the client was
// initialized with if none has completed yet (0 while Uninitialized).
func (c *Client) LastUploadedConsistentLSN() uint64 {
	return c.queue.LastUploadedConsistentLSN()
}

// Run implements queue.Executor: it performs the actual transport
// operation for one task, reading layer uploads straight from
// LocalPath.
func (c *Client) Run(ctx context.Context, q *queue.Queue, t *queue.Task) error {
	switch t.Kind {
	case queue.OpUploadLayer:
		return c.runUploadLayer(ctx, t)
	case queue.OpUploadMetadata:
		return c.runUploadMetadata(ctx, t)
	case queue.OpDelete:
		return c.runDelete(ctx, t)
	default:
		return nil
	}
}

func (c *Client) runUploadLayer(ctx context.Context, t *queue.Task) error {
	data, err := os.ReadFile(filepath.Join(c.cfg.LocalPath, t.LayerName))
	if err != nil {
		return errors.Wrap(err, "remote: read local layer file")
	}
	if err := c.store.Upload(ctx, c.key(t.LayerName), data); err != nil {
		return errors.Wrap(err, "remote: upload layer")
	}
	return nil
}

func (c *Client) runUploadMetadata(ctx context.Context, t *queue.Task) error {
	data, err := index.Marshal(t.IndexSnapshot)
	if err != nil {
		return errors.Wrap(err, "remote: marshal index snapshot")
	}
	if err := c.store.Upload(ctx, c.key(index.IndexFileName), data); err != nil {
		return errors.Wrap(err, "remote: upload index")
	}
	return nil
}

func (c *Client) runDelete(ctx context.Context, t *queue.Task) error {
	if err := c.store.Delete(ctx, c.key(t.DeleteName)); err != nil {
		return errors.Wrap(err, "remote: delete layer")
	}
	return nil
}
