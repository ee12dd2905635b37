// Package queue implements the upload queue's three-state machine and
// scheduling kernel: the part of the remote timeline client responsible
// for deciding, under a single short-held lock, which queued operations
// may start next.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/pagestored/pageserver/pkg/errtypes"
	"github.com/pagestored/pageserver/pkg/log"
	"github.com/pagestored/pageserver/pkg/metrics"
	"github.com/pagestored/pageserver/pkg/remote/index"
	"github.com/pagestored/pageserver/pkg/remote/store"
)

var logger = log.New("remote/queue")

// defaultRetryWarnThreshold is overridable per-queue via Config.
const defaultRetryWarnThreshold = 3

// state is the three-state upload queue lifecycle.
type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateStopped
)

// OpKind discriminates the four upload operation variants.
type OpKind int

const (
	OpUploadLayer OpKind = iota
	OpUploadMetadata
	OpDelete
	OpBarrier
)

// Task is one queued or in-flight operation.
type Task struct {
	ID   uint64
	Kind OpKind

	LayerName string
	LayerMeta index.LayerMetadata

	IndexSnapshot *index.IndexPart

	DeleteName                  string
	ScheduledFromTimelineDelete bool

	// barrierDone is closed (happy path) or sent an error (aborted path)
	// when a Barrier task fires. Only set for OpBarrier tasks.
	barrierDone chan error
}

// DeleteFlagState is the Stopped-state sub-state tracking progress of
// persist_index_with_deleted_flag.
type DeleteFlagState int

const (
	DeleteFlagNotRunning DeleteFlagState = iota
	DeleteFlagInProgress
	DeleteFlagSuccessful
)

// Config bounds a queue's retry and backoff behavior.
type Config struct {
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	RetryWarnThreshold int
	TimelineID         string

	// IndexKey is the full remote key of this timeline's index_part.json.
	IndexKey string
	// Prefix is this timeline's remote key prefix, used by the delete-all
	// leak sweep.
	Prefix string
}

// Queue is the per-timeline upload queue and scheduler.
type Queue struct {
	cfg   Config
	store store.RemoteStore

	mu    sync.Mutex
	state state

	// Initialized-state fields.
	latestFiles               map[string]index.LayerMetadata
	latestMetadata            []byte
	lastUploadedConsistentLSN uint64
	pendingFileChanges        int

	inProgress map[uint64]*Task
	queued     []*Task
	nextTaskID uint64

	numInProgressLayerUploads    int
	numInProgressMetadataUploads int
	numInProgressDeletions      int

	// Stopped-state fields.
	deletionSnapshot map[string]index.LayerMetadata
	deleteFlag       DeleteFlagState
	deleteFlagAt     time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New constructs an uninitialized queue against the given store.
func New(cfg Config, s store.RemoteStore) *Queue {
	if cfg.RetryWarnThreshold == 0 {
		cfg.RetryWarnThreshold = defaultRetryWarnThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:            cfg,
		store:          s,
		inProgress:     make(map[uint64]*Task),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// InitEmpty transitions Uninitialized -> Initialized with an empty
// remote file set.
func (q *Queue) InitEmpty(metadata []byte, diskConsistentLSN uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateUninitialized {
		return errtypes.InvalidState("init_empty: queue is not Uninitialized")
	}
	q.latestFiles = make(map[string]index.LayerMetadata)
	q.latestMetadata = metadata
	q.lastUploadedConsistentLSN = diskConsistentLSN
	q.state = stateInitialized
	return nil
}

// Init transitions Uninitialized -> Initialized from an observed
// remote index.
func (q *Queue) Init(idx *index.IndexPart) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateUninitialized {
		return errtypes.InvalidState("init: queue is not Uninitialized")
	}
	q.latestFiles = make(map[string]index.LayerMetadata, len(idx.Layers))
	for k, v := range idx.Layers {
		q.latestFiles[k] = v
	}
	q.latestMetadata = idx.Metadata
	q.lastUploadedConsistentLSN = idx.DiskConsistentLSN
	q.state = stateInitialized
	return nil
}

// InitStoppedForDeletion transitions Uninitialized -> Stopped with the
// delete flag already Successful, from an index observed to already
// carry a deleted-at timestamp.
func (q *Queue) InitStoppedForDeletion(idx *index.IndexPart) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateUninitialized {
		return errtypes.InvalidState("init_stopped_for_deletion: queue is not Uninitialized")
	}
	if idx.DeletedAt == nil {
		return errtypes.InvalidRequest("init_stopped_for_deletion: index lacks deleted-at")
	}
	snapshot := make(map[string]index.LayerMetadata, len(idx.Layers))
	for k, v := range idx.Layers {
		snapshot[k] = v
	}
	q.deletionSnapshot = snapshot
	q.deleteFlag = DeleteFlagSuccessful
	q.deleteFlagAt = *idx.DeletedAt
	q.state = stateStopped
	return nil
}

// ScheduleLayerUpload adds name to latest-files and enqueues an
// UploadLayer task.
func (q *Queue) ScheduleLayerUpload(ctx context.Context, name string, meta index.LayerMetadata, exec Executor) error {
	q.mu.Lock()
	if q.state != stateInitialized {
		q.mu.Unlock()
		return errtypes.QueueUninitialized("schedule_layer_upload")
	}
	q.latestFiles[name] = meta
	q.pendingFileChanges++
	task := &Task{ID: q.nextID(), Kind: OpUploadLayer, LayerName: name, LayerMeta: meta}
	q.queued = append(q.queued, task)
	metrics.BytesStarted.WithLabelValues(q.cfg.TimelineID).Add(float64(meta.FileSize))
	q.launchLocked(ctx, exec)
	q.mu.Unlock()
	return nil
}

// ScheduleIndexUploadForMetadata sets latest-metadata and enqueues an
// UploadMetadata task unconditionally.
func (q *Queue) ScheduleIndexUploadForMetadata(ctx context.Context, metadata []byte, diskConsistentLSN uint64, exec Executor) error {
	q.mu.Lock()
	if q.state != stateInitialized {
		q.mu.Unlock()
		return errtypes.QueueUninitialized("schedule_index_upload_for_metadata")
	}
	q.latestMetadata = metadata
	q.enqueueMetadataUploadLocked(diskConsistentLSN)
	q.pendingFileChanges = 0
	q.launchLocked(ctx, exec)
	q.mu.Unlock()
	return nil
}

// ScheduleIndexUploadForFileChanges enqueues an UploadMetadata task iff
// the pending file-change counter is nonzero; otherwise it is a no-op.
func (q *Queue) ScheduleIndexUploadForFileChanges(ctx context.Context, exec Executor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateInitialized {
		return errtypes.QueueUninitialized("schedule_index_upload_for_file_changes")
	}
	if q.pendingFileChanges == 0 {
		return nil
	}
	q.enqueueMetadataUploadLocked(q.lastUploadedConsistentLSN)
	q.pendingFileChanges = 0
	q.launchLocked(ctx, exec)
	return nil
}

func (q *Queue) enqueueMetadataUploadLocked(diskConsistentLSN uint64) {
	snapshot := make(map[string]index.LayerMetadata, len(q.latestFiles))
	for k, v := range q.latestFiles {
		snapshot[k] = v
	}
	task := &Task{
		ID:   q.nextID(),
		Kind: OpUploadMetadata,
		IndexSnapshot: &index.IndexPart{
			Layers:            snapshot,
			DiskConsistentLSN: diskConsistentLSN,
			Metadata:          q.latestMetadata,
		},
	}
	q.queued = append(q.queued, task)
}

// ScheduleLayerDeletion removes names from latest-files, enqueues an
// UploadMetadata task if that changed anything, then one Delete task
// per name. An empty names slice is a no-op.
func (q *Queue) ScheduleLayerDeletion(ctx context.Context, names []string, exec Executor) error {
	if len(names) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.state != stateInitialized {
		q.mu.Unlock()
		return errtypes.QueueUninitialized("schedule_layer_deletion")
	}
	changed := false
	for _, n := range names {
		if _, ok := q.latestFiles[n]; ok {
			delete(q.latestFiles, n)
			changed = true
		}
	}
	if changed {
		q.pendingFileChanges++
		q.enqueueMetadataUploadLocked(q.lastUploadedConsistentLSN)
		q.pendingFileChanges = 0
	}
	for _, n := range names {
		q.queued = append(q.queued, &Task{ID: q.nextID(), Kind: OpDelete, DeleteName: n})
	}
	q.launchLocked(ctx, exec)
	q.mu.Unlock()
	return nil
}

// WaitCompletion enqueues a Barrier and blocks until it fires, or until
// the queue is stopped, in which case it returns an aborted error.
func (q *Queue) WaitCompletion(ctx context.Context, exec Executor) error {
	q.mu.Lock()
	if q.state == stateUninitialized {
		q.mu.Unlock()
		return errtypes.QueueUninitialized("wait_completion")
	}
	done := make(chan error, 1)
	task := &Task{ID: q.nextID(), Kind: OpBarrier, barrierDone: done}
	q.queued = append(q.queued, task)
	q.launchLocked(ctx, exec)
	q.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop idempotently transitions the queue to Stopped, dropping any
// queued Barrier so its waiters observe "aborted".
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == stateUninitialized {
		return errtypes.QueueUninitialized("stop")
	}
	if q.state == stateStopped {
		return nil
	}
	q.shutdownCancel()
	for _, t := range q.queued {
		if t.Kind == OpBarrier {
			t.barrierDone <- errtypes.Aborted("queue stopped while barrier was queued")
		}
	}
	q.queued = nil

	snapshot := make(map[string]index.LayerMetadata, len(q.latestFiles))
	for k, v := range q.latestFiles {
		snapshot[k] = v
	}
	q.deletionSnapshot = snapshot
	q.state = stateStopped
	return nil
}

func (q *Queue) nextID() uint64 {
	id := q.nextTaskID
	q.nextTaskID++
	return id
}

// Snapshot reports the counters tested in §8: layer/metadata/deletion
// in-flight counts and the current queue length.
type Snapshot struct {
	NumInProgressLayerUploads    int
	NumInProgressMetadataUploads int
	NumInProgressDeletions      int
	InProgressTotal              int
	QueueLength                  int
}

// Observe returns a point-in-time Snapshot.
func (q *Queue) Observe() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		NumInProgressLayerUploads:    q.numInProgressLayerUploads,
		NumInProgressMetadataUploads: q.numInProgressMetadataUploads,
		NumInProgressDeletions:       q.numInProgressDeletions,
		InProgressTotal:              len(q.inProgress),
		QueueLength:                  len(q.queued),
	}
}

// LatestFileNames returns the names currently in latest-files.
func (q *Queue) LatestFileNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.latestFiles))
	for k := range q.latestFiles {
		names = append(names, k)
	}
	return names
}

// LatestFiles returns the current remote-file-set view: latest-files
// while Initialized, the preserved deletion snapshot while Stopped, and
// nil while Uninitialized.
func (q *Queue) LatestFiles() map[string]index.LayerMetadata {
	q.mu.Lock()
	defer q.mu.Unlock()
	var src map[string]index.LayerMetadata
	switch q.state {
	case stateInitialized:
		src = q.latestFiles
	case stateStopped:
		src = q.deletionSnapshot
	default:
		return nil
	}
	cp := make(map[string]index.LayerMetadata, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}

// LastUploadedConsistentLSN returns the disk-consistent LSN as of the
// last successfully completed index upload, or the value the queue was
// initialized with if none has completed yet (0 while Uninitialized).
func (q *Queue) LastUploadedConsistentLSN() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastUploadedConsistentLSN
}

// PendingFileChanges returns the number of latest-files mutations since
// the last index upload was enqueued.
func (q *Queue) PendingFileChanges() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingFileChanges
}

// IsStopped reports whether the queue has transitioned to Stopped.
func (q *Queue) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateStopped
}

// Executor performs one attempt of a task's remote operation and is
// supplied by the RemoteTimelineClient, which owns the RemoteStore. The
// queue's retry loop calls Run again after each failed attempt.
type Executor interface {
	Run(ctx context.Context, q *Queue, t *Task) error
}

// launchLocked must be called with q.mu held. It inspects the front of
// the queue and launches as many tasks as the ordering rules permit,
// never awaiting while the lock is held.
func (q *Queue) launchLocked(ctx context.Context, exec Executor) {
	for len(q.queued) > 0 {
		front := q.queued[0]

		switch front.Kind {
		case OpUploadLayer:
			// always launchable
		case OpUploadMetadata:
			if len(q.inProgress) > 0 {
				return
			}
		case OpDelete:
			if q.numInProgressLayerUploads > 0 || q.numInProgressMetadataUploads > 0 {
				return
			}
		case OpBarrier:
			if len(q.inProgress) > 0 {
				return
			}
			q.queued = q.queued[1:]
			close(front.barrierDone)
			continue
		}

		q.queued = q.queued[1:]
		q.inProgress[front.ID] = front
		switch front.Kind {
		case OpUploadLayer:
			q.numInProgressLayerUploads++
		case OpUploadMetadata:
			q.numInProgressMetadataUploads++
		case OpDelete:
			q.numInProgressDeletions++
		}

		go q.runTask(ctx, exec, front)
	}
}

// runTask executes one task's retry loop outside the queue lock, then
// re-acquires the lock to remove it from in-progress bookkeeping and
// give the scheduler another pass.
func (q *Queue) runTask(ctx context.Context, exec Executor, t *Task) {
	succeeded := q.retryUntilDone(ctx, exec, t)

	q.mu.Lock()
	delete(q.inProgress, t.ID)
	switch t.Kind {
	case OpUploadLayer:
		q.numInProgressLayerUploads--
		if succeeded {
			metrics.BytesFinished.WithLabelValues(q.cfg.TimelineID).Add(float64(t.LayerMeta.FileSize))
		}
	case OpUploadMetadata:
		q.numInProgressMetadataUploads--
		if succeeded {
			q.advanceLastUploadedConsistentLSNLocked(t.IndexSnapshot.DiskConsistentLSN)
			var size uint64
			for _, m := range t.IndexSnapshot.Layers {
				size += m.FileSize
			}
			metrics.RemotePhysicalSize.WithLabelValues(q.cfg.TimelineID).Set(float64(size))
		}
	case OpDelete:
		q.numInProgressDeletions--
	}
	q.updateInProgressGauges()
	q.launchLocked(ctx, exec)
	q.mu.Unlock()
}

func (q *Queue) updateInProgressGauges() {
	metrics.InProgressTasks.WithLabelValues(q.cfg.TimelineID, metrics.TaskLayerUpload).Set(float64(q.numInProgressLayerUploads))
	metrics.InProgressTasks.WithLabelValues(q.cfg.TimelineID, metrics.TaskIndexUpload).Set(float64(q.numInProgressMetadataUploads))
	metrics.InProgressTasks.WithLabelValues(q.cfg.TimelineID, metrics.TaskLayerDeletion).Set(float64(q.numInProgressDeletions))
}

// retryUntilDone retries exec.Run indefinitely with truncated
// exponential backoff, escalating the log level once the attempt count
// reaches the configured warn threshold, and bailing out early if the
// queue's shutdown context fires. It reports whether the task actually
// completed successfully, as opposed to being abandoned on shutdown.
func (q *Queue) retryUntilDone(ctx context.Context, exec Executor, t *Task) bool {
	b := backoff.NewExponentialBackOff()
	if q.cfg.BackoffBase > 0 {
		b.InitialInterval = q.cfg.BackoffBase
	}
	if q.cfg.BackoffCap > 0 {
		b.MaxInterval = q.cfg.BackoffCap
	}
	b.MaxElapsedTime = 0 // retry indefinitely

	attempt := 0
	for {
		attempt++
		err := exec.Run(ctx, q, t)
		if err == nil {
			return true
		}

		wait := b.NextBackOff()
		if attempt >= q.cfg.RetryWarnThreshold {
			logger.BuildWarn().Str("error", err.Error()).Int("attempt", attempt).Msg(ctx, "upload task failed, retrying")
		} else {
			logger.Build().Str("error", err.Error()).Int("attempt", attempt).Msg(ctx, "upload task failed, retrying")
		}

		select {
		case <-time.After(wait):
		case <-q.shutdownCtx.Done():
			_ = q.Stop()
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// advanceLastUploadedConsistentLSNLocked updates the last-uploaded LSN
// after a successful UploadMetadata completion, refusing to move it
// backwards: per §9, a decrease indicates a caller ordering bug rather
// than a condition to silently accept.
func (q *Queue) advanceLastUploadedConsistentLSNLocked(lsn uint64) {
	if lsn < q.lastUploadedConsistentLSN {
		logger.BuildWarn().Msg(context.Background(), "disk_consistent_lsn would decrease on index upload completion, ignoring")
		return
	}
	q.lastUploadedConsistentLSN = lsn
}

// PersistIndexWithDeletedFlag uploads the index with a deleted-at
// timestamp set, guarding against a concurrent or already-completed
// call via the Stopped-state delete-flag.
func (q *Queue) PersistIndexWithDeletedFlag(ctx context.Context, deletedAt time.Time) error {
	q.mu.Lock()
	if q.state != stateStopped {
		q.mu.Unlock()
		return errtypes.InvalidState("persist_index_with_deleted_flag: queue is not Stopped")
	}
	switch q.deleteFlag {
	case DeleteFlagInProgress:
		ts := q.deleteFlagAt
		q.mu.Unlock()
		return errtypes.AlreadyInProgress(ts)
	case DeleteFlagSuccessful:
		ts := q.deleteFlagAt
		q.mu.Unlock()
		return errtypes.AlreadyDeleted(ts)
	}
	q.deleteFlag = DeleteFlagInProgress
	q.deleteFlagAt = deletedAt
	snapshot := make(map[string]index.LayerMetadata, len(q.deletionSnapshot))
	for k, v := range q.deletionSnapshot {
		snapshot[k] = v
	}
	metadata := q.latestMetadata
	lsn := q.lastUploadedConsistentLSN
	q.mu.Unlock()

	part := &index.IndexPart{
		Layers:            snapshot,
		DiskConsistentLSN: lsn,
		Metadata:          metadata,
		DeletedAt:         &deletedAt,
	}
	data, err := index.Marshal(part)
	if err != nil {
		q.markDeleteFlagNotRunning()
		return errors.Wrap(err, "remote/queue: marshal index for delete-flag")
	}
	if err := q.store.Upload(ctx, q.cfg.IndexKey, data); err != nil {
		q.markDeleteFlagNotRunning()
		return errors.Wrap(err, "remote/queue: upload index with deleted-at")
	}

	q.mu.Lock()
	q.deleteFlag = DeleteFlagSuccessful
	q.mu.Unlock()
	return nil
}

func (q *Queue) markDeleteFlagNotRunning() {
	q.mu.Lock()
	q.deleteFlag = DeleteFlagNotRunning
	q.mu.Unlock()
}

// DeleteAll implements the delete-all algorithm: reschedule one Delete
// per preserved latest-files entry, await a Barrier, sweep the remote
// prefix for any remaining objects, then delete the index file last.
func (q *Queue) DeleteAll(ctx context.Context, exec Executor) error {
	q.mu.Lock()
	if q.state != stateStopped {
		q.mu.Unlock()
		return errtypes.InvalidState("delete_all: queue is not Stopped")
	}
	if q.deleteFlag != DeleteFlagSuccessful {
		q.mu.Unlock()
		return errtypes.InvalidState("delete_all: delete flag is not Successful")
	}

	for name := range q.deletionSnapshot {
		q.queued = append(q.queued, &Task{
			ID:                          q.nextID(),
			Kind:                        OpDelete,
			DeleteName:                  name,
			ScheduledFromTimelineDelete: true,
		})
	}
	done := make(chan error, 1)
	q.queued = append(q.queued, &Task{ID: q.nextID(), Kind: OpBarrier, barrierDone: done})
	q.launchLocked(ctx, exec)
	q.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	keys, err := q.store.ListPrefixes(ctx, q.cfg.Prefix)
	if err != nil {
		return errors.Wrap(err, "remote/queue: delete_all leak sweep list")
	}
	var leftover []string
	for _, k := range keys {
		if k == q.cfg.IndexKey {
			continue
		}
		leftover = append(leftover, k)
	}
	if len(leftover) > 0 {
		if err := q.store.DeleteObjects(ctx, leftover); err != nil {
			return errors.Wrap(err, "remote/queue: delete_all leak sweep delete")
		}
	}
	if err := q.store.Delete(ctx, q.cfg.IndexKey); err != nil {
		return errors.Wrap(err, "remote/queue: delete_all index delete")
	}
	return nil
}
