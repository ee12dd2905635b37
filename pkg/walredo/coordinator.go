// Package walredo implements the WAL Redo Coordinator: given a page
// key, an optional base image, and an ordered list of records, it
// reconstructs an 8 KiB page by replaying native records locally and
// foreign records through a supervised child process.
package walredo

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagestored/pageserver/pkg/errtypes"
	"github.com/pagestored/pageserver/pkg/log"
	"github.com/pagestored/pageserver/pkg/metrics"
	"github.com/pagestored/pageserver/pkg/walredo/native"
	"github.com/pagestored/pageserver/pkg/walredo/process"
	"github.com/pagestored/pageserver/pkg/walredo/protocol"
)

var logger = log.New("walredo")

// RecordFlavor distinguishes records replayed locally from records
// replayed by the child worker.
type RecordFlavor int

const (
	FlavorNative RecordFlavor = iota
	FlavorForeign
)

// NativeKind enumerates the closed set of native record variants.
type NativeKind int

const (
	NativeClearVisibilityMapFlags NativeKind = iota
	NativeClogSetCommitted
	NativeClogSetAborted
	NativeMultixactOffsetCreate
	NativeMultixactMembersCreate
)

// NativeOp is the discriminated payload of one native record, keyed by
// Kind; only the fields relevant to Kind are read.
type NativeOp struct {
	Kind NativeKind

	// NativeClearVisibilityMapFlags
	NewHeapBlkno *uint32
	OldHeapBlkno *uint32
	Flags        byte

	// NativeClogSetCommitted / NativeClogSetAborted
	XIDs      []uint32
	Timestamp int64

	// NativeMultixactOffsetCreate
	MultiID     uint32
	MultiOffset uint32

	// NativeMultixactMembersCreate
	Members []native.MultixactMember
}

// Record is one (lsn, record) pair in a redo batch.
type Record struct {
	EndLSN  uint64
	Flavor  RecordFlavor
	Foreign []byte
	Native  NativeOp
}

// Key identifies the page being reconstructed, both for the protocol's
// BufferTag and for the native replayer's key-match assertions.
type Key struct {
	Tag          protocol.BufferTag
	NativeRelKey native.RelationKey
}

// Config bounds a coordinator's behavior.
type Config struct {
	WalRedo        map[int]process.Paths
	RequestTimeout time.Duration

	// launch constructs a fresh child for the given postgres version.
	// NewManager defaults it to process.Launch against WalRedo; tests
	// in this package override it to substitute an in-process fake
	// worker for the real wal-redo binary.
	launch func(ctx context.Context, pgVersion int) (*process.Child, error)
}

// Manager is a per-tenant WAL Redo Coordinator. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	cfg Config

	// inputMu guards the child handle, the write side of stdin, and the
	// monotonic request counter. A request releases it before acquiring
	// outputMu to await its response; the only place both are held is
	// launchLocked, which takes outputMu under inputMu to reset the
	// response bookkeeping for a new child.
	inputMu   sync.Mutex
	child     *process.Child
	nRequests uint64

	// activeChild mirrors child for the output side, which must be able
	// to detect a relaunch without taking inputMu (that would invert the
	// inputMu -> outputMu lock order used elsewhere and risk deadlock).
	// Only launchLocked, killOnIOErrorLocked, and Close store to it, all
	// while holding inputMu.
	activeChild atomic.Pointer[process.Child]

	// outputMu guards the read side of stdout and the pending-responses
	// map.
	outputMu sync.Mutex
	nRead    uint64
	pending  map[uint64][]byte
}

// NewManager constructs a Manager; the child is not launched until
// LaunchProcess or the first foreign RequestRedo.
func NewManager(cfg Config) *Manager {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.launch == nil {
		cfg.launch = func(ctx context.Context, pgVersion int) (*process.Child, error) {
			paths, ok := cfg.WalRedo[pgVersion]
			if !ok {
				return nil, errtypes.InvalidRequest("no wal-redo paths configured for this postgres version")
			}
			return process.Launch(ctx, paths, pgVersion)
		}
	}
	return &Manager{cfg: cfg, pending: make(map[uint64][]byte)}
}

// LaunchProcess pre-warms the child for the given postgres version, as
// a distinct step from the lazy launch-on-first-foreign-request path.
func (m *Manager) LaunchProcess(ctx context.Context, pgVersion int) error {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	return m.launchLocked(ctx, pgVersion)
}

func (m *Manager) launchLocked(ctx context.Context, pgVersion int) error {
	if m.child != nil {
		m.child.Kill()
		m.child = nil
		m.activeChild.Store(nil)
	}
	child, err := m.cfg.launch(ctx, pgVersion)
	if err != nil {
		return err
	}
	m.child = child
	m.activeChild.Store(child)
	m.outputMu.Lock()
	m.nRead = m.nRequests
	m.pending = make(map[uint64][]byte)
	m.outputMu.Unlock()
	return nil
}

// RequestRedo reconstructs a page given an optional base image and an
// ordered list of records. Mixed-flavor batches are split into maximal
// runs of one flavor, applied in order; the output of each run feeds
// the next.
func (m *Manager) RequestRedo(ctx context.Context, key Key, baseImg []byte, records []Record, pgVersion int) ([]byte, error) {
	if len(records) == 0 {
		return nil, errtypes.InvalidRequest("redo request has no records")
	}

	page := baseImg

	i := 0
	for i < len(records) {
		j := i + 1
		for j < len(records) && records[j].Flavor == records[i].Flavor {
			j++
		}
		run := records[i:j]

		var err error
		var flavorName string
		start := time.Now()
		switch run[0].Flavor {
		case FlavorNative:
			page, err = m.applyNativeRun(key, page, run)
			flavorName = metrics.RedoFlavorNative
		case FlavorForeign:
			page, err = m.applyForeignRun(ctx, key, page, run, pgVersion)
			flavorName = metrics.RedoFlavorForeign
		}
		metrics.WalRedoInvocations.WithLabelValues(flavorName).Inc()
		metrics.WalRedoDuration.WithLabelValues(flavorName).Observe(time.Since(start).Seconds())
		if err != nil {
			return zeroPage(), err
		}

		i = j
	}

	return page, nil
}

func zeroPage() []byte {
	return make([]byte, protocol.PageSize)
}

func (m *Manager) applyNativeRun(key Key, page []byte, run []Record) ([]byte, error) {
	if page == nil {
		return nil, errtypes.InvalidRequest("native replay requires a base image")
	}
	buf := append([]byte(nil), page...)

	for _, rec := range run {
		op := rec.Native
		var err error
		switch op.Kind {
		case NativeClearVisibilityMapFlags:
			err = native.ClearVisibilityMapFlags(buf, key.NativeRelKey, op.NewHeapBlkno, op.OldHeapBlkno, op.Flags)
		case NativeClogSetCommitted:
			buf, err = native.ClogSetCommitted(buf, key.NativeRelKey, op.XIDs, op.Timestamp)
		case NativeClogSetAborted:
			err = native.ClogSetAborted(buf, key.NativeRelKey, op.XIDs)
		case NativeMultixactOffsetCreate:
			err = native.MultixactOffsetCreate(buf, key.NativeRelKey, op.MultiID, op.MultiOffset)
		case NativeMultixactMembersCreate:
			err = native.MultixactMembersCreate(buf, key.NativeRelKey, op.MultiOffset, op.Members)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (m *Manager) applyForeignRun(ctx context.Context, key Key, page []byte, run []Record, pgVersion int) ([]byte, error) {
	seq, err := m.sendForeignRun(ctx, key, page, run, pgVersion)
	if err != nil {
		return nil, err
	}
	return m.awaitResponse(ctx, seq)
}

// sendForeignRun writes the begin/push/apply/get sequence for one
// foreign run under the input mutex and returns the sequence number
// assigned to the pending GetPage response.
func (m *Manager) sendForeignRun(ctx context.Context, key Key, page []byte, run []Record, pgVersion int) (uint64, error) {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()

	if m.child == nil {
		if err := m.launchLocked(ctx, pgVersion); err != nil {
			return 0, err
		}
	}

	var out []byte
	out = append(out, protocol.EncodeBeginRedoForBlock(key.Tag)...)
	if page != nil {
		pushMsg, err := protocol.EncodePushPage(key.Tag, page)
		if err != nil {
			return 0, err
		}
		out = append(out, pushMsg...)
	}
	for _, rec := range run {
		out = append(out, protocol.EncodeApplyRecord(rec.EndLSN, rec.Foreign)...)
	}
	out = append(out, protocol.EncodeGetPage(key.Tag)...)

	if _, err := m.child.Stdin.Write(out); err != nil {
		m.killOnIOErrorLocked()
		return 0, errtypes.BrokenPipe(err.Error())
	}

	seq := m.nRequests
	m.nRequests++
	return seq, nil
}

// killOnIOErrorLocked kills the child and clears the handle so the
// next sendForeignRun relaunches a fresh worker (the next request
// triggers a relaunch, matching apply_wal_records's
// self.stdin.lock().unwrap().take() on any I/O error). Kill closes the
// dead child's pipes (a fake child's directly, a real child's when it
// is reaped), so an in-flight response reader racing this reset either
// observes an fd mismatch via activeChild or gets a read error on the
// closed stdout; both are returned as a broken-pipe error.
// Must be called with inputMu held.
func (m *Manager) killOnIOErrorLocked() {
	if m.child != nil {
		m.child.Kill()
		m.child = nil
		m.activeChild.Store(nil)
	}
}

// killOnIOError is killOnIOErrorLocked for callers on the output side,
// which hold outputMu rather than inputMu; it must be called only
// after outputMu has been released, to keep the lock order at
// inputMu -> outputMu and never the reverse. child is the handle the
// caller observed failing; the reset is skipped if a relaunch already
// happened concurrently.
func (m *Manager) killOnIOError(child *process.Child) {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	if m.child == child {
		m.killOnIOErrorLocked()
	}
}

// awaitResponse drains stdout up to and including this caller's
// sequence number, stashing any responses read ahead of it in pending
// for their own callers to collect, regardless of claim order.
func (m *Manager) awaitResponse(ctx context.Context, seq uint64) ([]byte, error) {
	m.outputMu.Lock()

	child := m.activeChild.Load()
	if child == nil {
		m.outputMu.Unlock()
		return nil, errtypes.BrokenPipe("no wal-redo child running")
	}
	expectedFd := child.StdoutFd

	for m.nRead <= seq {
		resp, err := m.readOneResponse(ctx, expectedFd)
		if err != nil {
			m.outputMu.Unlock()
			m.killOnIOError(child)
			return nil, err
		}
		m.pending[m.nRead] = resp
		m.nRead++
	}

	resp, ok := m.pending[seq]
	if !ok {
		m.outputMu.Unlock()
		return nil, errtypes.BrokenPipe("response slot missing")
	}
	delete(m.pending, seq)

	m.outputMu.Unlock()
	return resp, nil
}

// readOneResponse reads one PageSize response off stdout, first
// checking that the child hasn't been relaunched since the request
// that expects this response was sent: activeChild is read lock-free
// since readOneResponse runs under outputMu, not inputMu.
func (m *Manager) readOneResponse(ctx context.Context, expectedFd uintptr) ([]byte, error) {
	current := m.activeChild.Load()
	if current == nil || current.StdoutFd != expectedFd {
		return nil, errtypes.BrokenPipe("wal-redo child restarted; response lost")
	}

	deadline := time.Now().Add(m.cfg.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = current.Stdout.SetReadDeadline(deadline)

	buf := make([]byte, protocol.PageSize)
	if _, err := io.ReadFull(current.Stdout, buf); err != nil {
		if isTimeout(err) {
			return nil, errtypes.Timeout("wal-redo response timed out")
		}
		return nil, errtypes.BrokenPipe(err.Error())
	}
	return buf, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// Close kills any running child.
func (m *Manager) Close() {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	if m.child != nil {
		m.child.Kill()
		m.child = nil
		m.activeChild.Store(nil)
	}
}
