package walredo

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pagestored/pageserver/pkg/errtypes"
	"github.com/pagestored/pageserver/pkg/walredo/native"
	"github.com/pagestored/pageserver/pkg/walredo/process"
	"github.com/pagestored/pageserver/pkg/walredo/protocol"
	"github.com/stretchr/testify/require"
)

// fakeChild is a tiny in-process stand-in for the real wal-redo
// worker (SPEC_FULL §A.4): it speaks the same begin/push/apply/get
// framing over an os.Pipe-backed pair of file descriptors instead of a
// real child process's stdio, so the coordinator's demux and restart
// logic can be exercised without spawning a binary.
type fakeChild struct {
	child *process.Child

	// killExternally simulates the wal-redo worker dying outside of
	// the coordinator's control: it closes the fake worker's own pipe
	// ends, so the coordinator's in-flight reads/writes against its
	// side of the pipes observe a closed/broken pipe, same as a real
	// process exit would.
	killExternally func()
}

// newFakeChild starts the fake worker goroutine. If gate is non-nil,
// the goroutine blocks on it immediately before writing each 'G'
// response, letting a test force a kill to land strictly between a
// request being sent and its response being read.
func newFakeChild(t *testing.T, gate <-chan struct{}) *fakeChild {
	t.Helper()
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	go runFakeChild(inR, outW, gate)

	return &fakeChild{
		child: process.NewFakeChild(inW, outR, nil),
		killExternally: func() {
			_ = inR.Close()
			_ = outW.Close()
		},
	}
}

// runFakeChild mimics the real worker's framing loop closely enough to
// exercise the coordinator: it tracks one PageSize page, zeroed on
// every 'B', overwritten on 'P', left alone by 'A' (this fake does not
// interpret record payloads, only the coordinator's own framing), and
// echoed back unframed on 'G'.
func runFakeChild(in io.Reader, out io.WriteCloser, gate <-chan struct{}) {
	defer out.Close()
	const bufferTagSize = 4 * 5

	page := make([]byte, protocol.PageSize)
	for {
		var tag [1]byte
		if _, err := io.ReadFull(in, tag[:]); err != nil {
			return
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, length-4)
		if _, err := io.ReadFull(in, payload); err != nil {
			return
		}

		switch tag[0] {
		case protocol.TagBeginRedoForBlock:
			page = make([]byte, protocol.PageSize)
		case protocol.TagPushPage:
			copy(page, payload[bufferTagSize:])
		case protocol.TagApplyRecord:
			// no-op: this fake does not replay record bytes.
		case protocol.TagGetPage:
			if gate != nil {
				<-gate
			}
			if _, err := out.Write(page); err != nil {
				return
			}
		}
	}
}

func TestRequestRedoNativeClogCommitted(t *testing.T) {
	m := NewManager(Config{})
	xid := uint32(12345)
	key := Key{
		NativeRelKey: native.RelationKey{
			SlruKind: "clog",
			Segno:    0,
			Blknum:   0,
		},
	}
	base := make([]byte, 8192)

	page, err := m.RequestRedo(context.Background(), key, base, []Record{
		{
			Flavor: FlavorNative,
			Native: NativeOp{
				Kind:      NativeClogSetCommitted,
				XIDs:      []uint32{xid},
				Timestamp: 1700000000,
			},
		},
	}, 14)
	require.NoError(t, err)
	require.Len(t, page, 8192+8)
}

func TestRequestRedoRejectsEmptyRecords(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.RequestRedo(context.Background(), Key{}, make([]byte, 8192), nil, 14)
	require.Error(t, err)
}

func TestRequestRedoNativeWrongKeyFails(t *testing.T) {
	m := NewManager(Config{})
	key := Key{
		NativeRelKey: native.RelationKey{
			SlruKind: "clog",
			Segno:    99,
			Blknum:   99,
		},
	}
	base := make([]byte, 8192)
	page, err := m.RequestRedo(context.Background(), key, base, []Record{
		{Flavor: FlavorNative, Native: NativeOp{Kind: NativeClogSetCommitted, XIDs: []uint32{12345}}},
	}, 14)
	require.Error(t, err)
	require.Equal(t, make([]byte, 8192), page)
}

func TestRequestRedoForeignWrongKeyReturnsZeroPage(t *testing.T) {
	fc := newFakeChild(t, nil)
	cfg := Config{RequestTimeout: 5 * time.Second}
	cfg.launch = func(ctx context.Context, pgVersion int) (*process.Child, error) {
		return fc.child, nil
	}
	m := NewManager(cfg)

	key := Key{Tag: protocol.BufferTag{BlockNum: 999}}
	page, err := m.RequestRedo(context.Background(), key, nil, []Record{
		{Flavor: FlavorForeign, EndLSN: 1, Foreign: []byte("record for a block this key doesn't match")},
		{Flavor: FlavorForeign, EndLSN: 2, Foreign: []byte("another record")},
	}, 14)
	require.NoError(t, err)
	require.Equal(t, make([]byte, protocol.PageSize), page)
}

func TestRequestRedoChildRestartRecoversAfterExternalKill(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	first := newFakeChild(t, gate)
	second := newFakeChild(t, nil)

	var launches int
	cfg := Config{RequestTimeout: 2 * time.Second}
	cfg.launch = func(ctx context.Context, pgVersion int) (*process.Child, error) {
		launches++
		if launches == 1 {
			return first.child, nil
		}
		return second.child, nil
	}
	m := NewManager(cfg)

	key := Key{Tag: protocol.BufferTag{BlockNum: 1}}
	base := make([]byte, protocol.PageSize)
	records := []Record{{Flavor: FlavorForeign, EndLSN: 1, Foreign: []byte("rec")}}

	// Send a request to the first child; its response is gated, so the
	// worker is guaranteed to still be "processing" it when killed.
	seq, err := m.sendForeignRun(context.Background(), key, base, records, 14)
	require.NoError(t, err)

	first.killExternally()

	_, err = m.awaitResponse(context.Background(), seq)
	require.Error(t, err)
	_, isBrokenPipe := err.(errtypes.IsBrokenPipe)
	require.True(t, isBrokenPipe, "expected a broken-pipe class error, got %v", err)

	// A subsequent call relaunches a fresh child and succeeds.
	page, err := m.RequestRedo(context.Background(), key, base, records, 14)
	require.NoError(t, err)
	require.Equal(t, base, page)
	require.Equal(t, 2, launches)
}

func TestRequestRedoForeignConcurrentRequestsGetOwnResponse(t *testing.T) {
	fc := newFakeChild(t, nil)
	var launches int
	cfg := Config{RequestTimeout: 5 * time.Second}
	cfg.launch = func(ctx context.Context, pgVersion int) (*process.Child, error) {
		launches++
		return fc.child, nil
	}
	m := NewManager(cfg)

	const nThreads = 8
	const nPerThread = 25

	var wg sync.WaitGroup
	for th := 0; th < nThreads; th++ {
		wg.Add(1)
		go func(th int) {
			defer wg.Done()
			for i := 0; i < nPerThread; i++ {
				key := Key{Tag: protocol.BufferTag{BlockNum: uint32(th*1000 + i)}}
				base := make([]byte, protocol.PageSize)
				base[0] = byte(th)
				base[1] = byte(i)
				records := []Record{{Flavor: FlavorForeign, EndLSN: uint64(i), Foreign: []byte("r")}}

				page, err := m.RequestRedo(context.Background(), key, base, records, 14)
				require.NoError(t, err)
				require.Equal(t, base, page, "thread %d request %d got another caller's response", th, i)
			}
		}(th)
	}
	wg.Wait()

	require.Equal(t, 1, launches, "expected a single child launch shared by all requesters")
}
