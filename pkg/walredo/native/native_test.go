package native

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClogSetCommittedMarksBitAndAppendsTimestamp(t *testing.T) {
	page := make([]byte, BlockSize)
	xid := uint32(12345)
	key := RelationKey{
		SlruKind: "clog",
		Segno:    (xid / clogXactsPerPage) / slruPagesPerSegment,
		Blknum:   (xid / clogXactsPerPage) % slruPagesPerSegment,
	}

	const ts = int64(1700000000)
	out, err := ClogSetCommitted(page, key, []uint32{xid}, ts)
	require.NoError(t, err)
	require.Len(t, out, BlockSize+8)

	byteno := (xid % clogXactsPerPage) / clogXactsPerByte
	bshift := (xid % clogXactsPerByte) * clogBitsPerXact
	status := (out[byteno] >> bshift) & 0x03
	require.Equal(t, byte(TransactionStatusCommitted), status)

	gotTS := int64(binary.BigEndian.Uint64(out[BlockSize:]))
	require.Equal(t, ts, gotTS)
}

func TestClogSetCommittedRejectsWrongKey(t *testing.T) {
	page := make([]byte, BlockSize)
	key := RelationKey{SlruKind: "clog", Segno: 99, Blknum: 99}
	_, err := ClogSetCommitted(page, key, []uint32{12345}, 0)
	require.Error(t, err)
}

func TestClogSetAbortedMarksBit(t *testing.T) {
	page := make([]byte, BlockSize)
	xid := uint32(7)
	key := RelationKey{
		SlruKind: "clog",
		Segno:    (xid / clogXactsPerPage) / slruPagesPerSegment,
		Blknum:   (xid / clogXactsPerPage) % slruPagesPerSegment,
	}
	err := ClogSetAborted(page, key, []uint32{xid})
	require.NoError(t, err)

	byteno := (xid % clogXactsPerPage) / clogXactsPerByte
	bshift := (xid % clogXactsPerByte) * clogBitsPerXact
	status := (page[byteno] >> bshift) & 0x03
	require.Equal(t, byte(TransactionStatusAborted), status)
}

func TestMultixactOffsetAndMembersRoundTrip(t *testing.T) {
	offsetsPage := make([]byte, BlockSize)
	mid := uint32(3)
	offKey := RelationKey{SlruKind: "multixact_offsets"}
	require.NoError(t, MultixactOffsetCreate(offsetsPage, offKey, mid, 10))
	got := binary.LittleEndian.Uint32(offsetsPage[mid*4 : mid*4+4])
	require.Equal(t, uint32(10), got)

	membersPage := make([]byte, BlockSize)
	memKey := RelationKey{SlruKind: "multixact_members"}
	members := []MultixactMember{{Status: 1, XID: 42}, {Status: 2, XID: 43}}
	require.NoError(t, MultixactMembersCreate(membersPage, memKey, 10, members))
}
