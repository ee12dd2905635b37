// Package native replays the closed set of WAL record variants that do
// not require the out-of-process wal-redo worker: visibility-map flag
// clears, CLOG commit/abort status writes, and multixact offset/member
// creation. Each replayer mutates an 8 KiB page in place.
package native

import (
	"encoding/binary"

	"github.com/pagestored/pageserver/pkg/errtypes"
)

// BlockSize is the fixed postgres page size.
const BlockSize = 8192

// Postgres CLOG (pg_xact) layout constants.
const (
	clogBitsPerXact  = 2
	clogXactsPerByte = 8 / clogBitsPerXact
	clogXactsPerPage = BlockSize * clogXactsPerByte

	TransactionStatusInProgress = 0x00
	TransactionStatusCommitted  = 0x01
	TransactionStatusAborted    = 0x02
)

// Postgres multixact layout constants.
const (
	multixactOffsetsPerPage = BlockSize / 4
	multixactMembersPerPage = (BlockSize / mxactMemGroupSize) * mxactMembersPerMemGroup // one flags word shared by 3 members

	mxactMemberBitsPerXact  = 3
	mxactMembersPerMemGroup = 3
	mxactMemGroupSize       = 4 + mxactMembersPerMemGroup*4 // flags word + N xid words
)

// visibility-map layout: the map occupies the page after a maxaligned
// page header.
const maxAlignedPageHeaderSize = 24

// heapBlocksPerByte is 4 map entries (2 bits each) per map byte.
const heapBlocksPerByte = 4

// RelationKey identifies which (segment, block) a native record is
// expected to touch, derived from the request's page key.
type RelationKey struct {
	// SlruKind is one of "clog", "multixact_offsets", "multixact_members",
	// or "" for ordinary relation blocks (visibility map).
	SlruKind string
	Segno    uint32
	Blknum   uint32
	// ForkNum identifies the relation fork for non-SLRU keys (the
	// visibility map fork, for ClearVisibilityMapFlags).
	ForkNum uint32
}

// ClearVisibilityMapFlags clears bits in a visibility-map page for the
// given heap block(s). Either heapBlkno may be absent (nil).
func ClearVisibilityMapFlags(page []byte, key RelationKey, newHeapBlkno, oldHeapBlkno *uint32, flags byte) error {
	const visibilityMapForkNum = 2
	if key.ForkNum != visibilityMapForkNum {
		return errtypes.InvalidRecord("ClearVisibilityMapFlags record on unexpected rel fork")
	}
	for _, hb := range []*uint32{newHeapBlkno, oldHeapBlkno} {
		if hb == nil {
			continue
		}
		heapblk := *hb
		heapblocksPerPage := uint32((BlockSize - maxAlignedPageHeaderSize) * heapBlocksPerByte)
		mapBlock := heapblk / heapblocksPerPage
		mapByte := (heapblk % heapblocksPerPage) / heapBlocksPerByte
		mapOffset := (heapblk % heapBlocksPerByte) * 2

		if mapBlock != key.Blknum {
			return errtypes.InvalidRecord("ClearVisibilityMapFlags record targets unexpected VM block")
		}
		idx := maxAlignedPageHeaderSize + int(mapByte)
		if idx >= len(page) {
			return errtypes.InvalidRecord("ClearVisibilityMapFlags record targets out-of-range VM byte")
		}
		page[idx] &^= flags << mapOffset
	}
	return nil
}

// transactionIDSetStatus mutates a CLOG page to record xid's new status.
func transactionIDSetStatus(xid uint32, status byte, page []byte) {
	byteno := (xid % clogXactsPerPage) / clogXactsPerByte
	bshift := (xid % clogXactsPerByte) * clogBitsPerXact

	byteval := page[byteno]
	byteval &^= byte(((1 << clogBitsPerXact) - 1) << bshift)
	byteval |= status << bshift
	page[byteno] = byteval
}

// ClogSetCommitted marks xids committed in a CLOG page, optionally
// appending a big-endian commit timestamp as the trailing 8 bytes.
func ClogSetCommitted(page []byte, key RelationKey, xids []uint32, timestamp int64) ([]byte, error) {
	if err := checkSlruKey(key, "clog"); err != nil {
		return page, err
	}
	for _, xid := range xids {
		if err := checkClogBlock(key, xid); err != nil {
			return page, err
		}
		transactionIDSetStatus(xid, TransactionStatusCommitted, page)
	}

	if len(page) == BlockSize+8 {
		page = page[:BlockSize]
	}
	if len(page) == BlockSize {
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
		page = append(page, tsBuf[:]...)
	}
	return page, nil
}

// ClogSetAborted marks xids aborted in a CLOG page.
func ClogSetAborted(page []byte, key RelationKey, xids []uint32) error {
	if err := checkSlruKey(key, "clog"); err != nil {
		return err
	}
	for _, xid := range xids {
		if err := checkClogBlock(key, xid); err != nil {
			return err
		}
		transactionIDSetStatus(xid, TransactionStatusAborted, page)
	}
	return nil
}

func checkClogBlock(key RelationKey, xid uint32) error {
	pageno := xid / clogXactsPerPage
	expectedSegno := pageno / slruPagesPerSegment
	expectedBlknum := pageno % slruPagesPerSegment
	if key.Segno != expectedSegno || key.Blknum != expectedBlknum {
		return errtypes.InvalidRecord("ClogSetCommitted/Aborted record with unexpected key")
	}
	return nil
}

const slruPagesPerSegment = 32

func checkSlruKey(key RelationKey, kind string) error {
	if key.SlruKind != kind {
		return errtypes.InvalidRecord("record with unexpected SLRU kind")
	}
	return nil
}

// MultixactOffsetCreate writes the member-array offset for multixact id
// mid into a multixact-offsets page.
func MultixactOffsetCreate(page []byte, key RelationKey, mid, moff uint32) error {
	if err := checkSlruKey(key, "multixact_offsets"); err != nil {
		return err
	}
	pageno := mid / multixactOffsetsPerPage
	entryno := mid % multixactOffsetsPerPage
	offset := entryno * 4

	expectedSegno := pageno / slruPagesPerSegment
	expectedBlknum := pageno % slruPagesPerSegment
	if key.Segno != expectedSegno || key.Blknum != expectedBlknum {
		return errtypes.InvalidRecord("MultixactOffsetCreate record with unexpected key")
	}

	binary.LittleEndian.PutUint32(page[offset:offset+4], moff)
	return nil
}

// MultixactMember is one (xid, status) pair stored in a multixact
// members page.
type MultixactMember struct {
	Status uint32
	XID    uint32
}

// MultixactMembersCreate writes a run of multixact members starting at
// moff into a multixact-members page.
func MultixactMembersCreate(page []byte, key RelationKey, moff uint32, members []MultixactMember) error {
	if err := checkSlruKey(key, "multixact_members"); err != nil {
		return err
	}
	for i, member := range members {
		offset := moff + uint32(i)

		pageno := offset / multixactMembersPerPage
		memberOffset, flagsOffset, bshift := mxOffsetLayout(offset)

		expectedSegno := pageno / slruPagesPerSegment
		expectedBlknum := pageno % slruPagesPerSegment
		if key.Segno != expectedSegno || key.Blknum != expectedBlknum {
			return errtypes.InvalidRecord("MultixactMembersCreate record with unexpected key")
		}

		flagsval := binary.LittleEndian.Uint32(page[flagsOffset : flagsOffset+4])
		flagsval &^= ((1 << mxactMemberBitsPerXact) - 1) << bshift
		flagsval |= member.Status << bshift
		binary.LittleEndian.PutUint32(page[flagsOffset:flagsOffset+4], flagsval)
		binary.LittleEndian.PutUint32(page[memberOffset:memberOffset+4], member.XID)
	}
	return nil
}

// mxOffsetLayout computes the byte offsets of a member's xid word and
// its shared flags word, plus the bit shift for this member's status
// within the flags word.
func mxOffsetLayout(offset uint32) (memberOffset, flagsOffset int, bshift uint32) {
	groupNo := (offset / mxactMembersPerMemGroup) % (BlockSize / mxactMemGroupSize)
	groupOffset := offset % mxactMembersPerMemGroup
	base := int(groupNo) * mxactMemGroupSize
	flagsOffset = base
	memberOffset = base + 4 + int(groupOffset)*4
	bshift = groupOffset * mxactMemberBitsPerXact
	return
}
