// Package protocol encodes and decodes the byte-oriented wire protocol
// spoken with the wal-redo child process.
//
// Every message starts with a one-byte tag followed by a little-endian
// u32 length. The length includes itself (4 bytes) but not the tag byte.
// The response to a 'G' (get page) message is exactly 8192 bytes on
// stdout with no framing at all.
package protocol

import (
	"encoding/binary"

	"github.com/pagestored/pageserver/pkg/errtypes"
)

// PageSize is the fixed size of a postgres page, and of the unframed
// response to a GetPage message.
const PageSize = 8192

// Message tags.
const (
	TagBeginRedoForBlock byte = 'B'
	TagPushPage          byte = 'P'
	TagApplyRecord       byte = 'A'
	TagGetPage           byte = 'G'
)

// BufferTag identifies a single page: a relation tag plus a block
// number. It serializes as the relation tag's four fields followed by
// the block number, all little-endian 32-bit words.
type BufferTag struct {
	SpcNode  uint32
	DbNode   uint32
	RelNode  uint32
	ForkNum  uint32
	BlockNum uint32
}

func (t BufferTag) appendTo(buf []byte) []byte {
	var tmp [4]byte
	for _, v := range []uint32{t.SpcNode, t.DbNode, t.RelNode, t.ForkNum, t.BlockNum} {
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// bufferTagSize is the wire size of a BufferTag: four relation fields
// plus the block number.
const bufferTagSize = 4 * 5

// EncodeBeginRedoForBlock builds a 'B' message requesting the child
// begin a redo sequence for the given block.
func EncodeBeginRedoForBlock(tag BufferTag) []byte {
	length := 4 + bufferTagSize
	buf := make([]byte, 0, 1+length)
	buf = append(buf, TagBeginRedoForBlock)
	buf = appendU32(buf, uint32(length))
	buf = tag.appendTo(buf)
	return buf
}

// EncodePushPage builds a 'P' message pushing a base image for the
// current block. baseImg must be exactly PageSize bytes.
func EncodePushPage(tag BufferTag, baseImg []byte) ([]byte, error) {
	if len(baseImg) != PageSize {
		return nil, errtypes.InvalidRequest("push_page: base image must be 8192 bytes")
	}
	length := 4 + bufferTagSize + len(baseImg)
	buf := make([]byte, 0, 1+length)
	buf = append(buf, TagPushPage)
	buf = appendU32(buf, uint32(length))
	buf = tag.appendTo(buf)
	buf = append(buf, baseImg...)
	return buf, nil
}

// EncodeApplyRecord builds an 'A' message applying one WAL record,
// tagged with the LSN at which the record ends.
func EncodeApplyRecord(endLSN uint64, rec []byte) []byte {
	length := 4 + 8 + len(rec)
	buf := make([]byte, 0, 1+length)
	buf = append(buf, TagApplyRecord)
	buf = appendU32(buf, uint32(length))
	buf = appendU64(buf, endLSN)
	buf = append(buf, rec...)
	return buf
}

// EncodeGetPage builds a 'G' message requesting the reconstructed page
// for the current block. The reply is PageSize raw bytes, unframed.
func EncodeGetPage(tag BufferTag) []byte {
	length := 4 + bufferTagSize
	buf := make([]byte, 0, 1+length)
	buf = append(buf, TagGetPage)
	buf = appendU32(buf, uint32(length))
	buf = tag.appendTo(buf)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
