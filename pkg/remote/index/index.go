// Package index defines the remote index file (IndexPart): the
// authoritative description of a timeline's remote state.
package index

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/pagestored/pageserver/pkg/crypto"
)

// IndexFileName is the constant object name for the index file within
// a timeline's remote prefix.
const IndexFileName = "index_part.json"

// LayerMetadata carries at minimum a layer file's byte size; callers
// may stash additional fields that round-trip verbatim.
type LayerMetadata struct {
	FileSize uint64            `json:"file_size"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// IndexPart is the authoritative description of remote state for one
// timeline.
type IndexPart struct {
	Layers            map[string]LayerMetadata `json:"layer_metadata"`
	DiskConsistentLSN uint64                   `json:"disk_consistent_lsn"`
	Metadata          []byte                   `json:"metadata"`
	DeletedAt         *time.Time               `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether this index has been tombstoned.
func (p *IndexPart) IsDeleted() bool { return p.DeletedAt != nil }

// envelope wraps an IndexPart with a checksum over its canonical JSON
// encoding, so a round trip (marshal, upload, download, unmarshal)
// can be verified to be bitwise-equal.
type envelope struct {
	Part     json.RawMessage `json:"part"`
	Checksum string          `json:"checksum"`
}

// Marshal serializes p into the stable on-disk index format: the
// canonical JSON encoding of p plus a sha256 checksum over that
// encoding.
func Marshal(p *IndexPart) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "remote/index: marshal")
	}
	sum, err := crypto.ComputeSHA256XS(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "remote/index: checksum")
	}
	env := envelope{Part: raw, Checksum: sum}
	return json.Marshal(env)
}

// Unmarshal parses data written by Marshal, verifying the embedded
// checksum before decoding the IndexPart.
func Unmarshal(data []byte) (*IndexPart, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "remote/index: unmarshal envelope")
	}

	sum, err := crypto.ComputeSHA256XS(bytes.NewReader(env.Part))
	if err != nil {
		return nil, errors.Wrap(err, "remote/index: checksum")
	}
	if sum != env.Checksum {
		return nil, errors.New("remote/index: checksum mismatch")
	}

	var p IndexPart
	if err := json.Unmarshal(env.Part, &p); err != nil {
		return nil, errors.Wrap(err, "remote/index: unmarshal index part")
	}
	return &p, nil
}
