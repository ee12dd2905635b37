package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	deletedAt := time.Unix(1700000000, 0).UTC()
	p := &IndexPart{
		Layers: map[string]LayerMetadata{
			"000000000000000000000000000000000000-FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF": {FileSize: 1234},
		},
		DiskConsistentLSN: 0x20,
		Metadata:          []byte("serialized-timeline-metadata"),
		DeletedAt:         &deletedAt,
	}

	data, err := Marshal(p)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	require.Equal(t, p.Layers, got.Layers)
	require.Equal(t, p.DiskConsistentLSN, got.DiskConsistentLSN)
	require.Equal(t, p.Metadata, got.Metadata)
	require.True(t, got.IsDeleted())
	require.Equal(t, p.DeletedAt.Unix(), got.DeletedAt.Unix())
}

func TestUnmarshalRejectsTamperedChecksum(t *testing.T) {
	p := &IndexPart{DiskConsistentLSN: 1}
	data, err := Marshal(p)
	require.NoError(t, err)

	// Flip the last hex digit of the checksum, leaving the JSON well-formed.
	data[len(data)-3] ^= 0xFF

	_, err = Unmarshal(data)
	require.Error(t, err)
}
