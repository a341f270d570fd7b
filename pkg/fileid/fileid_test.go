package fileid

import (
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPlainFile(t *testing.T) {
	id := New(1, 0xAB, 0xCD, "storage01", 4096, ".jpg", nil)
	name := id.Name()

	got, err := Parse(name)
	require.NoError(t, err)
	assert.Equal(t, id.PathIndex, got.PathIndex)
	assert.Equal(t, id.SubHigh, got.SubHigh)
	assert.Equal(t, id.SubLow, got.SubLow)
	assert.Equal(t, "storage01", got.SourceStorageID)
	assert.Equal(t, id.Timestamp, got.Timestamp)
	assert.Equal(t, id.FileSize, got.FileSize)
	assert.Equal(t, id.Disambiguator, got.Disambiguator)
	assert.Equal(t, "jpg", got.Ext)
	assert.False(t, got.IsTrunk())
}

func TestRoundTripTrunkBackedFile(t *testing.T) {
	trunk := &ftype.TrunkFullInfo{PathIndex: 0, SubPathHigh: 1, SubPathLow: 2, TrunkFileID: 42, Offset: 1024, Size: 256}
	id := New(0, 0x01, 0x02, "storage02", 256, "bin", trunk)
	name := id.Name()

	got, err := Parse(name)
	require.NoError(t, err)
	require.True(t, got.IsTrunk())
	assert.Equal(t, "storage02", got.SourceStorageID)
	assert.Equal(t, 42, got.Trunk.TrunkFileID)
	assert.Equal(t, int64(1024), got.Trunk.Offset)
	assert.Equal(t, int64(256), got.Trunk.Size)
	assert.Equal(t, "bin", got.Ext)
}

func TestParseMalformedName(t *testing.T) {
	_, err := Parse("not-a-valid-name")
	assert.ErrorIs(t, err, ferr.Protocol)
}

func TestParseRejectsTruncatedPayload(t *testing.T) {
	_, err := Parse("M00/00/00/short")
	assert.ErrorIs(t, err, ferr.Protocol)
}

func TestNewGeneratesDistinctDisambiguators(t *testing.T) {
	a := New(0, 0, 0, "storage01", 1, "txt", nil)
	b := New(0, 0, 0, "storage01", 1, "txt", nil)
	assert.NotEqual(t, a.Disambiguator, b.Disambiguator)
}
