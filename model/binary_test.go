package model

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *LogEntry {
	return &LogEntry{
		ID:     42,
		Vector: []float32{1.5, -2.25, 0, 3.125},
		Shape: ShapeTag{
			Kind:         KindGrid,
			Shape:        []int{2, 2},
			FlattenOrder: ColumnMajor,
		},
		Provenance: Provenance{
			InputHash:  []byte{0xde, 0xad},
			OutputHash: []byte{0xbe, 0xef, 0x01},
		},
		Metrics:   map[string]float64{"loss": 0.125, "epoch": 3},
		CreatedAt: time.Unix(0, 1700000000000000000),
	}
}

func TestEncodeDecodeEntry(t *testing.T) {
	e := sampleEntry()

	data, err := EncodeEntry(e)
	require.NoError(t, err)

	got, err := DecodeEntry(data)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Vector, got.Vector)
	assert.Equal(t, e.Shape, got.Shape)
	assert.Equal(t, e.Provenance, got.Provenance)
	assert.Equal(t, e.Metrics, got.Metrics)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

	_, ok := got.Ref()
	assert.False(t, ok, "decoded entries carry no storage reference")
}

func TestEncodeDeterministic(t *testing.T) {
	// Map iteration order must not leak into the encoding.
	e := sampleEntry()
	a, err := EncodeEntry(e)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := EncodeEntry(sampleEntry())
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestEncodeMinimalEntry(t *testing.T) {
	e := &LogEntry{
		ID:        1,
		Vector:    []float32{},
		Shape:     ShapeTag{Kind: KindVector},
		CreatedAt: time.Unix(0, 0),
	}
	data, err := EncodeEntry(e)
	require.NoError(t, err)

	got, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, EntryID(1), got.ID)
	assert.Empty(t, got.Vector)
	assert.Nil(t, got.Metrics)
	assert.Nil(t, got.Provenance.InputHash)
}

func TestEncodeRejectsEmptyGridShape(t *testing.T) {
	e := &LogEntry{ID: 1, Shape: ShapeTag{Kind: KindGrid}}
	_, err := EncodeEntry(e)
	assert.Error(t, err)
}

func TestEncodeRejectsExcessiveRank(t *testing.T) {
	e := &LogEntry{ID: 1, Shape: ShapeTag{Kind: KindGrid, Shape: make([]int, 17)}}
	_, err := EncodeEntry(e)
	assert.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	data, err := EncodeEntry(sampleEntry())
	require.NoError(t, err)

	for _, cut := range []int{0, 1, 8, 17, len(data) / 2, len(data) - 1} {
		_, err := DecodeEntry(data[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestDecodeBogusVectorLength(t *testing.T) {
	data, err := EncodeEntry(&LogEntry{ID: 1, Shape: ShapeTag{Kind: KindVector}, CreatedAt: time.Unix(0, 0)})
	require.NoError(t, err)

	// VecLen sits after ID(8)+CreatedAt(8)+Kind(1)+Order(1)+NumDims(2).
	data[20] = 0xff
	data[21] = 0xff
	data[22] = 0xff
	data[23] = 0x7f
	_, err = DecodeEntry(data)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSetRefFirstWriteWins(t *testing.T) {
	e := &LogEntry{ID: 1}
	require.True(t, e.SetRef(PageRange{First: 10, Count: 2}))
	require.False(t, e.SetRef(PageRange{First: 99, Count: 1}))

	r, ok := e.Ref()
	require.True(t, ok)
	assert.Equal(t, PageRange{First: 10, Count: 2}, r)
}

func TestPageRangeOverlaps(t *testing.T) {
	a := PageRange{First: 10, Count: 4} // [10, 14)
	assert.True(t, a.Overlaps(PageRange{First: 13, Count: 1}))
	assert.True(t, a.Overlaps(PageRange{First: 8, Count: 3}))
	assert.False(t, a.Overlaps(PageRange{First: 14, Count: 2}))
	assert.False(t, a.Overlaps(PageRange{First: 2, Count: 8}))
	assert.Equal(t, uint64(14), a.End())
}
