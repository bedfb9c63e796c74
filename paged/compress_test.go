package paged

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("statelog pages "), 300)

	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			stored, used := compressPayload(payload, codec)
			require.Equal(t, codec, used, "repetitive payload must compress")
			require.Less(t, len(stored), len(payload))

			back, err := decompressPayload(stored, used, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, back)
		})
	}
}

func TestCompressIncompressibleFallsBack(t *testing.T) {
	// High-entropy bytes via a cheap LCG; no codec should gain on them.
	payload := make([]byte, 4096)
	x := uint32(0x2545f491)
	for i := range payload {
		x = x*1664525 + 1013904223
		payload[i] = byte(x >> 24)
	}

	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		stored, used := compressPayload(payload, codec)
		assert.Equal(t, CompressionNone, used, "%s must fall back to raw", codec)
		assert.Equal(t, payload, stored)
	}
}

func TestDecompressRejectsWrongLength(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1000)
	stored, used := compressPayload(payload, CompressionZstd)
	require.Equal(t, CompressionZstd, used)

	_, err := decompressPayload(stored, used, len(payload)-1)
	assert.Error(t, err)
}

func TestCompressionByName(t *testing.T) {
	for name, want := range map[string]Compression{
		"":     CompressionNone,
		"none": CompressionNone,
		"lz4":  CompressionLZ4,
		"zstd": CompressionZstd,
	} {
		got, ok := CompressionByName(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
	_, ok := CompressionByName("snappy")
	assert.False(t, ok)
}
