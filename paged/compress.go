package paged

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the page payload compression codec.
type Compression uint8

const (
	// CompressionNone stores payloads raw.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fastest).
	CompressionLZ4 Compression = 1
	// CompressionZstd uses zstd at the default level (better ratio).
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// CompressionByName maps the configuration names to codecs.
func CompressionByName(name string) (Compression, bool) {
	switch name {
	case "", "none":
		return CompressionNone, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZstd, true
	default:
		return 0, false
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressPayload applies the configured codec and returns the stored bytes
// together with the codec actually used. Compression failure and
// incompressible payloads are non-fatal: the raw bytes are stored with
// CompressionNone flagged in the record header.
func compressPayload(data []byte, c Compression) ([]byte, Compression) {
	if c == CompressionNone || len(data) == 0 {
		return data, CompressionNone
	}

	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil || n == 0 || n >= len(data) {
			return data, CompressionNone
		}
		return dst[:n], CompressionLZ4
	case CompressionZstd:
		enc := getZstdEncoder()
		dst := enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
		if len(dst) >= len(data) {
			return data, CompressionNone
		}
		return dst, CompressionZstd
	default:
		return data, CompressionNone
	}
}

// decompressPayload reverses compressPayload given the codec and the
// uncompressed length recorded in the header.
func decompressPayload(data []byte, c Compression, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("paged: lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("paged: lz4 decompress: got %d bytes, want %d", n, rawLen)
		}
		return dst, nil
	case CompressionZstd:
		dec := getZstdDecoder()
		dst, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("paged: zstd decompress: %w", err)
		}
		if len(dst) != rawLen {
			return nil, fmt.Errorf("paged: zstd decompress: got %d bytes, want %d", len(dst), rawLen)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("paged: unknown compression codec %d", c)
	}
}
