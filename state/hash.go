package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/minio/highwayhash"
	"github.com/spaolacci/murmur3"

	"github.com/hupe1980/statelog/model"
)

// Algorithm selects the digest used by ComputeHash.
type Algorithm uint8

const (
	// AlgCRC32C is CRC32-Castagnoli: a fast, hardware-accelerated checksum
	// for corruption detection. Not collision-resistant.
	AlgCRC32C Algorithm = iota
	// AlgMurmur3 is a fast 64-bit non-cryptographic content hash.
	AlgMurmur3
	// AlgHighway is HighwayHash-256: a keyed, strongly-mixing hash suitable
	// for content addressing and deduplication.
	AlgHighway
)

func (a Algorithm) String() string {
	switch a {
	case AlgCRC32C:
		return "crc32c"
	case AlgMurmur3:
		return "murmur3"
	case AlgHighway:
		return "highway256"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// AlgorithmByName maps the configuration names to algorithms.
func AlgorithmByName(name string) (Algorithm, bool) {
	switch name {
	case "crc32c":
		return AlgCRC32C, true
	case "murmur3":
		return AlgMurmur3, true
	case "highway256":
		return AlgHighway, true
	default:
		return 0, false
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// highwayKey is a fixed key: digests are content addresses, not MACs, so the
// key only has to be stable across processes.
var highwayKey = []byte("statelog.highwayhash.v1.32bytes!")

// ComputeHash returns the digest of a value's canonical byte form under the
// given algorithm. Same value and algorithm always yields the same digest.
func ComputeHash(v StateValue, algo Algorithm) ([]byte, error) {
	data := canonicalBytes(v)

	switch algo {
	case AlgCRC32C:
		var d [4]byte
		binary.LittleEndian.PutUint32(d[:], crc32.Checksum(data, crc32cTable))
		return d[:], nil
	case AlgMurmur3:
		var d [8]byte
		binary.LittleEndian.PutUint64(d[:], murmur3.Sum64(data))
		return d[:], nil
	case AlgHighway:
		h, err := highwayhash.New(highwayKey)
		if err != nil {
			return nil, fmt.Errorf("state: highwayhash init: %w", err)
		}
		if _, err := h.Write(data); err != nil {
			return nil, err
		}
		return h.Sum(nil), nil
	default:
		return nil, fmt.Errorf("state: unsupported hash algorithm %s", algo)
	}
}

// VerifyIntegrity reports whether the value's digest under the algorithm
// matches the expected digest.
func VerifyIntegrity(v StateValue, expected []byte, algo Algorithm) (bool, error) {
	actual, err := ComputeHash(v, algo)
	if err != nil {
		return false, err
	}
	return bytes.Equal(actual, expected), nil
}

// canonicalBytes serializes a value for hashing: a kind byte, the shape and
// order for grids, then the element bits in row-major order. Grids hash over
// their internal row-major layout so the digest is independent of the
// declared flatten order's wire permutation but still distinguishes
// row-major from column-major contracts via the order byte.
func canonicalBytes(v StateValue) []byte {
	switch val := v.(type) {
	case Vector:
		buf := make([]byte, 0, 1+4+4*len(val))
		buf = append(buf, byte(model.KindVector))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		for _, f := range val {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		return buf
	case *Grid:
		buf := make([]byte, 0, 2+4*len(val.shape)+4+4*len(val.data))
		buf = append(buf, byte(model.KindGrid), byte(val.order))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val.shape)))
		for _, d := range val.shape {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
		}
		for _, f := range val.data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		return buf
	default:
		return nil
	}
}
