package paged

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/statelog/internal/fs"
	"github.com/hupe1980/statelog/model"
)

// On-disk layout under the store root:
//
//	metadata/STORE        store descriptor (geometry + format version)
//	blocks/B-%06d.blk     one block per file, blockPages fixed-size pages
//	manifests/            index snapshots, CURRENT pointer, index journal
//
// Every entry occupies a contiguous run of pages inside one block. The first
// page of the run starts with a self-describing record header; checksums are
// inline in that header, so the index can always be rebuilt by scanning raw
// pages.

const (
	recordMagic   = uint32(0x534C5231) // "SLR1"
	recordVersion = uint8(1)

	// recordHeaderSize is the fixed header length at the start of an
	// entry's first page.
	recordHeaderSize = 44

	descriptorMagic   = uint32(0x534C4D31) // "SLM1"
	descriptorVersion = uint32(1)

	metadataDirName  = "metadata"
	blocksDirName    = "blocks"
	manifestsDirName = "manifests"

	descriptorFileName = "STORE"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errNoRecord marks a page that does not start a valid record. The recovery
// scan treats such pages as free space rather than failing.
var errNoRecord = errors.New("paged: page holds no record header")

// recordHeader is the self-describing header written at the start of an
// entry's first page.
//
// Layout (little-endian):
//
//	0:4   magic
//	4     version
//	5     compression codec
//	6:8   reserved
//	8:16  entry ID
//	16:24 created-at (UnixNano)
//	24:28 page count of the run
//	28:32 stored payload length
//	32:36 uncompressed payload length
//	36:40 CRC32C of the stored payload
//	40:44 CRC32C of header bytes 0:40
type recordHeader struct {
	entryID    model.EntryID
	createdAt  int64
	pageCount  uint32
	payloadLen uint32
	rawLen     uint32
	codec      Compression
	checksum   uint32
}

func (h recordHeader) encode() []byte {
	buf := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = byte(h.codec)
	// 6:8 reserved
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.entryID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.createdAt))
	binary.LittleEndian.PutUint32(buf[24:28], h.pageCount)
	binary.LittleEndian.PutUint32(buf[28:32], h.payloadLen)
	binary.LittleEndian.PutUint32(buf[32:36], h.rawLen)
	binary.LittleEndian.PutUint32(buf[36:40], h.checksum)
	binary.LittleEndian.PutUint32(buf[40:44], crc32.Checksum(buf[:40], crc32cTable))
	return buf
}

func decodeRecordHeader(b []byte) (recordHeader, error) {
	if len(b) < recordHeaderSize {
		return recordHeader{}, errNoRecord
	}
	if binary.LittleEndian.Uint32(b[0:4]) != recordMagic {
		return recordHeader{}, errNoRecord
	}
	if crc32.Checksum(b[:40], crc32cTable) != binary.LittleEndian.Uint32(b[40:44]) {
		return recordHeader{}, errNoRecord
	}
	if b[4] != recordVersion {
		return recordHeader{}, fmt.Errorf("paged: unsupported record version %d", b[4])
	}
	return recordHeader{
		codec:      Compression(b[5]),
		entryID:    model.EntryID(binary.LittleEndian.Uint64(b[8:16])),
		createdAt:  int64(binary.LittleEndian.Uint64(b[16:24])),
		pageCount:  binary.LittleEndian.Uint32(b[24:28]),
		payloadLen: binary.LittleEndian.Uint32(b[28:32]),
		rawLen:     binary.LittleEndian.Uint32(b[32:36]),
		checksum:   binary.LittleEndian.Uint32(b[36:40]),
	}, nil
}

// descriptor is the store-level geometry record. Geometry is fixed at store
// creation; reopening with different geometry is an error, not a silent
// reinterpretation of page offsets.
type descriptor struct {
	pageBytes  uint32
	blockPages uint32
}

func (d descriptor) encode() []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], d.pageBytes)
	binary.LittleEndian.PutUint32(payload[4:8], d.blockPages)

	buf := make([]byte, 16, 16+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], descriptorMagic)
	binary.LittleEndian.PutUint32(buf[4:8], descriptorVersion)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.Checksum(payload, crc32cTable))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	return append(buf, payload...)
}

func decodeDescriptor(b []byte) (descriptor, error) {
	if len(b) < 16 {
		return descriptor{}, io.ErrUnexpectedEOF
	}
	if binary.LittleEndian.Uint32(b[0:4]) != descriptorMagic {
		return descriptor{}, fmt.Errorf("paged: invalid descriptor magic")
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != descriptorVersion {
		return descriptor{}, fmt.Errorf("paged: unsupported descriptor version %d", v)
	}
	sum := binary.LittleEndian.Uint32(b[8:12])
	length := binary.LittleEndian.Uint32(b[12:16])
	if int(length)+16 > len(b) {
		return descriptor{}, io.ErrUnexpectedEOF
	}
	payload := b[16 : 16+length]
	if crc32.Checksum(payload, crc32cTable) != sum {
		return descriptor{}, fmt.Errorf("paged: descriptor checksum mismatch")
	}
	if length < 8 {
		return descriptor{}, io.ErrUnexpectedEOF
	}
	return descriptor{
		pageBytes:  binary.LittleEndian.Uint32(payload[0:4]),
		blockPages: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

func writeDescriptor(fsys fs.FileSystem, root string, d descriptor) error {
	dir := filepath.Join(root, metadataDirName)
	path := filepath.Join(dir, descriptorFileName)
	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(d.encode()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fsys.Rename(tmp, path)
}

func readDescriptor(fsys fs.FileSystem, root string) (descriptor, bool, error) {
	path := filepath.Join(root, metadataDirName, descriptorFileName)
	if _, err := fsys.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return descriptor{}, false, nil
		}
		return descriptor{}, false, err
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return descriptor{}, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return descriptor{}, false, err
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return descriptor{}, false, err
	}
	d, err := decodeDescriptor(buf)
	if err != nil {
		return descriptor{}, false, err
	}
	return d, true, nil
}
