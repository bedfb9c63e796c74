package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Binary entry codec.
//
// An encoded entry is fully self-contained: everything needed to rebuild the
// LogEntry (and its index row) can be decoded from the bytes alone. This is
// what makes the paged store's recovery scan possible — the index is only a
// cache of what the pages themselves say.
//
// Layout (little-endian):
//
//	ID            (8)
//	CreatedAt     (8)  UnixNano
//	Kind          (1)
//	FlattenOrder  (1)
//	NumDims       (2)  grid only, 0 for vectors
//	Dims...       (4 each)
//	VecLen        (4)
//	Vector        (VecLen*4) float32 bits
//	InputHash     (2+n)
//	OutputHash    (2+n)
//	NumMetrics    (2)
//	Metrics...    (2+key, 8 value bits) sorted by key

// maxEncodedDims bounds grid rank; anything larger is a decode error.
const maxEncodedDims = 16

// EncodeEntry serializes an entry to its canonical binary form.
// Metric keys are written in sorted order so the encoding is deterministic.
func EncodeEntry(e *LogEntry) ([]byte, error) {
	if e.Shape.Kind == KindGrid && len(e.Shape.Shape) == 0 {
		return nil, fmt.Errorf("model: grid entry %d has empty shape", e.ID)
	}
	if len(e.Shape.Shape) > maxEncodedDims {
		return nil, fmt.Errorf("model: entry %d has %d dims, max %d", e.ID, len(e.Shape.Shape), maxEncodedDims)
	}

	size := 8 + 8 + 1 + 1 + 2 + 4*len(e.Shape.Shape) + 4 + 4*len(e.Vector) +
		2 + len(e.Provenance.InputHash) + 2 + len(e.Provenance.OutputHash) + 2
	for k := range e.Metrics {
		size += 2 + len(k) + 8
	}

	b := newPayloadBuffer(make([]byte, 0, size))
	b.writeUint64(uint64(e.ID))
	b.writeUint64(uint64(e.CreatedAt.UnixNano()))
	b.writeUint8(uint8(e.Shape.Kind))
	b.writeUint8(uint8(e.Shape.FlattenOrder))

	b.writeUint16(uint16(len(e.Shape.Shape)))
	for _, d := range e.Shape.Shape {
		b.writeUint32(uint32(d))
	}

	b.writeUint32(uint32(len(e.Vector)))
	for _, v := range e.Vector {
		b.writeUint32(math.Float32bits(v))
	}

	b.writeBytes(e.Provenance.InputHash)
	b.writeBytes(e.Provenance.OutputHash)

	keys := make([]string, 0, len(e.Metrics))
	for k := range e.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.writeUint16(uint16(len(keys)))
	for _, k := range keys {
		b.writeString(k)
		b.writeUint64(math.Float64bits(e.Metrics[k]))
	}

	if b.err != nil {
		return nil, b.err
	}
	return b.buf, nil
}

// DecodeEntry rebuilds an entry from its canonical binary form.
// The returned entry has no storage reference; the caller attaches one.
func DecodeEntry(data []byte) (*LogEntry, error) {
	b := newPayloadBuffer(data)

	e := &LogEntry{}
	e.ID = EntryID(b.readUint64())
	e.CreatedAt = time.Unix(0, int64(b.readUint64()))
	e.Shape.Kind = ShapeKind(b.readUint8())
	e.Shape.FlattenOrder = Order(b.readUint8())

	numDims := int(b.readUint16())
	if numDims > maxEncodedDims {
		return nil, fmt.Errorf("model: entry has %d dims, max %d", numDims, maxEncodedDims)
	}
	if numDims > 0 {
		e.Shape.Shape = make([]int, numDims)
		for i := range e.Shape.Shape {
			e.Shape.Shape[i] = int(b.readUint32())
		}
	}

	vecLen := int(b.readUint32())
	if b.err == nil && vecLen*4 > b.remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	e.Vector = make([]float32, vecLen)
	for i := range e.Vector {
		e.Vector[i] = math.Float32frombits(b.readUint32())
	}

	e.Provenance.InputHash = b.readBytes()
	e.Provenance.OutputHash = b.readBytes()

	numMetrics := int(b.readUint16())
	if numMetrics > 0 {
		if b.err == nil && numMetrics*10 > b.remaining() {
			return nil, io.ErrUnexpectedEOF
		}
		e.Metrics = make(map[string]float64, numMetrics)
		for i := 0; i < numMetrics; i++ {
			k := b.readString()
			e.Metrics[k] = math.Float64frombits(b.readUint64())
		}
	}

	if b.err != nil {
		return nil, b.err
	}
	return e, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) remaining() int { return len(p.buf) - p.pos }

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint16(v uint16) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("model: string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	if len(b) > 65535 {
		p.err = fmt.Errorf("model: byte field too long: %d", len(b))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) readUint8() uint8 {
	if p.err != nil {
		return 0
	}
	if p.pos+1 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readUint16() uint16 {
	if p.err != nil {
		return 0
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	l := int(p.readUint16())
	if p.err != nil {
		return ""
	}
	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+l])
	p.pos += l
	return s
}

func (p *payloadBuffer) readBytes() []byte {
	if p.err != nil {
		return nil
	}
	l := int(p.readUint16())
	if p.err != nil {
		return nil
	}
	if l == 0 {
		return nil
	}
	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, l)
	copy(b, p.buf[p.pos:p.pos+l])
	p.pos += l
	return b
}
