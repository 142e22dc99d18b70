package geometry

import (
	"bytes"
	"encoding/binary"
	"io"
)

// LogRecordMagic identifies a basic block that begins a log record.
const LogRecordMagic = 0xFEEDBABE

// RecordHeader is the fixed header that precedes every log record's
// data blocks. Every field is big-endian, matching §6 of the
// specification this package implements. CycleData holds one word per
// data BB in the record, used to unpack the BB's first word after the
// writer stamped it with a cycle number.
type RecordHeader struct {
	Magic      uint32
	Cycle      uint32
	Version    uint16
	Len        uint32
	LSN        LSN
	TailLSN    LSN
	Chksum     uint32
	PrevBlock  uint32
	NumLogOps  uint32
	UUID       UUID
	CycleData  []uint32
}

// recordHeaderFixedSize is the byte size of RecordHeader's fixed fields,
// from Magic through UUID, which precede the CycleData table.
const recordHeaderFixedSize = 4 + 4 + 2 + 4 + 8 + 8 + 4 + 4 + 4 + 16

// DecodeRecordHeader reads a RecordHeader from the first bytes of a BB.
// nbbs is the number of data BBs that follow the header and bounds how
// many CycleData words are present.
func DecodeRecordHeader(buf []byte, nbbs uint32) (*RecordHeader, error) {
	if len(buf) < recordHeaderFixedSize {
		return nil, ErrShortBuffer
	}
	r := bytes.NewReader(buf)
	h := &RecordHeader{}

	if err := binary.Read(r, Order, &h.Magic); err != nil {
		return nil, err
	}
	if h.Magic != LogRecordMagic {
		return nil, ErrBadMagic
	}
	if err := binary.Read(r, Order, &h.Cycle); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.Len); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.LSN); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.TailLSN); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.Chksum); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.PrevBlock); err != nil {
		return nil, err
	}
	if err := binary.Read(r, Order, &h.NumLogOps); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.UUID[:]); err != nil {
		return nil, err
	}

	h.CycleData = make([]uint32, nbbs)
	for i := range h.CycleData {
		if err := binary.Read(r, Order, &h.CycleData[i]); err != nil {
			// A truncated cycle table is common on an abruptly-cut
			// log; callers treat a short CycleData as corruption of
			// the tail record, not a hard decode failure.
			h.CycleData = h.CycleData[:i]
			break
		}
	}

	return h, nil
}

// UnpackRecord overwrites the first 4 bytes of every BB in data with the
// corresponding word from h.CycleData, reconstructing the bytes as they
// were before the writer stamped each BB's first word with its cycle
// number. It is the inverse of the writer's pack operation and must
// satisfy UnpackRecord(PackRecord(h, d)) == d for every d of length
// h.Len (property P4).
func UnpackRecord(h *RecordHeader, data []byte) error {
	nbbs := BBCount(h.Len)
	if uint32(len(h.CycleData)) < nbbs {
		return ErrBadRecordLen
	}
	for i := uint32(0); i < nbbs; i++ {
		off := int(i) * BBSize
		if off+4 > len(data) {
			return ErrShortBuffer
		}
		Order.PutUint32(data[off:off+4], h.CycleData[i])
	}
	return nil
}

// PackRecord is the inverse of UnpackRecord: it replaces the first word
// of every BB with the writer's running cycle number, saving the
// displaced words into a freshly built CycleData table. It exists
// primarily to let tests exercise the round-trip property (P4); normal
// recovery never writes records.
func PackRecord(cycle uint32, data []byte) (cycleData []uint32, packed []byte) {
	nbbs := BBCount(uint32(len(data)))
	cycleData = make([]uint32, nbbs)
	packed = make([]byte, len(data))
	copy(packed, data)
	for i := uint32(0); i < nbbs; i++ {
		off := int(i) * BBSize
		end := off + 4
		if end > len(packed) {
			end = len(packed)
		}
		if end-off == 4 {
			cycleData[i] = Order.Uint32(packed[off:end])
			Order.PutUint32(packed[off:end], cycle)
		}
	}
	return cycleData, packed
}

// OpHeader is the fixed header preceding every log operation's payload.
type OpHeader struct {
	Tid      uint32
	Len      uint32
	ClientID uint8
	Flags    OpFlags
	_        uint16 // pad
}

const OpHeaderSize = 4 + 4 + 1 + 1 + 2

// OpFlags is the bitset carried in an OpHeader.
type OpFlags uint8

const (
	OpStart OpFlags = 1 << iota
	OpCommit
	OpContinue
	OpWasCont
	OpEnd
	OpUnmount
)

func (f OpFlags) Has(bit OpFlags) bool { return f&bit == bit }

// DecodeOpHeader reads one OpHeader from the front of buf.
func DecodeOpHeader(buf []byte) (OpHeader, error) {
	if len(buf) < OpHeaderSize {
		return OpHeader{}, ErrShortBuffer
	}
	var h OpHeader
	r := bytes.NewReader(buf)
	if err := binary.Read(r, Order, &h.Tid); err != nil {
		return OpHeader{}, err
	}
	if err := binary.Read(r, Order, &h.Len); err != nil {
		return OpHeader{}, err
	}
	if err := binary.Read(r, Order, &h.ClientID); err != nil {
		return OpHeader{}, err
	}
	if err := binary.Read(r, Order, &h.Flags); err != nil {
		return OpHeader{}, err
	}
	return h, nil
}

// ClientID values, matching the op_header.clientid enumeration.
const (
	ClientTransaction uint8 = 1
	ClientLog         uint8 = 2
)
