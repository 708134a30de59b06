// Package ioreq implements the shared-memory I/O request protocol between a
// virtual CPU and its external device-model process: the per-vCPU request
// slot page and the buffered write ring page. Both layouts are a wire ABI
// consumed out of process and must not drift.
package ioreq

import (
	"encoding/binary"
	"unsafe"
)

// PageSize is the size of each shared protocol page.
const PageSize = 4096

// Request slot layout. One 64-byte slot per vCPU, packed on the slot page.
const (
	SlotSize     = 64
	SlotsPerPage = PageSize / SlotSize

	slotOffAddr      = 0
	slotOffData      = 8
	slotOffCount     = 16
	slotOffSize      = 20
	slotOffIOCount   = 24
	slotOffType      = 28
	slotOffDir       = 29
	slotOffDF        = 30
	slotOffDataIsPtr = 31
	slotOffState     = 32
)

// State is the request slot protocol state.
type State uint32

const (
	StateNone      State = 0
	StateReady     State = 1
	StateInProcess State = 2
	StateRespReady State = 3
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateReady:
		return "ready"
	case StateInProcess:
		return "in-process"
	case StateRespReady:
		return "resp-ready"
	default:
		return "invalid"
	}
}

// Type identifies the kind of access a request describes.
type Type uint8

const (
	TypePIO        Type = 0
	TypeCopy       Type = 1
	TypeTimeOffset Type = 7
	TypeInvalidate Type = 8
)

func (t Type) String() string {
	switch t {
	case TypePIO:
		return "pio"
	case TypeCopy:
		return "copy"
	case TypeTimeOffset:
		return "timeoffset"
	case TypeInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// Dir is the direction of an access from the guest's point of view.
type Dir uint8

const (
	DirWrite Dir = 0
	DirRead  Dir = 1
)

func (d Dir) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// Request is the canonical description of one guest I/O access.
//
// When DataIsPtr is set, Data holds a guest-physical address naming the
// buffer for the access instead of the value itself.
type Request struct {
	Addr      uint64
	Data      uint64
	Count     uint32
	Size      uint32
	IOCount   uint32
	Type      Type
	Dir       Dir
	DF        bool
	DataIsPtr bool
}

// ValidSize reports whether the access width is one the protocol carries.
func ValidSize(size uint32) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// EncodeRequest writes the request payload into a 64-byte slot window.
// The state word is not touched; state publication is the synchronization
// point and is handled separately by Slot.
func EncodeRequest(dst []byte, req *Request) {
	_ = dst[SlotSize-1]
	binary.LittleEndian.PutUint64(dst[slotOffAddr:], req.Addr)
	binary.LittleEndian.PutUint64(dst[slotOffData:], req.Data)
	binary.LittleEndian.PutUint32(dst[slotOffCount:], req.Count)
	binary.LittleEndian.PutUint32(dst[slotOffSize:], req.Size)
	binary.LittleEndian.PutUint32(dst[slotOffIOCount:], req.IOCount)
	dst[slotOffType] = byte(req.Type)
	dst[slotOffDir] = byte(req.Dir)
	dst[slotOffDF] = boolByte(req.DF)
	dst[slotOffDataIsPtr] = boolByte(req.DataIsPtr)
}

// DecodeRequest reads the request payload from a 64-byte slot window.
func DecodeRequest(src []byte) Request {
	_ = src[SlotSize-1]
	return Request{
		Addr:      binary.LittleEndian.Uint64(src[slotOffAddr:]),
		Data:      binary.LittleEndian.Uint64(src[slotOffData:]),
		Count:     binary.LittleEndian.Uint32(src[slotOffCount:]),
		Size:      binary.LittleEndian.Uint32(src[slotOffSize:]),
		IOCount:   binary.LittleEndian.Uint32(src[slotOffIOCount:]),
		Type:      Type(src[slotOffType]),
		Dir:       Dir(src[slotOffDir]),
		DF:        src[slotOffDF] != 0,
		DataIsPtr: src[slotOffDataIsPtr] != 0,
	}
}

// Buffered ring layout: two 32-bit pointers followed by the record array.
const (
	BufferedSlotCount = 80
	BufferedSlotSize  = 8

	ringOffReadPointer  = 0
	ringOffWritePointer = 4
	ringOffRecords      = 8
)

// BufferedAddrLimit bounds the address field of a buffered record; the wire
// encoding carries only 20 address bits.
const BufferedAddrLimit = 1 << 20

// BufferedRecord is the compact wire encoding of one write-only access.
// SizeShift is log2 of the width in bytes. Data carries 32 bits; a 64-bit
// value spans two consecutive records, low word first.
type BufferedRecord struct {
	Type      Type
	Dir       Dir
	SizeShift uint8
	Addr      uint32
	Data      uint32
}

// EncodeBufferedRecord packs a record into an 8-byte ring slot.
func EncodeBufferedRecord(dst []byte, rec BufferedRecord) {
	_ = dst[BufferedSlotSize-1]
	word := uint32(rec.Type) |
		uint32(rec.Dir)<<8 |
		uint32(rec.SizeShift&0x3)<<9 |
		(rec.Addr&(BufferedAddrLimit-1))<<12
	binary.LittleEndian.PutUint32(dst[0:], word)
	binary.LittleEndian.PutUint32(dst[4:], rec.Data)
}

// DecodeBufferedRecord unpacks an 8-byte ring slot.
func DecodeBufferedRecord(src []byte) BufferedRecord {
	_ = src[BufferedSlotSize-1]
	word := binary.LittleEndian.Uint32(src[0:])
	return BufferedRecord{
		Type:      Type(word & 0xff),
		Dir:       Dir(word >> 8 & 0x1),
		SizeShift: uint8(word >> 9 & 0x3),
		Addr:      word >> 12,
		Data:      binary.LittleEndian.Uint32(src[4:]),
	}
}

// AllocPage returns a protocol page with the alignment the slot and ring
// atomics require. Real deployments map these pages from shared memory; the
// layout is identical either way.
func AllocPage() []byte {
	backing := make([]uint64, PageSize/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), PageSize)
}
