package ioreq

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"
)

// BufferedRing is the bounded asynchronous fast path for write-only
// accesses: a circular array of BufferedRecords on a shared page with
// monotonically increasing read and write pointers.
//
// The mutex serializes local producers only. The consumer never takes it; it
// observes records solely through the write pointer, which is published with
// a release-store after the record bytes are written. The ring invariant is
// WritePointer - ReadPointer <= BufferedSlotCount at all times.
type BufferedRing struct {
	mu   sync.Mutex
	page []byte
}

// NewBufferedRing wraps a protocol page as the buffered ring.
func NewBufferedRing(page []byte) (*BufferedRing, error) {
	if len(page) < PageSize {
		return nil, fmt.Errorf("ioreq: ring page is %d bytes, need %d", len(page), PageSize)
	}
	if uintptr(unsafe.Pointer(&page[0]))%4 != 0 {
		return nil, fmt.Errorf("ioreq: ring page is not 4-byte aligned")
	}
	return &BufferedRing{page: page}, nil
}

func (r *BufferedRing) readPointer() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.page[ringOffReadPointer]))
}

func (r *BufferedRing) writePointer() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.page[ringOffWritePointer]))
}

// Used returns the number of occupied ring slots.
func (r *BufferedRing) Used() uint32 {
	return r.writePointer().Load() - r.readPointer().Load()
}

func (r *BufferedRing) recordWindow(pointer uint32) []byte {
	off := ringOffRecords + int(pointer%BufferedSlotCount)*BufferedSlotSize
	return r.page[off : off+BufferedSlotSize]
}

// TryEnqueue attempts buffered delivery of a write request. It returns false
// for any request the compact encoding cannot carry, and for lack of space;
// the caller must then deliver through the synchronous path or report the
// loss. The ring never drops a record it accepted.
//
// A 64-bit value takes two consecutive slots, published together or not at
// all: the consumer can never observe half a record.
func (r *BufferedRing) TryEnqueue(req *Request) bool {
	// The wire encoding has 20 address bits, no pointer indirection and no
	// repeat count, and carries write accesses only.
	if req.Addr >= BufferedAddrLimit || req.DataIsPtr || req.Count != 1 || req.Dir != DirWrite {
		return false
	}

	var shift uint8
	slots := uint32(1)
	switch req.Size {
	case 1:
		shift = 0
	case 2:
		shift = 1
	case 4:
		shift = 2
	case 8:
		shift = 3
		slots = 2
	default:
		slog.Warn("ioreq: unexpected buffered request size", "size", req.Size)
		return false
	}

	rec := BufferedRecord{
		Type:      req.Type,
		Dir:       req.Dir,
		SizeShift: shift,
		Addr:      uint32(req.Addr),
		Data:      uint32(req.Data),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wp := r.writePointer().Load()
	if wp-r.readPointer().Load() > BufferedSlotCount-slots {
		return false
	}

	EncodeBufferedRecord(r.recordWindow(wp), rec)
	if slots == 2 {
		rec.Data = uint32(req.Data >> 32)
		EncodeBufferedRecord(r.recordWindow(wp+1), rec)
	}

	// Release-store: record bytes must be durably visible before the pointer
	// that announces them, since the consumer polls the pointer without the
	// producer lock.
	r.writePointer().Store(wp + slots)
	return true
}

// BufferedWrite is one access drained from the ring, with 64-bit values
// reassembled from their two slots.
type BufferedWrite struct {
	Type Type
	Dir  Dir
	Size uint32
	Addr uint32
	Data uint64
}

// Dequeue is the consumer side of the ring contract: it drains one access,
// advancing the read pointer past one or two slots. It reports false when
// the ring is empty. In production the consumer runs out of process; this
// implementation serves in-process consumers and tests.
func (r *BufferedRing) Dequeue() (BufferedWrite, bool) {
	rp := r.readPointer().Load()
	// Acquire-load: the producer's release-store of the write pointer makes
	// the record bytes visible before the pointer value read here.
	if r.writePointer().Load() == rp {
		return BufferedWrite{}, false
	}

	rec := DecodeBufferedRecord(r.recordWindow(rp))
	out := BufferedWrite{
		Type: rec.Type,
		Dir:  rec.Dir,
		Size: 1 << rec.SizeShift,
		Addr: rec.Addr,
		Data: uint64(rec.Data),
	}

	slots := uint32(1)
	if rec.SizeShift == 3 {
		high := DecodeBufferedRecord(r.recordWindow(rp + 1))
		out.Data |= uint64(high.Data) << 32
		slots = 2
	}

	r.readPointer().Store(rp + slots)
	return out, true
}
