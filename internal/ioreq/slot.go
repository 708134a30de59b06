package ioreq

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// Slot is one vCPU's request slot: a 64-byte window of the shared slot page.
//
// The slot carries at most one outstanding request. It has no lock; the only
// writers are the owning vCPU thread (while the state is None or RespReady)
// and the external consumer (while the state is Ready or InProcess). The
// state word is the synchronization point: every ownership transfer is a
// release-store of State observed by an acquire-load on the other side, so
// payload writes are visible before the state that publishes them.
type Slot struct {
	win []byte
}

// NewSlot wraps a 64-byte window. The window must come from an aligned
// protocol page (see AllocPage).
func NewSlot(win []byte) (*Slot, error) {
	if len(win) < SlotSize {
		return nil, fmt.Errorf("ioreq: slot window is %d bytes, need %d", len(win), SlotSize)
	}
	if uintptr(unsafe.Pointer(&win[0]))%4 != 0 {
		return nil, fmt.Errorf("ioreq: slot window is not 4-byte aligned")
	}
	return &Slot{win: win[:SlotSize]}, nil
}

// SlotPage carves a shared page into per-vCPU request slots.
type SlotPage struct {
	page []byte
}

// NewSlotPage wraps a protocol page holding up to SlotsPerPage slots.
func NewSlotPage(page []byte) (*SlotPage, error) {
	if len(page) < PageSize {
		return nil, fmt.Errorf("ioreq: slot page is %d bytes, need %d", len(page), PageSize)
	}
	return &SlotPage{page: page}, nil
}

// Slot returns the request slot for the given vCPU index.
func (p *SlotPage) Slot(vcpu int) (*Slot, error) {
	if vcpu < 0 || vcpu >= SlotsPerPage {
		return nil, fmt.Errorf("ioreq: vCPU index %d out of range [0,%d)", vcpu, SlotsPerPage)
	}
	return NewSlot(p.page[vcpu*SlotSize:])
}

func (s *Slot) state() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.win[slotOffState]))
}

// State returns the current protocol state of the slot.
func (s *Slot) State() State {
	return State(s.state().Load())
}

// IOCount returns the per-slot I/O sequence counter.
func (s *Slot) IOCount() uint32 {
	return binary.LittleEndian.Uint32(s.win[slotOffIOCount:])
}

// Prepare populates the slot payload and bumps the I/O sequence counter
// without publishing it: the state word is left alone, so the consumer
// cannot yet observe the request. Completion of a locally intercepted access
// skips publication entirely (see LocalRespond); a hand-off follows with
// Publish.
//
// Preparing onto a non-idle slot is a protocol violation by the caller. It
// is logged and the slot is overwritten anyway; this layer prefers staying
// live over enforcing the protocol, so the previous request is silently lost
// to its issuer.
func (s *Slot) Prepare(req *Request) {
	if st := s.State(); st != StateNone {
		slog.Warn("ioreq: issuing request with another already pending",
			"state", st, "type", req.Type, "addr", req.Addr)
	}

	req.IOCount = s.IOCount() + 1
	EncodeRequest(s.win, req)
}

// Publish hands the prepared request to the consumer with a release-store
// of State=Ready, making the payload visible before the state that
// announces it.
func (s *Slot) Publish() {
	s.state().Store(uint32(StateReady))
}

// Issue is Prepare followed by Publish.
func (s *Slot) Issue(req *Request) {
	s.Prepare(req)
	s.Publish()
}

// LocalRespond records the response for a request that was satisfied
// locally, without the external consumer ever seeing it: the data field is
// written and the slot moves straight to RespReady so the normal completion
// path applies.
func (s *Slot) LocalRespond(data uint64) {
	binary.LittleEndian.PutUint64(s.win[slotOffData:], data)
	s.state().Store(uint32(StateRespReady))
}

// Complete consumes a fulfilled request. It requires the consumer to have
// published RespReady; any other state means the consumer signalled
// completion for a slot it never received, which implies shared-memory
// corruption, and the caller is expected to treat the error as fatal for the
// domain.
//
// The acquire-load of State orders the response payload read after the
// consumer's release-store, so the payload is only read once it is fully
// visible. On success the slot returns to None.
func (s *Slot) Complete() (Request, error) {
	if st := State(s.state().Load()); st != StateRespReady {
		return Request{}, fmt.Errorf("ioreq: unexpected request state %s on completion", st)
	}

	req := DecodeRequest(s.win)
	s.state().Store(uint32(StateNone))
	return req, nil
}

// ConsumerObserve is the consumer side of the slot contract: if a request is
// published it is claimed (Ready -> InProcess) and returned. In production
// the consumer runs out of process against the same page layout; this
// implementation serves in-process consumers and tests.
func (s *Slot) ConsumerObserve() (Request, bool) {
	if State(s.state().Load()) != StateReady {
		return Request{}, false
	}
	req := DecodeRequest(s.win)
	s.state().Store(uint32(StateInProcess))
	return req, true
}

// ConsumerRespond writes the response value and publishes RespReady with a
// release-store, making the payload visible before the state flip.
func (s *Slot) ConsumerRespond(data uint64) {
	binary.LittleEndian.PutUint64(s.win[slotOffData:], data)
	s.state().Store(uint32(StateRespReady))
}
