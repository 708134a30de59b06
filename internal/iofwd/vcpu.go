// Package iofwd is the I/O request forwarding core: it classifies each
// trapped guest access and routes it to a local intercept handler, the
// buffered ring, direct hardware passthrough, or a synchronous hand-off to
// the external device model, then drives completion back into vCPU state.
package iofwd

import (
	"fmt"

	"github.com/tinyrange/hvio/internal/ioreq"
)

// VCPU is the per-virtual-CPU state the forwarding core owns: the request
// slot and the in-flight flags that connect a pending access back to the
// instruction emulation that caused it. It is created with the vCPU and
// passed explicitly to every operation; nothing here is global.
type VCPU struct {
	id   int
	slot *ioreq.Slot

	// ioInProgress marks a dispatched access that has not completed yet.
	// ioCompleted and ioData hold a delivered read value until the emulator
	// consumes it. mmioInProgress marks that the pending access belongs to
	// an in-flight MMIO instruction emulation which must be re-entered on
	// completion.
	ioInProgress   bool
	ioCompleted    bool
	mmioInProgress bool
	ioData         uint64
}

// NewVCPU binds forwarding state to a vCPU and its request slot.
func NewVCPU(id int, slot *ioreq.Slot) (*VCPU, error) {
	if slot == nil {
		return nil, fmt.Errorf("iofwd: vCPU %d has no request slot", id)
	}
	return &VCPU{id: id, slot: slot}, nil
}

// ID returns the vCPU index.
func (v *VCPU) ID() int { return v.id }

// Slot returns the vCPU's request slot.
func (v *VCPU) Slot() *ioreq.Slot { return v.slot }

// IOInProgress reports whether a dispatched access is still outstanding.
func (v *VCPU) IOInProgress() bool { return v.ioInProgress }

// TakeIOData hands a completed read value to the emulator, clearing the
// completed flag. It reports false when no read has completed.
func (v *VCPU) TakeIOData() (uint64, bool) {
	if !v.ioCompleted {
		return 0, false
	}
	v.ioCompleted = false
	return v.ioData, true
}
