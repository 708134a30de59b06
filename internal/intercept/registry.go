// Package intercept keeps the registry of local handlers that can satisfy a
// guest I/O access synchronously, without a hand-off to the external device
// model: port ranges, memory-mapped regions, and the regions whose writes
// are eligible for buffered delivery.
package intercept

import (
	"fmt"

	"github.com/tinyrange/hvio/internal/ioreq"
)

// Func is a local intercept handler. It returns true when it consumed the
// request; a read handler stores the result in req.Data. Handlers run on the
// vCPU thread and must not block.
type Func func(req *ioreq.Request) bool

type portBinding struct {
	start   uint64
	count   uint64
	handler Func
}

type mmioBinding struct {
	base    uint64
	size    uint64
	handler Func
}

type bufferedRange struct {
	base uint64
	size uint64
}

// Registry holds all registered intercepts. Registration happens at domain
// build time; dispatch afterwards is read-only, so no lock is needed.
type Registry struct {
	ports    []portBinding
	mmio     []mmioBinding
	buffered []bufferedRange
}

// NewRegistry returns an empty intercept registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func rangesOverlap(aStart, aSize, bStart, bSize uint64) bool {
	return aStart < bStart+bSize && bStart < aStart+aSize
}

// RegisterPortRange registers a handler for a contiguous range of guest I/O
// ports.
func (r *Registry) RegisterPortRange(start, count uint64, handler Func) error {
	if handler == nil {
		return fmt.Errorf("intercept: port handler for 0x%x is nil", start)
	}
	if count == 0 {
		return fmt.Errorf("intercept: port range at 0x%x has zero length", start)
	}
	if start+count < start || start+count > 0x10000 {
		return fmt.Errorf("intercept: port range at 0x%x length 0x%x exceeds port space", start, count)
	}
	for _, existing := range r.ports {
		if rangesOverlap(start, count, existing.start, existing.count) {
			return fmt.Errorf(
				"intercept: port range 0x%x-0x%x overlaps existing range 0x%x-0x%x",
				start, start+count-1, existing.start, existing.start+existing.count-1)
		}
	}
	r.ports = append(r.ports, portBinding{start: start, count: count, handler: handler})
	return nil
}

// RegisterMMIORange registers a handler for a guest-physical region.
func (r *Registry) RegisterMMIORange(base, size uint64, handler Func) error {
	if handler == nil {
		return fmt.Errorf("intercept: MMIO handler for region 0x%x is nil", base)
	}
	if size == 0 {
		return fmt.Errorf("intercept: MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("intercept: MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range r.mmio {
		if rangesOverlap(base, size, existing.base, existing.size) {
			return fmt.Errorf(
				"intercept: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.base, existing.base+existing.size-1)
		}
	}
	r.mmio = append(r.mmio, mmioBinding{base: base, size: size, handler: handler})
	return nil
}

// RegisterBufferedRange marks a guest-physical region whose writes may be
// delivered through the buffered ring instead of a synchronous hand-off.
func (r *Registry) RegisterBufferedRange(base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("intercept: buffered region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("intercept: buffered region at 0x%x with size 0x%x overflows", base, size)
	}
	r.buffered = append(r.buffered, bufferedRange{base: base, size: size})
	return nil
}

// HandlePIO offers a port request to the registered handlers in registration
// order and reports whether one consumed it.
func (r *Registry) HandlePIO(req *ioreq.Request) bool {
	for _, binding := range r.ports {
		if req.Addr >= binding.start && req.Addr < binding.start+binding.count {
			return binding.handler(req)
		}
	}
	return false
}

// HandleMMIO offers a memory-mapped request to the registered handlers.
func (r *Registry) HandleMMIO(req *ioreq.Request) bool {
	for _, binding := range r.mmio {
		if req.Addr >= binding.base && req.Addr < binding.base+binding.size {
			return binding.handler(req)
		}
	}
	return false
}

// BufferedEligible reports whether the address falls in a region registered
// for buffered delivery.
func (r *Registry) BufferedEligible(addr uint64) bool {
	for _, rng := range r.buffered {
		if addr >= rng.base && addr < rng.base+rng.size {
			return true
		}
	}
	return false
}
