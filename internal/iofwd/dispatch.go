package iofwd

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvio/internal/hv"
	"github.com/tinyrange/hvio/internal/intercept"
	"github.com/tinyrange/hvio/internal/ioreq"
)

// Outcome reports how a dispatched access was resolved.
type Outcome int

const (
	// OutcomeCompleted means the access was satisfied synchronously (local
	// intercept, passthrough or buffered delivery) and completion assist has
	// already run; the vCPU may continue.
	OutcomeCompleted Outcome = iota
	// OutcomePending means the request was handed to the external consumer;
	// the caller must park the vCPU and invoke Complete once the consumer
	// responds.
	OutcomePending
	// OutcomeDropped means the access was rejected (unsupported shape,
	// denied permission, or a tolerated loss) and will never complete.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePending:
		return "pending"
	case OutcomeDropped:
		return "dropped"
	default:
		return "invalid"
	}
}

// Config wires the forwarding core to its collaborators. Intercepts and Ring
// are required; the rest may be nil where the corresponding path is unused
// (a nil Passthrough disables passthrough interception, a nil Emulator
// disables MMIO instruction re-entry).
type Config struct {
	Intercepts  *intercept.Registry
	Ring        *ioreq.BufferedRing
	Passthrough *PortMap

	Emulator  hv.Emulator
	Injector  hv.ExceptionInjector
	Scheduler hv.Scheduler
	Fatal     hv.FatalReporter
	Notifier  hv.ConsumerNotifier
}

// Core routes guest I/O accesses. All methods that take a *VCPU must be
// called on that vCPU's execution thread; the only cross-thread state is the
// slot page and the ring, which carry their own ordering discipline.
type Core struct {
	intercepts  *intercept.Registry
	ring        *ioreq.BufferedRing
	passthrough *PortMap

	emu    hv.Emulator
	inject hv.ExceptionInjector
	sched  hv.Scheduler
	fatal  hv.FatalReporter
	notify hv.ConsumerNotifier
}

// New validates the wiring and returns a forwarding core.
func New(cfg Config) (*Core, error) {
	if cfg.Intercepts == nil {
		return nil, fmt.Errorf("iofwd: intercept registry is required")
	}
	if cfg.Ring == nil {
		return nil, fmt.Errorf("iofwd: buffered ring is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("iofwd: scheduler is required")
	}
	if cfg.Fatal == nil {
		return nil, fmt.Errorf("iofwd: fatal reporter is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("iofwd: consumer notifier is required")
	}
	return &Core{
		intercepts:  cfg.Intercepts,
		ring:        cfg.Ring,
		passthrough: cfg.Passthrough,
		emu:         cfg.Emulator,
		inject:      cfg.Injector,
		sched:       cfg.Scheduler,
		fatal:       cfg.Fatal,
		notify:      cfg.Notifier,
	}, nil
}

// SendPIO dispatches a trapped port access. Order: passthrough interception,
// local intercept, synchronous hand-off. Port accesses never use the
// buffered ring.
func (c *Core) SendPIO(v *VCPU, port uint64, count, size uint32, value uint64, dir ioreq.Dir, df, valueIsPtr bool) Outcome {
	req := ioreq.Request{
		Type:      ioreq.TypePIO,
		Addr:      port,
		Data:      value,
		Count:     count,
		Size:      size,
		Dir:       dir,
		DF:        df,
		DataIsPtr: valueIsPtr,
	}

	if !ioreq.ValidSize(size) {
		slog.Warn("iofwd: dropping port request with unsupported size",
			"vcpu", v.id, "port", fmt.Sprintf("%#x", port), "size", size)
		return OutcomeDropped
	}

	v.slot.Prepare(&req)
	v.ioInProgress = true

	if c.passthrough != nil {
		switch c.passthrough.Intercept(&req) {
		case InterceptHandled:
			return c.completeLocal(v, &req)
		case InterceptDenied:
			v.ioInProgress = false
			return OutcomeDropped
		}
	}

	if c.intercepts.HandlePIO(&req) {
		return c.completeLocal(v, &req)
	}

	return c.handOff(v)
}

// SendMMIO dispatches a decoded memory-mapped access. Order: local
// intercept, buffered delivery (write-only, registered regions), synchronous
// hand-off.
func (c *Core) SendMMIO(v *VCPU, gpa uint64, count, size uint32, value uint64, dir ioreq.Dir, df, valueIsPtr bool) Outcome {
	req := ioreq.Request{
		Type:      ioreq.TypeCopy,
		Addr:      gpa,
		Data:      value,
		Count:     count,
		Size:      size,
		Dir:       dir,
		DF:        df,
		DataIsPtr: valueIsPtr,
	}

	if !ioreq.ValidSize(size) {
		slog.Warn("iofwd: dropping MMIO request with unsupported size",
			"vcpu", v.id, "gpa", fmt.Sprintf("%#x", gpa), "size", size)
		return OutcomeDropped
	}

	v.slot.Prepare(&req)
	v.ioInProgress = true

	if c.intercepts.HandleMMIO(&req) {
		return c.completeLocal(v, &req)
	}

	if req.Dir == ioreq.DirWrite && c.intercepts.BufferedEligible(req.Addr) &&
		c.ring.TryEnqueue(&req) {
		return c.completeLocal(v, &req)
	}

	return c.handOff(v)
}

// SendTimeOffset pushes a guest clock adjustment through the buffered ring.
// It never falls back to a synchronous hand-off: clock drift correction
// tolerates loss, so a full ring drops the update with a diagnostic and no
// retry. A zero offset is a no-op.
func (c *Core) SendTimeOffset(offset uint64) Outcome {
	if offset == 0 {
		return OutcomeCompleted
	}

	req := ioreq.Request{
		Type:  ioreq.TypeTimeOffset,
		Data:  offset,
		Count: 1,
		Size:  8,
		Dir:   ioreq.DirWrite,
	}

	if !c.ring.TryEnqueue(&req) {
		slog.Warn("iofwd: unsuccessful timeoffset update", "offset", offset)
		return OutcomeDropped
	}
	return OutcomeCompleted
}

// SendInvalidate asks the device model to drop all of its guest memory
// mappings. It always uses the synchronous path; the all-ones data value is
// the "invalidate everything" sentinel.
func (c *Core) SendInvalidate(v *VCPU) Outcome {
	req := ioreq.Request{
		Type:  ioreq.TypeInvalidate,
		Data:  ^uint64(0),
		Count: 1,
		Size:  4,
		Dir:   ioreq.DirWrite,
	}

	v.slot.Prepare(&req)
	return c.handOff(v)
}

// completeLocal finishes an access that never left this process: the
// response lands in the slot as if the consumer had filled it, and
// completion assist runs inline.
func (c *Core) completeLocal(v *VCPU, req *ioreq.Request) Outcome {
	v.slot.LocalRespond(req.Data)
	c.Complete(v)
	return OutcomeCompleted
}

// handOff publishes the prepared request to the external consumer. The
// caller owns parking the vCPU; the scheduler wakes it once the consumer
// responds and completion assist runs.
func (c *Core) handOff(v *VCPU) Outcome {
	v.slot.Publish()
	c.notify.NotifyConsumer(v.id)
	return OutcomePending
}
