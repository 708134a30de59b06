package iofwd

import (
	"log/slog"

	"github.com/tinyrange/hvio/internal/ioreq"
)

// Complete consumes the response in the vCPU's request slot and folds it
// back into execution state. It runs either inline, when the dispatcher
// satisfied the access locally, or on wake-up after the external consumer
// filled in the response.
//
// A slot that is not in RespReady here means the consumer signalled
// completion for a request it never received; that implies shared-memory
// corruption and is fatal for the domain. Either way the deferred-shutdown
// hold is released: a vCPU may have been kept alive past a shutdown request
// purely to drain this I/O, and that hold must not leak on any exit path.
func (c *Core) Complete(v *VCPU) {
	defer c.sched.EndShutdownDeferral(v.id)

	req, err := v.slot.Complete()
	if err != nil {
		slog.Error("iofwd: completion with no response ready",
			"vcpu", v.id, "state", v.slot.State())
		c.fatal.Crash(v.id, err.Error())
		return
	}

	if !v.ioInProgress {
		return
	}
	v.ioInProgress = false

	if req.Dir == ioreq.DirRead && !req.DataIsPtr {
		v.ioCompleted = true
		v.ioData = req.Data
		if v.mmioInProgress {
			// The response belongs to an in-flight MMIO emulation; re-enter
			// it so the emulator can consume the value and finish the
			// instruction.
			c.HandleMMIO(v)
		}
	}
}
