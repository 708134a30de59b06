package iofwd

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvio/internal/hv"
)

// HandleMMIO drives one trapped instruction through the external emulator,
// which calls back into SendMMIO for each memory access it performs. It
// returns false when the instruction could not be handled at all; the caller
// decides whether that is fatal for the domain.
func (c *Core) HandleMMIO(v *VCPU) bool {
	if c.emu == nil {
		slog.Error("iofwd: MMIO trap with no emulator wired", "vcpu", v.id)
		return false
	}

	res := c.emu.EmulateOne(v.id)

	switch res.Outcome {
	case hv.EmulateUnhandleable:
		slog.Warn("iofwd: MMIO emulation failed",
			"vcpu", v.id,
			"cs", fmt.Sprintf("%04x", res.CodeSegment),
			"rip", fmt.Sprintf("%#x", res.InsnAddr),
			"insn", hex.EncodeToString(res.InsnBytes))
		return false
	case hv.EmulateException:
		if res.ExceptionPending && c.inject != nil {
			if err := c.inject.InjectException(v.id, res.ExceptionVector, res.ExceptionError); err != nil {
				slog.Error("iofwd: inject exception", "vcpu", v.id, "error", err)
			}
		}
	}

	if err := c.emu.Writeback(v.id); err != nil {
		slog.Error("iofwd: emulation writeback", "vcpu", v.id, "error", err)
	}

	// If the instruction left an access pending, remember that its
	// completion must re-enter this driver.
	v.mmioInProgress = v.ioInProgress

	return true
}
