// Package hv declares the interfaces the I/O forwarding core consumes from
// the surrounding virtual machine monitor: guest memory access, instruction
// emulation, exception injection, scheduling and host port access. The core
// works entirely through these; it never reaches into a hypervisor backend
// directly.
package hv

// GuestMemory copies between host buffers and guest-physical addresses. Used
// for pointer-indirected requests, where the request's data field names a
// guest buffer rather than carrying the value.
type GuestMemory interface {
	CopyToGuest(gpa uint64, data []byte) error
	CopyFromGuest(data []byte, gpa uint64) error
}

// EmulateOutcome classifies the result of emulating one guest instruction.
type EmulateOutcome int

const (
	EmulateOK EmulateOutcome = iota
	// EmulateUnhandleable means the emulator could not decode or execute the
	// instruction at all.
	EmulateUnhandleable
	// EmulateException means emulation raised a guest-visible exception that
	// must be injected.
	EmulateException
	// EmulateRetry means the access was forwarded and the instruction must
	// be re-entered once the response arrives.
	EmulateRetry
)

// EmulateResult carries one instruction's emulation outcome. InsnBytes and
// CodeSegment exist for diagnostics on the unhandleable path.
type EmulateResult struct {
	Outcome EmulateOutcome

	// Valid when Outcome == EmulateException.
	ExceptionVector  uint8
	ExceptionError   uint32
	ExceptionPending bool

	InsnBytes   []byte
	InsnAddr    uint64
	CodeSegment uint16
}

// Emulator executes one guest instruction at the current vCPU state. During
// EmulateOne the emulator calls back into the dispatcher for each memory
// access the instruction performs. Writeback commits any register or memory
// state the emulation produced and must be called after every EmulateOne
// that did not report EmulateUnhandleable.
type Emulator interface {
	EmulateOne(vcpu int) EmulateResult
	Writeback(vcpu int) error
}

// ExceptionInjector delivers a synchronous exception into the guest.
type ExceptionInjector interface {
	InjectException(vcpu int, vector uint8, errorCode uint32) error
}

// Scheduler parks and wakes vCPUs around synchronous hand-offs, and manages
// the deferred-shutdown hold that keeps a vCPU alive while an I/O drains.
type Scheduler interface {
	// Park blocks the vCPU until the external consumer responds. Never
	// called with the forwarding core's locks held.
	Park(vcpu int)
	Resume(vcpu int)

	// EndShutdownDeferral releases a hold that kept the vCPU alive past a
	// shutdown request to drain a pending I/O.
	EndShutdownDeferral(vcpu int)
}

// FatalReporter signals an unrecoverable protocol violation. Crash must not
// return control to guest execution.
type FatalReporter interface {
	Crash(vcpu int, reason string)
}

// HostPortIO performs direct accesses against the host's port space, for
// ports backed by a passed-through device. Widths are 1, 2 or 4 bytes.
type HostPortIO interface {
	ReadPort(port uint16, size uint32) (uint64, error)
	WritePort(port uint16, size uint32, value uint64) error
}

// PortPermissions answers whether the domain may touch an inclusive host
// port range. Backed by the device-assignment capability table, consumed
// read-only here.
type PortPermissions interface {
	PortAccessPermitted(start, end uint16) bool
}

// ConsumerNotifier kicks the external device-model process after a request
// is published in its slot. The notification channel itself (event channel,
// eventfd, ...) belongs to the surrounding monitor.
type ConsumerNotifier interface {
	NotifyConsumer(vcpu int)
}
