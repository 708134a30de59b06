package iofwd

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvio/internal/hv"
	"github.com/tinyrange/hvio/internal/ioreq"
)

// InterceptResult distinguishes the three ways passthrough interception can
// end. A denied access is deliberately not retried through the synchronous
// protocol: permission denial is a security boundary, not a fallback path.
type InterceptResult int

const (
	// InterceptMiss means no mapping covers the port; the access falls
	// through to the normal dispatch order.
	InterceptMiss InterceptResult = iota
	// InterceptHandled means the access ran against host hardware.
	InterceptHandled
	// InterceptDenied means a mapping matched but the permission check
	// failed; the access is dropped.
	InterceptDenied
)

// PortRange maps a contiguous guest port range onto host ports.
type PortRange struct {
	GuestStart uint16
	HostStart  uint16
	Count      uint32
}

// PortMap translates guest port accesses for a passed-through device into
// direct host port accesses. The table is expected to stay small, one entry
// per assigned-device port range, so lookup is a linear scan. Entries are
// installed at device-assignment time; interception reads them only.
type PortMap struct {
	ranges []PortRange
	ports  hv.HostPortIO
	perms  hv.PortPermissions
	mem    hv.GuestMemory
}

// NewPortMap returns an empty guest-to-host port mapping.
func NewPortMap(ports hv.HostPortIO, perms hv.PortPermissions, mem hv.GuestMemory) (*PortMap, error) {
	if ports == nil {
		return nil, fmt.Errorf("iofwd: port map needs host port access")
	}
	if perms == nil {
		return nil, fmt.Errorf("iofwd: port map needs a permission table")
	}
	return &PortMap{ports: ports, perms: perms, mem: mem}, nil
}

// Add installs a guest-to-host port range mapping.
func (m *PortMap) Add(r PortRange) error {
	if r.Count == 0 {
		return fmt.Errorf("iofwd: port range at %#x has zero length", r.GuestStart)
	}
	if uint32(r.GuestStart)+r.Count > 0x10000 || uint32(r.HostStart)+r.Count > 0x10000 {
		return fmt.Errorf("iofwd: port range at %#x length %#x exceeds port space", r.GuestStart, r.Count)
	}
	for _, existing := range m.ranges {
		if uint32(r.GuestStart) < uint32(existing.GuestStart)+existing.Count &&
			uint32(existing.GuestStart) < uint32(r.GuestStart)+r.Count {
			return fmt.Errorf("iofwd: guest port range %#x-%#x overlaps existing range %#x-%#x",
				r.GuestStart, uint32(r.GuestStart)+r.Count-1,
				existing.GuestStart, uint32(existing.GuestStart)+existing.Count-1)
		}
	}
	m.ranges = append(m.ranges, r)
	return nil
}

// Intercept attempts to satisfy a guest port access directly against host
// hardware. The full accessed width must lie within a permitted host range;
// denial drops the access entirely with no host port touched.
func (m *PortMap) Intercept(req *ioreq.Request) InterceptResult {
	gport := req.Addr

	var mapped *PortRange
	for i := range m.ranges {
		r := &m.ranges[i]
		if gport >= uint64(r.GuestStart) && gport < uint64(r.GuestStart)+uint64(r.Count) {
			mapped = r
			break
		}
	}
	if mapped == nil {
		return InterceptMiss
	}

	hport := uint16(gport-uint64(mapped.GuestStart)) + mapped.HostStart

	if req.Size != 1 && req.Size != 2 && req.Size != 4 {
		slog.Error("iofwd: passthrough cannot handle access size",
			"gport", fmt.Sprintf("%#x", gport), "size", req.Size)
		return InterceptDenied
	}

	// The inclusive end is computed in 32 bits: an access straddling the top
	// of port space must be denied, not wrapped back to port 0.
	end := uint32(hport) + req.Size - 1
	if end > 0xffff || !m.perms.PortAccessPermitted(hport, uint16(end)) {
		slog.Error("iofwd: passthrough access denied",
			"gport", fmt.Sprintf("%#x", gport), "hport", fmt.Sprintf("%#x", hport))
		return InterceptDenied
	}

	switch req.Dir {
	case ioreq.DirRead:
		m.portRead(hport, req)
	case ioreq.DirWrite:
		m.portWrite(hport, req)
	}

	return InterceptHandled
}

// portRead repeats a host port read, delivering each result either into the
// request's data field or, for pointer-indirected requests, into consecutive
// guest-physical destinations. A copy failure abandons the remaining
// iterations; nothing past the failure point executes.
func (m *PortMap) portRead(hport uint16, req *ioreq.Request) {
	var buf [4]byte

	for i := uint64(0); i < uint64(req.Count); i++ {
		value, err := m.ports.ReadPort(hport, req.Size)
		if err != nil {
			slog.Error("iofwd: host port read", "hport", fmt.Sprintf("%#x", hport), "error", err)
			return
		}

		if !req.DataIsPtr {
			req.Data = value
			continue
		}

		binary.LittleEndian.PutUint32(buf[:], uint32(value))
		if err := m.mem.CopyToGuest(req.Data+i*uint64(req.Size), buf[:req.Size]); err != nil {
			slog.Error("iofwd: copy port data to guest",
				"gpa", fmt.Sprintf("%#x", req.Data+i*uint64(req.Size)), "error", err)
			return
		}
	}
}

// portWrite repeats a host port write, sourcing each value either from the
// request's immediate data field or from consecutive guest-physical
// addresses. A copy failure abandons the remaining iterations.
func (m *PortMap) portWrite(hport uint16, req *ioreq.Request) {
	var buf [4]byte

	for i := uint64(0); i < uint64(req.Count); i++ {
		value := req.Data
		if req.DataIsPtr {
			if err := m.mem.CopyFromGuest(buf[:req.Size], req.Data+i*uint64(req.Size)); err != nil {
				slog.Error("iofwd: copy port data from guest",
					"gpa", fmt.Sprintf("%#x", req.Data+i*uint64(req.Size)), "error", err)
				return
			}
			value = uint64(binary.LittleEndian.Uint32(buf[:]))
		}

		if err := m.ports.WritePort(hport, req.Size, value); err != nil {
			slog.Error("iofwd: host port write", "hport", fmt.Sprintf("%#x", hport), "error", err)
			return
		}
	}
}
