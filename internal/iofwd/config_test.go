package iofwd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/hvio/internal/ioreq"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "passthrough.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadPassthroughConfig(t *testing.T) {
	path := writeConfig(t, `
passthrough:
  - guest_start: 0x300
    host_start: 0x3f0
    count: 0x10
permitted:
  - start: 0x3f0
    count: 0x10
`)

	cfg, err := LoadPassthroughConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Passthrough) != 1 || len(cfg.Permitted) != 1 {
		t.Fatalf("parsed %d/%d entries", len(cfg.Passthrough), len(cfg.Permitted))
	}
	if cfg.Passthrough[0].GuestStart != 0x300 || cfg.Passthrough[0].HostStart != 0x3f0 || cfg.Passthrough[0].Count != 0x10 {
		t.Fatalf("passthrough entry wrong: %+v", cfg.Passthrough[0])
	}
}

func TestLoadPassthroughConfigRejectsZeroLength(t *testing.T) {
	path := writeConfig(t, `
passthrough:
  - guest_start: 0x300
    host_start: 0x3f0
    count: 0
`)
	if _, err := LoadPassthroughConfig(path); err == nil {
		t.Fatalf("zero-length range accepted")
	}
}

func TestLoadPassthroughConfigMissingFile(t *testing.T) {
	if _, err := LoadPassthroughConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestStaticPermissions(t *testing.T) {
	perms := StaticPermissions{{Start: 0x3f0, Count: 0x10}}

	if !perms.PortAccessPermitted(0x3f0, 0x3f0) {
		t.Fatalf("start of range denied")
	}
	if !perms.PortAccessPermitted(0x3fc, 0x3ff) {
		t.Fatalf("end of range denied")
	}
	if perms.PortAccessPermitted(0x3ef, 0x3f0) {
		t.Fatalf("access straddling range start permitted")
	}
	if perms.PortAccessPermitted(0x3ff, 0x400) {
		t.Fatalf("access straddling range end permitted")
	}
	if perms.PortAccessPermitted(0x100, 0x100) {
		t.Fatalf("unrelated port permitted")
	}
}

func TestBuildPortMapEndToEnd(t *testing.T) {
	cfg := &PassthroughConfig{
		Passthrough: []PassthroughRangeConfig{{GuestStart: 0x300, HostStart: 0x3f0, Count: 0x10}},
		Permitted:   []PermittedRangeConfig{{Start: 0x3f0, Count: 0x10}},
	}

	ports := &fakeHostPorts{readValue: 0x77}
	m, err := cfg.BuildPortMap(ports, newFakeMemory(0x1000))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	req := &ioreq.Request{Type: ioreq.TypePIO, Addr: 0x305, Count: 1, Size: 1, Dir: ioreq.DirRead}
	if res := m.Intercept(req); res != InterceptHandled {
		t.Fatalf("result %d, want handled", res)
	}
	if req.Data != 0x77 {
		t.Fatalf("read value %#x", req.Data)
	}

	// Outside the permitted table the same mapping denies.
	req = &ioreq.Request{Type: ioreq.TypePIO, Addr: 0x30f, Count: 1, Size: 4, Dir: ioreq.DirRead}
	if res := m.Intercept(req); res != InterceptDenied {
		t.Fatalf("straddling access result %d, want denied", res)
	}
}
