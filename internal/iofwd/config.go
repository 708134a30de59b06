package iofwd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hvio/internal/hv"
)

// PassthroughRangeConfig is one guest-to-host port mapping in the config
// file.
type PassthroughRangeConfig struct {
	GuestStart uint16 `yaml:"guest_start"`
	HostStart  uint16 `yaml:"host_start"`
	Count      uint32 `yaml:"count"`
}

// PermittedRangeConfig is one permitted host port range.
type PermittedRangeConfig struct {
	Start uint16 `yaml:"start"`
	Count uint32 `yaml:"count"`
}

// PassthroughConfig describes the passthrough port setup for a domain: which
// guest port ranges map to which host ports, and which host ranges the
// domain is permitted to touch at all.
type PassthroughConfig struct {
	Passthrough []PassthroughRangeConfig `yaml:"passthrough"`
	Permitted   []PermittedRangeConfig   `yaml:"permitted"`
}

// LoadPassthroughConfig reads and validates a passthrough YAML file.
func LoadPassthroughConfig(path string) (*PassthroughConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("iofwd: read passthrough config: %w", err)
	}

	var cfg PassthroughConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("iofwd: parse passthrough config %q: %w", path, err)
	}

	for _, r := range cfg.Passthrough {
		if r.Count == 0 {
			return nil, fmt.Errorf("iofwd: passthrough range at %#x has zero length", r.GuestStart)
		}
	}
	for _, r := range cfg.Permitted {
		if r.Count == 0 {
			return nil, fmt.Errorf("iofwd: permitted range at %#x has zero length", r.Start)
		}
	}

	return &cfg, nil
}

// StaticPermissions is a fixed permitted-host-port-range table.
type StaticPermissions []PermittedRangeConfig

// PortAccessPermitted reports whether the inclusive range [start, end] lies
// entirely within one permitted range.
func (p StaticPermissions) PortAccessPermitted(start, end uint16) bool {
	for _, r := range p {
		last := uint32(r.Start) + r.Count - 1
		if uint32(start) >= uint32(r.Start) && uint32(end) <= last {
			return true
		}
	}
	return false
}

var _ hv.PortPermissions = StaticPermissions(nil)

// BuildPortMap materializes the configured mappings into a PortMap backed by
// the given host port access and guest memory.
func (c *PassthroughConfig) BuildPortMap(ports hv.HostPortIO, mem hv.GuestMemory) (*PortMap, error) {
	m, err := NewPortMap(ports, StaticPermissions(c.Permitted), mem)
	if err != nil {
		return nil, err
	}
	for _, r := range c.Passthrough {
		if err := m.Add(PortRange{GuestStart: r.GuestStart, HostStart: r.HostStart, Count: r.Count}); err != nil {
			return nil, err
		}
	}
	return m, nil
}
