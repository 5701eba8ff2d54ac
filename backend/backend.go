// Package backend holds the concrete transports behind the canbus.Bus
// abstraction: the socketcand network daemon, the Kvaser native driver,
// SLCAN serial adapters, SocketCAN (linux) and an in-memory loopback.
package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dynaman/canbus"
)

// Info describes a registered backend.
type Info struct {
	Name        string
	Description string
	New         func(*canbus.Config) (canbus.Backend, error)
}

func (i *Info) String() string {
	return fmt.Sprintf("%s | %s", i.Name, i.Description)
}

var backendMap = make(map[string]*Info)

// Register adds a backend to the registry. Backends register themselves
// from init; Register fails on duplicate names.
func Register(info *Info) error {
	if _, found := backendMap[info.Name]; found {
		return fmt.Errorf("backend %s already registered", info.Name)
	}
	backendMap[info.Name] = info
	return nil
}

// New creates a backend by name with defaults applied to cfg.
func New(name string, cfg *canbus.Config) (canbus.Backend, error) {
	cfg.ApplyDefaults()
	if info, found := backendMap[name]; found {
		return info.New(cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

// List returns the registered backend names, sorted.
func List() []string {
	var out []string
	for name := range backendMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}
