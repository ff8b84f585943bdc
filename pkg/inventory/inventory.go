// Package inventory reads the collector's router list.
package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Router is one entry of routers.yaml.
type Router struct {
	Hostname string `yaml:"hostname"`
}

// Inventory is the set of polled devices.
type Inventory struct {
	Routers []Router
}

// Load reads a routers.yaml file:
//
//	- hostname: mx1
//	- hostname: mx2
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Parse decodes routers.yaml content.
func Parse(data []byte) (*Inventory, error) {
	var routers []Router
	if err := yaml.Unmarshal(data, &routers); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	for i, r := range routers {
		if strings.TrimSpace(r.Hostname) == "" {
			return nil, fmt.Errorf("parse inventory: entry %d has no hostname", i)
		}
	}
	return &Inventory{Routers: routers}, nil
}

// Devices returns the distinct hostnames, sorted.
func (inv *Inventory) Devices() []string {
	seen := make(map[string]struct{}, len(inv.Routers))
	out := make([]string, 0, len(inv.Routers))
	for _, r := range inv.Routers {
		h := strings.TrimSpace(r.Hostname)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
