package io

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hed1ad/pfeguard/pkg/series"
)

// Memory is an in-process Source. It backs CSV replay and tests.
type Memory struct {
	mu      sync.RWMutex
	samples []series.Sample
}

// NewMemory creates a source over samples.
func NewMemory(samples ...series.Sample) *Memory {
	m := &Memory{}
	m.Add(samples...)
	return m
}

// Add appends samples.
func (m *Memory) Add(samples ...series.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
}

// Len returns the number of stored samples.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

// Devices implements Source.
func (m *Memory) Devices(ctx context.Context, start, end time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, s := range m.samples {
		if inRange(s.Time, start, end) {
			seen[s.Key.Device] = struct{}{}
		}
	}
	devices := make([]string, 0, len(seen))
	for d := range seen {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices, nil
}

// Query implements Source.
func (m *Memory) Query(ctx context.Context, q series.Query) ([]series.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []series.Sample
	for _, s := range m.samples {
		if q.Matches(s.Key) && inRange(s.Time, q.Start, q.End) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close implements Source.
func (m *Memory) Close() error {
	return nil
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
