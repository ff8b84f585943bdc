// Package io defines where counter samples come from and where alerts go.
package io

import (
	"context"
	"time"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Source is a read-only view of the PFE counter history.
type Source interface {
	// Devices lists the devices that reported samples in [start, end].
	Devices(ctx context.Context, start, end time.Time) ([]string, error)

	// Query returns the samples selected by q. Order is not guaranteed and
	// gaps are legal.
	Query(ctx context.Context, q series.Query) ([]series.Sample, error)

	// Close releases resources.
	Close() error
}

// Writer publishes alerts.
type Writer interface {
	// Write outputs a single alert.
	Write(ctx context.Context, alert aggregate.Alert) error

	// WriteAll outputs alerts in order.
	WriteAll(ctx context.Context, alerts []aggregate.Alert) error

	// Close releases resources.
	Close() error
}
