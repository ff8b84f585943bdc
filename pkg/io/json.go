package io

import (
	"context"
	"encoding/json"
	stdio "io"
	"sync"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
)

// JSONWriter writes one alert per line.
type JSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   stdio.Closer
}

// NewJSONWriter writes to w. If w is also an io.Closer, Close closes it.
func NewJSONWriter(w stdio.Writer) *JSONWriter {
	jw := &JSONWriter{enc: json.NewEncoder(w)}
	if c, ok := w.(stdio.Closer); ok {
		jw.c = c
	}
	return jw
}

// Write implements Writer.
func (w *JSONWriter) Write(ctx context.Context, alert aggregate.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(alert)
}

// WriteAll implements Writer.
func (w *JSONWriter) WriteAll(ctx context.Context, alerts []aggregate.Alert) error {
	for _, a := range alerts {
		if err := w.Write(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Writer.
func (w *JSONWriter) Close() error {
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}
