// Package natsink publishes alerts to NATS, one JSON message per alert on
// <prefix>.<device>.
package natsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
	pfeio "github.com/hed1ad/pfeguard/pkg/io"
)

// Config holds NATS settings.
type Config struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// DefaultConfig returns a local NATS server and the pfe.alerts prefix.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "pfe.alerts",
		FlushTimeout:  5 * time.Second,
	}
}

// Validate checks required settings.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("nats url is required")
	case c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>"):
		return fmt.Errorf("invalid nats subject prefix %q", c.SubjectPrefix)
	case c.FlushTimeout <= 0:
		return fmt.Errorf("nats flush_timeout must be positive")
	}
	return nil
}

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

var _ pfeio.Writer = (*Sink)(nil)

// Sink writes alerts to NATS.
type Sink struct {
	cfg  Config
	pub  Publisher
	conn *nats.Conn
}

// Connect dials cfg.URL.
func Connect(cfg Config) (*Sink, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("pfeguard"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Sink{cfg: cfg, pub: conn, conn: conn}, nil
}

// New wraps an existing publisher.
func New(cfg Config, pub Publisher) *Sink {
	return &Sink{cfg: cfg, pub: pub}
}

// Subject returns the subject alerts for device are published on.
func (s *Sink) Subject(device string) string {
	return s.cfg.SubjectPrefix + "." + subjectToken(device)
}

// Write implements io.Writer.
func (s *Sink) Write(ctx context.Context, alert aggregate.Alert) error {
	if err := s.publish(ctx, alert); err != nil {
		return err
	}
	return s.pub.FlushTimeout(s.cfg.FlushTimeout)
}

// WriteAll implements io.Writer. Alerts are flushed once at the end.
func (s *Sink) WriteAll(ctx context.Context, alerts []aggregate.Alert) error {
	for _, a := range alerts {
		if err := s.publish(ctx, a); err != nil {
			return err
		}
	}
	return s.pub.FlushTimeout(s.cfg.FlushTimeout)
}

// Close drains the connection if the sink owns one.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn.Close()
	return err
}

func (s *Sink) publish(ctx context.Context, alert aggregate.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	if err := s.pub.Publish(s.Subject(alert.Device), data); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// subjectToken makes a device name safe as one subject token.
func subjectToken(device string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t':
			return '_'
		}
		return r
	}, device)
}
