// Package influx reads PFE exception counters from InfluxDB 2.x with Flux.
//
// The collector writes one point per counter:
//
//	pfe,device=mx1,slot=0,exception=bad_ipv4_hdr count=1234 <ns>
package influx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Config holds connection settings.
type Config struct {
	URL         string        `mapstructure:"url"`
	Token       string        `mapstructure:"token"`
	Org         string        `mapstructure:"org"`
	Bucket      string        `mapstructure:"bucket"`
	Measurement string        `mapstructure:"measurement"`
	Field       string        `mapstructure:"field"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the collector's defaults.
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8086",
		Org:         "juniper",
		Bucket:      "juniper",
		Measurement: "pfe",
		Field:       "count",
		Timeout:     30 * time.Second,
	}
}

// Validate checks required settings.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("influx url is required")
	case c.Org == "" || c.Bucket == "":
		return fmt.Errorf("influx org and bucket are required")
	case c.Measurement == "" || c.Field == "":
		return fmt.Errorf("influx measurement and field are required")
	case c.Timeout <= 0:
		return fmt.Errorf("influx timeout must be positive")
	}
	return nil
}

var _ pfeio.Source = (*Source)(nil)

// Source queries InfluxDB.
type Source struct {
	cfg    Config
	client influxdb2.Client
	api    api.QueryAPI
}

// New creates a source. It does not contact the server.
func New(cfg Config) *Source {
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &Source{cfg: cfg, client: client, api: client.QueryAPI(cfg.Org)}
}

// Ping checks that the server is ready.
func (s *Source) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx at %s is not ready", s.cfg.URL)
	}
	return nil
}

// Devices implements io.Source.
func (s *Source) Devices(ctx context.Context, start, end time.Time) ([]string, error) {
	result, err := s.api.Query(ctx, DevicesFlux(s.cfg, start, end))
	if err != nil {
		return nil, fmt.Errorf("influx devices: %w", err)
	}
	defer result.Close()

	var devices []string
	for result.Next() {
		if v, ok := result.Record().Value().(string); ok && v != "" {
			devices = append(devices, v)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx devices: %w", err)
	}
	sort.Strings(devices)
	return devices, nil
}

// Query implements io.Source.
func (s *Source) Query(ctx context.Context, q series.Query) ([]series.Sample, error) {
	result, err := s.api.Query(ctx, SamplesFlux(s.cfg, q))
	if err != nil {
		return nil, fmt.Errorf("influx query %s: %w", q.Device, err)
	}
	defer result.Close()

	var samples []series.Sample
	for result.Next() {
		sample, err := decode(result.Record())
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx query %s: %w", q.Device, err)
	}
	return samples, nil
}

// Close implements io.Source.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}

// SamplesFlux renders the Flux query for q. End is inclusive.
func SamplesFlux(cfg Config, q series.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(cfg.Bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", fluxTime(q.Start), fluxTime(q.End.Add(time.Nanosecond)))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s and r._field == %s)\n",
		fluxString(cfg.Measurement), fluxString(cfg.Field))
	for _, tag := range []struct{ name, value string }{
		{"device", q.Device},
		{"slot", q.Slot},
		{"exception", q.Exception},
	} {
		if tag.value != "" {
			fmt.Fprintf(&b, "  |> filter(fn: (r) => r.%s == %s)\n", tag.name, fluxString(tag.value))
		}
	}
	b.WriteString(`  |> keep(columns: ["_time", "_value", "device", "slot", "exception"])`)
	return b.String()
}

// DevicesFlux renders the Flux query listing device tag values.
func DevicesFlux(cfg Config, start, end time.Time) string {
	return fmt.Sprintf(`import "influxdata/influxdb/schema"

schema.tagValues(
  bucket: %s,
  tag: "device",
  predicate: (r) => r._measurement == %s,
  start: %s,
  stop: %s,
)`, fluxString(cfg.Bucket), fluxString(cfg.Measurement), fluxTime(start), fluxTime(end.Add(time.Nanosecond)))
}

func decode(rec *query.FluxRecord) (series.Sample, error) {
	var count float64
	switch v := rec.Value().(type) {
	case float64:
		count = v
	case int64:
		count = float64(v)
	case uint64:
		count = float64(v)
	default:
		return series.Sample{}, fmt.Errorf("influx: unexpected %T value at %s", v, rec.Time())
	}

	tag := func(name string) string {
		s, _ := rec.ValueByKey(name).(string)
		return s
	}
	return series.Sample{
		Key: series.Key{
			Device:    tag("device"),
			Slot:      tag("slot"),
			Exception: series.NormalizeException(tag("exception")),
		},
		Time:  rec.Time().UTC(),
		Count: count,
	}, nil
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
