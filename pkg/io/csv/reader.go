// Package csv replays PFE counter samples from CSV exports.
//
// Rows are timestamp,device,slot,exception,count. Timestamps are RFC 3339
// or unix seconds. Exception names are normalized on read.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/series"
)

const columns = 5

// Reader reads samples from a CSV file.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	skipped   int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// NewReader opens filename.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r := newReader(file, opts...)
	r.file = file

	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func newReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) readHeader() error {
	if !r.hasHeader {
		return nil
	}
	headers, err := r.reader.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	r.headers = headers
	return nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns how many malformed rows Read dropped.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns every well-formed sample. Malformed rows are skipped.
func (r *Reader) Read() ([]series.Sample, error) {
	var samples []series.Sample

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		s, err := parseRow(record)
		if err != nil {
			r.skipped++
			continue
		}
		samples = append(samples, s)
	}

	return samples, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

var _ pfeio.Source = (*Source)(nil)

// Source is a replayable Source loaded from one CSV file.
type Source struct {
	*pfeio.Memory
	skipped int
}

// Open loads filename into memory.
func Open(filename string, opts ...Option) (*Source, error) {
	r, err := NewReader(filename, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	samples, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return &Source{Memory: pfeio.NewMemory(samples...), skipped: r.Skipped()}, nil
}

// Skipped returns how many malformed rows were dropped while loading.
func (s *Source) Skipped() int {
	return s.skipped
}

// parseRow converts one record into a sample.
func parseRow(record []string) (series.Sample, error) {
	if len(record) != columns {
		return series.Sample{}, fmt.Errorf("want %d fields, got %d", columns, len(record))
	}

	ts, err := parseTime(strings.TrimSpace(record[0]))
	if err != nil {
		return series.Sample{}, err
	}
	count, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
	if err != nil {
		return series.Sample{}, err
	}
	if count < 0 {
		return series.Sample{}, errors.New("negative counter")
	}

	key := series.Key{
		Device:    strings.TrimSpace(record[1]),
		Slot:      strings.TrimSpace(record[2]),
		Exception: series.NormalizeException(record[3]),
	}
	if key.Device == "" || key.Exception == "" {
		return series.Sample{}, errors.New("empty device or exception")
	}

	return series.Sample{Key: key, Time: ts, Count: count}, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: not RFC 3339 or unix seconds", v)
	}
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC(), nil
}
