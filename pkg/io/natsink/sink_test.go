package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
	"github.com/hed1ad/pfeguard/pkg/rules"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs    []message
	flushes int
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{subject, data})
	return nil
}

func (f *fakePublisher) FlushTimeout(time.Duration) error {
	f.flushes++
	return nil
}

func alert(id, device string) aggregate.Alert {
	return aggregate.Alert{
		ID:         id,
		Device:     device,
		Slot:       "0",
		Exception:  "sw_error",
		Rule:       rules.Spike,
		Severity:   rules.High,
		DetectedAt: time.Date(2024, 3, 6, 14, 0, 0, 0, time.UTC),
	}
}

func TestWriteAll(t *testing.T) {
	pub := &fakePublisher{}
	s := New(DefaultConfig(), pub)

	require.NoError(t, s.WriteAll(context.Background(), []aggregate.Alert{alert("a", "mx1"), alert("b", "core.mx2")}))
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, 1, pub.flushes)

	assert.Equal(t, "pfe.alerts.mx1", pub.msgs[0].subject)
	assert.Equal(t, "pfe.alerts.core_mx2", pub.msgs[1].subject)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, "a", got["id"])
	assert.Equal(t, "HIGH", got["severity"])

	assert.NoError(t, s.Close())
}

func TestWriteErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection closed")}
	s := New(DefaultConfig(), pub)
	assert.ErrorContains(t, s.Write(context.Background(), alert("a", "mx1")), "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := &fakePublisher{}
	assert.ErrorIs(t, New(DefaultConfig(), ok).Write(ctx, alert("a", "mx1")), context.Canceled)
	assert.Empty(t, ok.msgs)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SubjectPrefix = "pfe.*"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.URL = ""
	assert.Error(t, cfg.Validate())
}
