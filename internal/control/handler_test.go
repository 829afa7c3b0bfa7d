package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu           sync.Mutex
	handler      func([]byte)
	unsubscribed bool
	published    []Response
}

func (f *fakeTransport) Subscribe(topic string, qos byte, fn func(payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeTransport) Publish(topic string, qos byte, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, resp)
	return nil
}

func (f *fakeTransport) deliver(payload string) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	fn([]byte(payload))
}

func (f *fakeTransport) responses() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.published...)
}

func TestHandlerDispatchesCommands(t *testing.T) {
	transport := &fakeTransport{}
	var ended, rotated int
	h := NewHandler(Config{CommandTopic: "cmd", ResponseTopic: "resp", QoS: 1}, transport, Callbacks{
		OnGetStatus: func() any { return map[string]string{"state": "running"} },
		OnRotateSegment: func(ctx context.Context) error {
			rotated++
			return errors.New("not recording")
		},
		OnEndSession: func() error {
			ended++
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	transport.deliver(`{"command":"get_status"}`)
	transport.deliver(`{"command":"rotate_segment"}`)
	transport.deliver(`{"command":"end_session"}`)
	transport.deliver(`{"command":"self_destruct"}`)

	require.Eventually(t, func() bool { return len(transport.responses()) == 4 }, time.Second, time.Millisecond)

	got := transport.responses()
	assert.Equal(t, "success", got[0].Status)
	assert.Equal(t, map[string]any{"state": "running"}, got[0].Data)

	assert.Equal(t, "error", got[1].Status)
	assert.Equal(t, "not recording", got[1].Error)

	assert.Equal(t, "stopping", got[2].Status)
	assert.Equal(t, "error", got[3].Status)
	assert.Contains(t, got[3].Error, "unknown command")

	assert.Equal(t, 1, ended)
	assert.Equal(t, 1, rotated)
	assert.Equal(t, uint64(1), h.Handled()["end_session"])

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.True(t, transport.unsubscribed)
}

func TestHandlerRejectsInvalidJSON(t *testing.T) {
	transport := &fakeTransport{}
	h := NewHandler(Config{CommandTopic: "cmd", ResponseTopic: "resp"}, transport, Callbacks{})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	transport.deliver(`{not json`)
	transport.deliver(`{"command":"get_status"}`)

	require.Eventually(t, func() bool { return len(transport.responses()) == 2 }, time.Second, time.Millisecond)
	got := transport.responses()
	assert.Equal(t, "invalid JSON", got[0].Error)
	assert.Equal(t, "get_status not implemented", got[1].Error)
	assert.NotEmpty(t, got[1].Timestamp)
}
