// ABOUTME: Tests for the Server-Sent Events stream and SSE formatting
// ABOUTME: Reads a live stream over httptest and checks lifecycle events and heartbeats

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	event   string
	data    string
	comment string
}

// readFrames parses frames from an SSE body onto a channel until it ends.
func readFrames(body *bufio.Reader) <-chan sseFrame {
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		var f sseFrame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				out <- f
				f = sseFrame{}
			case strings.HasPrefix(line, ":"):
				f.comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func openStream(t *testing.T, tg *testGateway) <-chan sseFrame {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	return readFrames(bufio.NewReader(resp.Body))
}

// nextEvent returns the next frame that names an event, skipping heartbeats.
func nextEvent(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended")
			if f.event != "" {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventStream(t *testing.T) {
	tg := newTestGateway(t, nil)
	frames := openStream(t, tg)

	connected := nextEvent(t, frames)
	assert.Equal(t, "connected", connected.event)

	created := tg.submit(t, "echo streamed")

	f := nextEvent(t, frames)
	require.Equal(t, "new_request", f.event)
	var ev StreamEvent
	require.NoError(t, json.Unmarshal([]byte(f.data), &ev))
	assert.Equal(t, "new_request", ev.Type)
	require.NotNil(t, ev.Request)
	assert.Equal(t, created.ID, ev.Request.ID)
	assert.Equal(t, "pending", ev.Request.Status)

	status := tg.do(t, http.MethodPost, "/api/requests/"+created.ID+"/deny", nil, nil)
	require.Equal(t, http.StatusOK, status)

	f = nextEvent(t, frames)
	require.Equal(t, "request_updated", f.event)
	require.NoError(t, json.Unmarshal([]byte(f.data), &ev))
	assert.Equal(t, "denied", ev.Request.Status)
}

func TestEventStream_ApproveAllRefresh(t *testing.T) {
	tg := newTestGateway(t, nil)
	authn, _ := tg.registerDevice(t, "Laptop")
	tg.submit(t, "echo one")
	tg.submit(t, "echo two")

	frames := openStream(t, tg)
	require.Equal(t, "connected", nextEvent(t, frames).event)

	status := tg.do(t, http.MethodPost, "/api/requests/approve-all", tg.assertion(t, authn), nil)
	require.Equal(t, http.StatusOK, status)

	f := nextEvent(t, frames)
	assert.Equal(t, "refresh", f.event)
}

func TestEventStream_Heartbeat(t *testing.T) {
	tg := newTestGateway(t, nil, func(g *Gateway) {
		g.heartbeatInterval = 20 * time.Millisecond
	})
	frames := openStream(t, tg)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended")
			if f.comment == "heartbeat" {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestEventStream_EndsOnShutdown(t *testing.T) {
	tg := newTestGateway(t, nil)
	frames := openStream(t, tg)
	require.Equal(t, "connected", nextEvent(t, frames).event)

	require.NoError(t, tg.gw.Shutdown(context.Background()))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream still open after shutdown")
		}
	}
}

func TestFormatSSEEvent(t *testing.T) {
	got := formatSSEEvent("new_request", `{"id":"req_1"}`)
	assert.Equal(t, "event: new_request\ndata: {\"id\":\"req_1\"}\n\n", got)
}
