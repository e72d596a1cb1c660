// ABOUTME: Server-Sent Events stream of request lifecycle events for approver dashboards
// ABOUTME: Sends a connected event, forwards broadcasts, and writes periodic heartbeats

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/greyzone/greyzone/internal/events"
)

// StreamEvent is the data payload of one SSE event.
type StreamEvent struct {
	Type    string       `json:"type"`
	Request *RequestView `json:"request,omitempty"`
	At      time.Time    `json:"at"`
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
	return err
}

// handleEvents streams lifecycle events until the client disconnects or the
// gateway shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch, subID := g.broadcaster.Subscribe(ctx)
	defer g.broadcaster.Unsubscribe(subID)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := g.writeSSEEvent(w, "connected", StreamEvent{Type: "connected", At: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	g.logger.Debug("event stream opened", "sub_id", subID, "remote", r.RemoteAddr)
	defer g.logger.Debug("event stream closed", "sub_id", subID)

	heartbeat := time.NewTicker(g.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, string(ev.Type), streamEvent(ev)); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func streamEvent(ev events.Event) StreamEvent {
	return StreamEvent{
		Type:    string(ev.Type),
		Request: requestView(ev.Request),
		At:      ev.At,
	}
}
