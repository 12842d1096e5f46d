package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams a run's events to w as Server-Sent Events, one
// envelope per frame:
//
//	data: <json-encoded Event>
//
// The stream ends when the run reaches rest (the event channel closes)
// or the caller disconnects. Disconnecting releases the stream but does
// not cancel the run; that is CancelRun's job. Callers typically pass
// r.Context() as ctx.
func ServeSSE(ctx context.Context, w http.ResponseWriter, h *RunHandle) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("response writer does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	defer h.Close()
	for {
		select {
		case ev, open := <-h.Events():
			if !open {
				return nil
			}
			if err := WriteSSEEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteSSEEvent writes one event as an SSE data frame without flushing.
// Use it to compose custom streaming loops over a RunHandle.
func WriteSSEEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
