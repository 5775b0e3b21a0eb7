package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"
)

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Event string // The event type (from "event:" line)
	Data  string // The data payload (from "data:" line)
	ID    string // The event ID (from "id:" line)
	Retry int    // Retry interval in milliseconds (from "retry:" line)
}

// SSEResponse wraps an HTTP response with parsed SSE events
type SSEResponse struct {
	StatusCode  int
	ContentType string
	Events      []SSEEvent
	RawBody     string
}

// ParseSSEResponse parses a Server-Sent Events body into individual events.
// Events are separated by blank lines; each may carry event:, data:, id:
// and retry: fields, and data: may repeat across lines.
func ParseSSEResponse(body io.Reader) ([]SSEEvent, error) {
	var events []SSEEvent
	scanner := bufio.NewScanner(body)

	var currentEvent SSEEvent
	var dataLines []string

	flush := func() {
		if len(dataLines) > 0 || currentEvent.Event != "" || currentEvent.ID != "" {
			currentEvent.Data = strings.Join(dataLines, "\n")
			events = append(events, currentEvent)
			currentEvent = SSEEvent{}
			dataLines = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			flush()
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "id:"):
			currentEvent.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "retry:"):
			if retry, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil {
				currentEvent.Retry = retry
			}
		}
		// Lines starting with : are comments, ignore them
	}
	flush()

	return events, scanner.Err()
}

// ParseSSEResponseFromBytes parses SSE events from a byte slice
func ParseSSEResponseFromBytes(data []byte) ([]SSEEvent, error) {
	return ParseSSEResponse(bytes.NewReader(data))
}

// ParseSSEJSON attempts to parse the Data field of an SSE event as JSON
func (e *SSEEvent) ParseSSEJSON(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// GetSSE opens the streaming endpoint at path and collects events for the
// given window. The request context is canceled when the window elapses,
// which is how the stream handler learns the client went away.
func (s *TestServer) GetSSE(path string, window time.Duration, opts ...RequestOption) *SSEResponse {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	req.Header.Set("Accept", "text/event-stream")

	ctx, cancel := context.WithTimeout(req.Context(), window)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	events, _ := ParseSSEResponseFromBytes(rec.Body.Bytes())
	return &SSEResponse{
		StatusCode:  rec.Code,
		ContentType: rec.Header().Get("Content-Type"),
		Events:      events,
		RawBody:     rec.Body.String(),
	}
}

// HasEvent checks if the SSE response contains an event with the given type
func (r *SSEResponse) HasEvent(eventType string) bool {
	for _, e := range r.Events {
		if e.Event == eventType {
			return true
		}
	}
	return false
}

// GetEventsByType returns all events with the given type
func (r *SSEResponse) GetEventsByType(eventType string) []SSEEvent {
	var result []SSEEvent
	for _, e := range r.Events {
		if e.Event == eventType {
			result = append(result, e)
		}
	}
	return result
}

// FindEventWithData finds the first event where the data contains the given substring
func (r *SSEResponse) FindEventWithData(substr string) *SSEEvent {
	for i := range r.Events {
		if strings.Contains(r.Events[i].Data, substr) {
			return &r.Events[i]
		}
	}
	return nil
}

// IsSSEContentType checks if the content type is valid for SSE
func IsSSEContentType(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}
