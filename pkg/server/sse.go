package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// sseWriter frames events as text/event-stream. Headers go out on the
// first event, so pre-stream failures can still respond with plain JSON.
// Event ids are strictly increasing decimal strings starting at "0".
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	nextID  int64
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) WriteEvent(event, data string) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(strconv.FormatInt(s.nextID, 10))
	b.WriteString("\nevent: ")
	b.WriteString(event)
	b.WriteString("\n")
	// Multi-line payloads need one data: line per line to stay valid SSE.
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.nextID++
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
