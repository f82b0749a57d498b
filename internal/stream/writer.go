package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"prompt-bridge/internal/models"
)

// ErrTerminated is returned for writes attempted after the terminator.
var ErrTerminated = errors.New("stream already terminated")

var doneEvent = []byte("data: " + DoneMarker + "\n\n")

// Writer emits client-facing events. It guarantees the terminator is written
// at most once and that nothing follows it.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	done    bool
	err     error
}

// NewWriter wraps w. If w implements http.Flusher every event is flushed as
// soon as it is written.
func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Token emits a {"token": ...} event. Empty tokens are dropped.
func (s *Writer) Token(token string) error {
	if token == "" {
		return nil
	}
	return s.writeJSON(models.TokenEvent{Token: token})
}

// Error emits an {"error": ...} event.
func (s *Writer) Error(message string) error {
	return s.writeJSON(models.ErrorEvent{Error: message})
}

// Done writes the terminator. Calls after the first are no-ops.
func (s *Writer) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.done = true
	if s.err != nil {
		return s.err
	}
	return s.writeLocked(doneEvent)
}

// Terminated reports whether Done has been called.
func (s *Writer) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the first write error, typically a disconnected client.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Writer) writeJSON(payload any) error {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	// Encode terminates with a single newline; the event needs a blank line.
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return ErrTerminated
	}
	if s.err != nil {
		return s.err
	}
	return s.writeLocked(buf.Bytes())
}

func (s *Writer) writeLocked(data []byte) error {
	if _, err := s.w.Write(data); err != nil {
		s.err = fmt.Errorf("write SSE data: %w", err)
		return s.err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
