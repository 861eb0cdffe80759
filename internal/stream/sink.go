// internal/stream/sink.go
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/user/convoy/internal/protocol"
)

// Sink writes frames to a live consumer. A write error means the consumer
// is gone and the turn must stop producing.
type Sink interface {
	Write(ctx context.Context, f protocol.Frame) error
}

// SSESink writes text/event-stream frames.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink sets the event-stream headers and commits the response.
func NewSSESink(w http.ResponseWriter) *SSESink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	s := &SSESink{w: w, flusher: f}
	s.flush()
	return s
}

func (s *SSESink) Write(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flush()
	return nil
}

func (s *SSESink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// NDJSONSink writes one JSON document per line.
type NDJSONSink struct {
	w       io.Writer
	flusher http.Flusher
}

func NewNDJSONSink(w http.ResponseWriter) *NDJSONSink {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &NDJSONSink{w: w, flusher: f}
}

func (s *NDJSONSink) Write(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := make([]byte, 0, len(f.Data)+1)
	line = append(line, f.Data...)
	line = append(line, '\n')
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write ndjson frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WebSocketSink sends each frame as one text message.
type WebSocketSink struct {
	conn *websocket.Conn
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Write(ctx context.Context, f protocol.Frame) error {
	if err := s.conn.Write(ctx, websocket.MessageText, f.Data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f protocol.Frame) error

func (fn SinkFunc) Write(ctx context.Context, f protocol.Frame) error {
	return fn(ctx, f)
}
