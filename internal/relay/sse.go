package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// Writer writes SSE frames to a client and flushes after each one.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	buf     bytes.Buffer
}

// NewWriter wraps w. Nothing is sent until Start or the first frame.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Start sends the event-stream headers.
func (sw *Writer) Start() error {
	if sw.started {
		return nil
	}
	sw.started = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	return sw.flush()
}

// Text writes a text delta frame.
func (sw *Writer) Text(text string) error {
	return sw.frame(model.StreamFrame{Text: text}, "text")
}

// Error writes a terminal error frame.
func (sw *Writer) Error(msg string) error {
	return sw.frame(model.StreamFrame{Error: msg}, "error")
}

// Done writes the end-of-stream sentinel.
func (sw *Writer) Done() error {
	if err := sw.Start(); err != nil {
		return err
	}
	metrics.RelayFramesTotal.WithLabelValues("done").Inc()
	return sw.write([]byte(model.DataPrefix + " " + model.DoneSentinel + "\n\n"))
}

func (sw *Writer) frame(f model.StreamFrame, kind string) error {
	if err := sw.Start(); err != nil {
		return err
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: marshal frame: %w", err)
	}
	sw.buf.Reset()
	sw.buf.WriteString(model.DataPrefix)
	sw.buf.WriteByte(' ')
	sw.buf.Write(payload)
	sw.buf.WriteString("\n\n")
	metrics.RelayFramesTotal.WithLabelValues(kind).Inc()
	return sw.write(sw.buf.Bytes())
}

func (sw *Writer) write(b []byte) error {
	if _, err := sw.w.Write(b); err != nil {
		return err
	}
	return sw.flush()
}

func (sw *Writer) flush() error {
	err := sw.rc.Flush()
	if err == http.ErrNotSupported {
		return nil
	}
	return err
}
