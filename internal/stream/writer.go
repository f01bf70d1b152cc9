package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/metrics"
)

// writeDeadline bounds each individual SSE write. The server's WriteTimeout
// is cleared for stream connections, so this is the only limit on a stalled
// client.
const writeDeadline = 30 * time.Second

// writer manages a single SSE connection's write operations.
type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger
}

func newWriter(w http.ResponseWriter, flusher http.Flusher, logger *slog.Logger) *writer {
	return &writer{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		logger:  logger,
	}
}

// extend pushes the write deadline out before a write so long-lived
// connections do not time out between events.
func (sw *writer) extend() {
	if err := sw.rc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		sw.logger.Debug("could not set write deadline", "error", err)
	}
}

// sendEvent writes one feed event as an SSE frame. The feed sequence number
// becomes the SSE event id so reconnecting clients can resume through the
// Last-Event-ID header.
func (sw *writer) sendEvent(ev feed.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}

	sw.extend()
	n, err := fmt.Fprintf(sw.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	sw.flusher.Flush()
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendJSON marshals v and sends it as an SSE frame without an id. Used for
// per-connection messages such as metadata that are not part of the feed.
func (sw *writer) sendJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	sw.extend()
	n, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	sw.flusher.Flush()
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendRetry tells the client how long to wait before reconnecting.
func (sw *writer) sendRetry(ms int) error {
	sw.extend()
	n, err := fmt.Fprintf(sw.w, "retry: %d\n\n", ms)
	if err != nil {
		return fmt.Errorf("retry write: %w", err)
	}

	sw.flusher.Flush()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendKeepalive sends an SSE comment line to keep the connection alive.
func (sw *writer) sendKeepalive() error {
	sw.extend()
	n, err := fmt.Fprint(sw.w, ":\n\n")
	if err != nil {
		return fmt.Errorf("keepalive write: %w", err)
	}

	sw.flusher.Flush()
	metrics.AddStreamBytes(int64(n))
	return nil
}
