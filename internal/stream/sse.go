// Package stream serves the alert and maneuver-plan feeds over Server-Sent
// Events. Each feed event becomes one SSE frame:
//
//	id: 42
//	event: alert
//	data: {"seq":42,"at":"2026-04-02T12:00:00Z","type":"alert","data":{...}}
//
// The feed sequence number doubles as the SSE event id, so a reconnecting
// client resumes from its Last-Event-ID header and receives every retained
// event it missed. ?since=N does the same for clients that track sequence
// numbers themselves. Without either the stream starts live at the feed's
// current head. The first frame on every connection is a metadata message
// naming the feed and its latest sequence; keep-alive comments (":\n\n") go
// out every KeepaliveInterval.
package stream

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/kessler/internal/feed"
	"github.com/star/kessler/internal/httputil"
	"github.com/star/kessler/internal/metrics"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // concurrent streams per client IP (default: 10)
	MaxTotal           int           // concurrent streams across all clients (default: 1000)
	KeepaliveInterval  time.Duration // keep-alive comment interval (default: 30s)
	SubscriberBuffer   int           // live event buffer per connection (default: 64)
	TrustProxy         bool          // trust X-Forwarded-For / X-Real-IP for client IPs
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerIP <= 0 {
		c.MaxConcurrentPerIP = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 1000
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

// Handler manages SSE streaming connections.
type Handler struct {
	config  Config
	limiter *limiter
	logger  *slog.Logger
}

// NewHandler creates a streaming handler.
func NewHandler(config Config, logger *slog.Logger) *Handler {
	config = config.withDefaults()
	return &Handler{
		config:  config,
		limiter: newLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger,
	}
}

// Feed returns an SSE handler streaming the given feed.
func (h *Handler) Feed(log *feed.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, log)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, log *feed.Log) {
	since, err := resumeSeq(r, log)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"feed", log.Name(),
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		httputil.Error(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.limiter.release(ip)
		httputil.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"feed", log.Name(),
		"remote_ip", ip,
		"since", since,
		"user_agent", r.Header.Get("User-Agent"),
	)

	// Cleanup on disconnect: release the rate limit slot and update metrics.
	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"feed", log.Name(),
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := newWriter(w, flusher, h.logger)

	// Clear the server's WriteTimeout for this connection; the writer sets a
	// fresh deadline per write instead.
	if err := sw.rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	// Jittered retry interval (3-7s) spreads reconnection storms after a
	// server restart.
	if err := sw.sendRetry(3000 + rand.Intn(4000)); err != nil {
		metrics.IncStreamErrors("send_error")
		return
	}

	// Subscribe before replaying so no event falls in the gap between the
	// replay snapshot and the live channel. Events covered by both are sent
	// once; the loop below skips live duplicates by sequence number.
	events, cancelSub := log.Subscribe(h.config.SubscriberBuffer)
	defer cancelSub()

	meta := metadataMessage{
		Type:      "metadata",
		Feed:      log.Name(),
		LatestSeq: log.LatestSeq(),
	}
	if err := sw.sendJSON("metadata", meta); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error", "feed", log.Name(), "remote_ip", ip, "error", err)
		return
	}

	lastSent := since
	for _, ev := range log.Since(since) {
		if err := sw.sendEvent(ev); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error", "feed", log.Name(), "remote_ip", ip, "error", err)
			return
		}
		lastSent = ev.Seq
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= lastSent {
				continue // already replayed
			}
			if err := sw.sendEvent(ev); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "feed", log.Name(), "remote_ip", ip, "error", err)
				return
			}
			lastSent = ev.Seq

			// Reset keepalive since we just sent data.
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := sw.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "feed", log.Name(), "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// resumeSeq picks where replay starts: the Last-Event-ID header (set by
// EventSource on reconnect) wins, then an explicit ?since query, else the
// feed's latest sequence so the stream starts live.
func resumeSeq(r *http.Request, log *feed.Log) (uint64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", v)
		}
		return seq, nil
	}
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid since parameter %q", v)
		}
		return seq, nil
	}
	return log.LatestSeq(), nil
}

// metadataMessage is the first frame on every connection.
type metadataMessage struct {
	Type      string `json:"type"`
	Feed      string `json:"feed"`
	LatestSeq uint64 `json:"latest_seq"`
}
