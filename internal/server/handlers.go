package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kansoku/internal/broadcast"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline            Pipeline
	hub                 *broadcast.Hub
	broker              *Broker
	upgrader            websocket.Upgrader
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	writeWait           time.Duration
	pingInterval        time.Duration
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.pipeline.Status(r.Context())
	state, gaps := Evaluate(st)

	httpStatus := http.StatusOK
	if state == HealthStalled || state == HealthDrained {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, HealthResponse{
		Status:      state,
		Version:     h.version,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
		InFlight:    st.Frames.InFlight,
		FlushCursor: st.Output.FlushCursor,
		Subscribers: st.Stream.Subscribers,
		Gaps:        gaps,
	})
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, StatusResponse{
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
		Status:  h.pipeline.Status(r.Context()),
	})
}

// HandleBasis handles POST /v1/basis. An empty body flags the next frame.
func (h *Handlers) HandleBasis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.BasisRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	n, err := h.pipeline.RequestBasis(req.FrameNumber)
	switch {
	case errors.Is(err, model.ErrUsage):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	case errors.Is(err, model.ErrClosed), errors.Is(err, model.ErrDraining):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("basis request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "basis request failed")
		return
	}

	h.logger.Info("basis requested", "frame", n, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusAccepted, model.BasisResponse{FrameNumber: n})
}

// HandleStream handles GET /v1/stream (WebSocket). Each emitted record is one
// text message. The connection starts with the latest basis and the diffs
// since it.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		h.logger.Warn("stream upgrade failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	conn := newWSConn(ws, h.writeWait)
	id, err := h.hub.Attach(conn)
	if err != nil {
		_ = conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.hub.Detach(id)

	conn.serve(h.pingInterval)
}

// HandleStorageEvents handles GET /v1/storage/events (SSE). Each event
// announces a batch committed to Postgres.
func (h *Handlers) HandleStorageEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"storage events not available (Postgres LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived: lift the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
