package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventsHandler streams engine events over websockets.
type EventsHandler struct {
	engine   Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(engine Engine, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Close ends every open stream with a going-away close frame.
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream handles GET /v1/events/ws. With job_id set only that job's events
// are sent and the connection is closed after its final event; a job that
// has already finished gets its final snapshot and an immediate close.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")

	// Subscribe before looking the job up so nothing is missed in between.
	sub := h.engine.Subscribe(jobID)
	defer h.engine.Unsubscribe(sub)

	var finished *models.Job
	if jobID != "" {
		job, err := h.engine.GetJob(jobID)
		if err != nil {
			h.engine.Unsubscribe(sub)
			if errors.Is(err, store.ErrNotFound) {
				apierrors.Write(w, r, apierrors.NewNotFoundError("Job not found"))
				return
			}
			apierrors.Write(w, r, apierrors.NewInternalError("Failed to get job"))
			return
		}
		// A cancelled job reports its final status before its runner has
		// settled the stages; only FinishedAt marks the final snapshot.
		if job.FinishedAt != nil {
			finished = job
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLog(h.logger, r).Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	logger := jobLog(h.logger, r, jobID).With("subscriber_id", sub.ID)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	if finished != nil {
		typ := models.EventJobCompleted
		if finished.StartedAt == nil {
			typ = models.EventJobCancelled
		}
		ev := models.Event{
			Type:         typ,
			JobID:        finished.ID,
			RepositoryID: finished.RepositoryID,
			Status:       string(finished.Status),
			Job:          finished,
			Timestamp:    time.Now(),
		}
		if writeEvent(conn, ev) == nil {
			closeNormal(conn)
		}
		return
	}

	// The read loop only exists to notice the client going away and to
	// process control frames.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-h.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				closeNormal(conn)
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
			if _, final := events.Final(ev); final && jobID != "" {
				closeNormal(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
