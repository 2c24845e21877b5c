package ingestion

import (
	"net/http"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer in front of the handler.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type  string               `json:"type"`
	Event *ProgressEvent       `json:"event,omitempty"`
	Job   *domain.IngestionJob `json:"job,omitempty"`
}

// handleEvents streams progress events for a job until it finishes or the client leaves.
// The first and last messages carry the full job.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if h.jobs == nil {
		http.Error(w, "async ingestion is not enabled", http.StatusNotImplemented)
		return
	}
	events, unsubscribe, err := h.jobs.Subscribe(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	if !h.writeJob(conn, jobID) {
		return
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.writeJob(conn, jobID)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Type: "progress", Event: &event}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (h *Handler) writeJob(conn *websocket.Conn, jobID uuid.UUID) bool {
	job, err := h.jobs.Get(jobID)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(wsMessage{Type: "job", Job: &job}) == nil
}
