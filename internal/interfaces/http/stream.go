package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/advisor/internal/saga"
)

// StreamSSE handles GET /sagas/{id}/stream: a server-sent-events feed of
// step transitions, replayed from the start and then live. The
// orchestrator guarantees order and closes the live channel once the saga
// reaches a terminal status.
func (h *Handlers) StreamSSE(w http.ResponseWriter, r *http.Request) {
	replay, live, unsubscribe, err := h.svc.Orchestrator().Subscribe(mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	h.metrics.StreamSubscribers.Inc()
	defer h.metrics.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, tr := range replay {
		writeSSE(w, tr)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case tr, open := <-live:
			if !open {
				return
			}
			writeSSE(w, tr)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, tr saga.Transition) {
	data, err := json.Marshal(tr)
	if err != nil {
		log.Error().Err(err).Str("saga_id", tr.SagaID).Msg("encoding transition")
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: transition\ndata: %s\n\n", tr.Seq, data)
}

// StreamWS handles GET /sagas/{id}/ws: the same transition feed over a
// websocket, one JSON message per transition.
func (h *Handlers) StreamWS(w http.ResponseWriter, r *http.Request) {
	replay, live, unsubscribe, err := h.svc.Orchestrator().Subscribe(mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()

	h.metrics.StreamSubscribers.Inc()
	defer h.metrics.StreamSubscribers.Dec()

	// Reader loop: the client sends nothing meaningful, but reading is
	// required to process control frames and observe disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, tr := range replay {
		if err := conn.WriteJSON(tr); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case tr, open := <-live:
			if !open {
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "saga reached terminal status")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if err := conn.WriteJSON(tr); err != nil {
				return
			}
		}
	}
}
