package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEventStream upgrades the request to a websocket and forwards
// store events as JSON messages until the client disconnects. An optional
// document query parameter narrows the stream to one document.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	documentID := r.URL.Query().Get("document")
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.TokenSecret, documentID, "events:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.store.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "store closed")
				return
			}
			if documentID != "" && event.DocumentID != documentID {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
