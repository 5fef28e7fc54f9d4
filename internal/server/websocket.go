package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/metrics"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-reasoner/pkg/types"
)

const (
	wsRequestWait = 30 * time.Second // time allowed for the client's request frame
	wsWriteWait   = 10 * time.Second
)

// devOrigins are accepted when no origins are configured.
var devOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds the WebSocket upgrader for the configured origins.
// Requests without an Origin header come from non-browser clients and are
// accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = devOrigins
	}
	wildcard := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			_, ok := set[strings.ToLower(origin)]
			return ok
		},
	}
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn          *websocket.Conn
	correlationID string
	requestID     string // set once the request is subscribed
}

func (c *wsConn) send(msg *types.StreamMessage) error {
	msg.CorrelationID = c.correlationID
	msg.RequestID = c.requestID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) sendError(code, msg string) error {
	return c.send(&types.StreamMessage{
		Type:  types.StreamError,
		Error: &types.ErrorResponse{Error: msg, Code: code, CorrelationID: c.correlationID},
	})
}

// handleWebSocket handles GET /ws/orchestrate. The client sends one
// OrchestrateRequest; the server streams a step frame per reasoning step,
// then a response or error frame, then closes the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	defer conn.Close()

	c := &wsConn{conn: conn, correlationID: audit.GetCorrelationID(r.Context())}
	log := s.logger.With(zap.String("correlation_id", c.correlationID))

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req types.OrchestrateRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Debug("websocket request read failed", zap.Error(err))
		_ = c.sendError(types.CodeInvalidRequest, "invalid request frame")
		return
	}
	if err := s.validateRequest(&req); err != nil {
		_ = c.sendError(types.CodeInvalidRequest, err.Error())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if s.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	// Client disconnects and server shutdown abort the query.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	sub := s.engine.Subscribe()
	defer s.engine.Unsubscribe(sub)
	c.requestID = sub.RequestID
	svc := s.serviceContext(r, &req)
	svc.RequestID = sub.RequestID

	type result struct {
		resp *engine.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.engine.ProcessQuery(ctx, req.SessionID, req.Prompt, svc)
		done <- result{resp, err}
	}()

	streaming := true
	for ev := range sub.Ch {
		if !streaming || ev.Type != engine.EventStep {
			continue
		}
		if err := c.send(&types.StreamMessage{
			Type:      types.StreamStep,
			Phase:     string(ev.Phase),
			Step:      ev.Step,
			Timestamp: ev.Timestamp,
		}); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			streaming = false
			cancel()
		}
	}

	res := <-done
	if !streaming {
		return
	}
	if res.err != nil {
		status, code, msg := errorStatus(res.err)
		if status == http.StatusInternalServerError {
			log.Error("websocket orchestrate failed", zap.Error(res.err))
		}
		_ = c.sendError(code, msg)
	} else {
		_ = c.send(&types.StreamMessage{Type: types.StreamResponse, Response: res.resp})
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
