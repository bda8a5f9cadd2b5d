package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// WebSocket message types
const (
	MessageTypeResult    = "result"
	MessageTypeError     = "error"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsMaxMessage   = 1 << 20
)

// WSRequest is one client call: an operation name and its parameters, using
// the same names as the REST query parameters.
type WSRequest struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WSMessage is sent to the client.
type WSMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Op        string      `json:"op,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsOp func(s *Server, ctx context.Context, params json.RawMessage) (interface{}, error)

// wsOps maps operation names to the engine calls behind the REST routes.
var wsOps = map[string]wsOp{
	"forecast": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.forecast()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.Forecast(ctx, p.HistoryDays, p.ForecastDays), nil
	},
	"forecast_volume": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.forecast()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.ForecastVolume(ctx, p.HistoryDays, p.ForecastDays), nil
	},
	"budget_projection": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.budget()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.Project(ctx, p.TotalBudget, p.HistoryDays), nil
	},
	"anomalies": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.detect()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.Detect(ctx, p.HistoryDays, p.ZThreshold), nil
	},
	"anomalies_above_average": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.aboveAverage()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.DetectAboveAverage(ctx, p.HistoryDays, p.Multiple), nil
	},
	"anomalies_bursts": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.bursts()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.DetectBursts(ctx, p.WindowDays), nil
	},
	"sentinel": func(s *Server, ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return s.engine.CheckSentinel(ctx), nil
	},
	"anomaly_log": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.alertLog()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.RecentAlerts(ctx, p.Limit), nil
	},
	"capacity": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		p := s.config.Defaults.capacity()
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.engine.RecommendFromSource(ctx, p.HistoryDays), nil
	},
	"capacity_recommend": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var req recommendRequest
		if err := s.decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return s.engine.Recommend(ctx, req.usage()), nil
	},
	"cache_clear": func(s *Server, ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p cacheParams
		if err := s.decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := s.engine.ClearCache(ctx, p.Key); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "key": p.Key}, nil
	},
}

// decodeParams fills dst (preset with defaults) from raw and validates it.
func (s *Server) decodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%s", validationMessage(err))
	}
	return nil
}

// WSConnection represents an active WebSocket connection
type WSConnection struct {
	conn      *websocket.Conn
	server    *Server
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	logger    *zap.Logger
}

// handleWebSocket upgrades GET /ws/analytics and serves request/response
// messages until the client disconnects or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sessionID := uuid.NewString()
	wsc := &WSConnection{
		conn:      conn,
		server:    s,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
		logger:    s.logger.With(zap.String("session_id", sessionID)),
	}

	s.wg.Add(1)
	defer s.wg.Done()
	wsc.handle()
}

// handle manages the WebSocket connection lifecycle
func (wsc *WSConnection) handle() {
	metrics.WebSocketConnections.Inc()
	defer func() {
		wsc.cancel()
		_ = wsc.conn.Close()
		metrics.WebSocketConnections.Dec()
		wsc.logger.Debug("WebSocket connection closed")
	}()

	wsc.conn.SetReadLimit(wsMaxMessage)
	_ = wsc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wsc.conn.SetPongHandler(func(string) error {
		return wsc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go wsc.heartbeat()

	// Unblock the read loop on server shutdown.
	go func() {
		<-wsc.ctx.Done()
		_ = wsc.conn.SetReadDeadline(time.Now())
	}()

	for {
		var req WSRequest
		if err := wsc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && wsc.ctx.Err() == nil {
				wsc.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		wsc.dispatch(&req)
	}
}

func (wsc *WSConnection) dispatch(req *WSRequest) {
	op, ok := wsOps[req.Op]
	if !ok {
		wsc.sendError(req, fmt.Sprintf("unknown op %q", req.Op))
		return
	}
	data, err := op(wsc.server, wsc.ctx, req.Params)
	if err != nil {
		wsc.sendError(req, err.Error())
		return
	}
	_ = wsc.send(&WSMessage{
		Type:      MessageTypeResult,
		ID:        req.ID,
		Op:        req.Op,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// send sends a message to the client
func (wsc *WSConnection) send(msg *WSMessage) error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	_ = wsc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wsc.conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// sendError sends an error message to the client
func (wsc *WSConnection) sendError(req *WSRequest, errMsg string) {
	_ = wsc.send(&WSMessage{
		Type:      MessageTypeError,
		ID:        req.ID,
		Op:        req.Op,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// heartbeat pings the client and sends a heartbeat message so idle
// dashboards can tell the channel is alive.
func (wsc *WSConnection) heartbeat() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			wsc.mu.Lock()
			err := wsc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			wsc.mu.Unlock()
			if err != nil {
				wsc.cancel()
				return
			}
			_ = wsc.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}
