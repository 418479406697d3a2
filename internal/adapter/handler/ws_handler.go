package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/core/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

// Subscriber is the part of the event bus the realtime transport needs.
type Subscriber interface {
	Connect(ctx context.Context, credential string) (*eventbus.Subscription, error)
	Disconnect(sub *eventbus.Subscription)
}

// WSHandler authenticates before upgrading, then pumps the subscription's
// events to the socket until either side goes away.
type WSHandler struct {
	hub      Subscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(hub Subscriber, allowedOrigins []string, logger *zap.Logger) *WSHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Connect(r.Context(), tokenFromRequest(r, true))
	if errors.Is(err, eventbus.ErrHubClosed) {
		writeFailure(w, http.StatusServiceUnavailable, "Server is shutting down", nil)
		return
	}
	if err != nil {
		msg := "Authentication error"
		if errors.Is(err, domain.ErrMissingCredential) {
			msg = "Authentication error: no token provided"
		}
		writeFailure(w, http.StatusUnauthorized, msg, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.hub.Disconnect(sub)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("realtime client connected",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.ActorID),
		zap.String("tenant_id", sub.TenantID))

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump discards inbound frames; its only job is noticing the peer leaving.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *eventbus.Subscription) {
	defer func() {
		h.hub.Disconnect(sub)
		conn.Close()
		h.logger.Info("realtime client disconnected", zap.String("subscription_id", sub.ID))
	}()

	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("realtime read failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			}
			return
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *eventbus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("realtime write failed", zap.String("subscription_id", sub.ID), zap.Error(err))
				h.hub.Disconnect(sub)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Disconnect(sub)
				return
			}
		}
	}
}
