package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"bulkops/internal/domain"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// clientMessage is what a WebSocket client sends to manage its topics.
type clientMessage struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// topics is the set of task ids one session listens to.
type topics struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func (t *topics) add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[id] = struct{}{}
}

func (t *topics) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, id)
}

func (t *topics) has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// serveWS streams the caller's task events for the task ids it subscribed to.
// Nothing is replayed: a client reconnecting must re-subscribe and re-fetch.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user id")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := log.Ctx(ctx).With().Str("user_id", uid).Logger()

	// subscribe before the handshake completes so no event after
	// connection_established can be missed
	sub, err := s.bus.Subscribe(ctx, uid)
	if err != nil {
		logger.Error().Err(err).Msg("event subscription failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream unavailable")
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	hello, _ := json.Marshal(domain.ConnectionEstablished())
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	set := &topics{ids: make(map[string]struct{})}
	go func() {
		defer cancel()
		readLoop(conn, set, logger)
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case raw, ok := <-sub.Events():
			if !ok {
				return
			}
			node, err := sonic.Get(raw, "task_id")
			if err != nil {
				continue
			}
			id, _ := node.String()
			if !set.has(id) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, set *topics, logger zerolog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			logger.Debug().Err(err).Msg("websocket read ended")
			return
		}
		if msg.TaskID == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			set.add(msg.TaskID)
		case "unsubscribe":
			set.remove(msg.TaskID)
		default:
			logger.Debug().Str("action", msg.Action).Msg("unknown websocket action")
		}
	}
}
