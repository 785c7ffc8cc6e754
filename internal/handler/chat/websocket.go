package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/npc/internal/handler/apierr"
)

const (
	wsPongWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

// wsHandler 通过 WebSocket 承载多轮对话，每个 turn 帧对应一次流式回合。
type wsHandler struct {
	parent   *Handler
	upgrader websocket.Upgrader
	pongWait time.Duration
}

func newWSHandler(parent *Handler, allowedOrigins []string) *wsHandler {
	return &wsHandler{
		parent:   parent,
		pongWait: wsPongWait,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(a, origin) || strings.EqualFold(a, u.Scheme+"://"+u.Host)
		})
	}
}

type inboundFrame struct {
	Type string `json:"type"`
	turnRequest
}

type outboundFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(frame outboundFrame) error {
	frame.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) sendError(err error) error {
	status, msg := apierr.Status(err)
	return c.send(outboundFrame{Type: "error", Error: msg, Status: status})
}

func (h *wsHandler) handle(w http.ResponseWriter, r *http.Request) {
	log := h.parent.log
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	go h.pingLoop(ctx, raw)

	// 同一连接内记住最近的会话，后续帧可省略 sessionId
	var lastSessionID string
	for {
		// 回合执行期间不读取 pong，每次读取前重新计算超时
		_ = raw.SetReadDeadline(time.Now().Add(h.pongWait))
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if conn.sendError(apierr.BadRequest("invalid frame")) != nil {
				return
			}
			continue
		}
		if frame.Type != "turn" {
			if conn.sendError(apierr.BadRequest("unsupported frame type %q", frame.Type)) != nil {
				return
			}
			continue
		}

		payload := frame.turnRequest
		if payload.SessionID == "" && payload.CharacterID == "" {
			payload.SessionID = lastSessionID
		}
		if err := payload.validate(); err != nil {
			if conn.sendError(err) != nil {
				return
			}
			continue
		}

		result, err := h.parent.runTurn(ctx, payload, true, func(chunk string) {
			if err := conn.send(outboundFrame{Type: "chunk", Data: chunk}); err != nil {
				cancel()
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("websocket turn failed", "sessionId", payload.SessionID, "error", err)
			if conn.sendError(err) != nil {
				return
			}
			continue
		}

		lastSessionID = result.Session.ID
		if conn.send(outboundFrame{Type: "final", Data: newTurnResponse(result)}) != nil {
			return
		}
		if conn.send(outboundFrame{Type: "end"}) != nil {
			return
		}
	}
}

// pingLoop 定期发送ping消息
func (h *wsHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
