package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/router"
)

const (
	wsRequestTimeout = 10 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// streamDone is the trailer sent after the last chunk
type streamDone struct {
	Backend   string            `json:"backend"`
	Model     string            `json:"model"`
	Tokens    int               `json:"tokens"`
	LatencyMs int64             `json:"latency_ms"`
	Citations []string          `json:"citations,omitempty"`
	Usage     *models.UsageInfo `json:"usage,omitempty"`
}

func doneOf(res *router.Result, usage *models.UsageInfo) streamDone {
	return streamDone{
		Backend:   string(res.Backend),
		Model:     res.Model,
		Tokens:    res.TotalTokens,
		LatencyMs: res.Latency.Milliseconds(),
		Citations: res.Citations,
		Usage:     usage,
	}
}

// ==================== SSE ====================

// streamSSE relays the answer as server-sent events. Until the first chunk is written the
// request can still fail with a normal JSON error.
func (s *Server) streamSSE(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	hints, err := parseHints(req.Backend, req.PreferSearch)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grant, ok := s.begin(c, models.CapabilityStream, chatOptions(&req))
	if !ok {
		return
	}

	started := false
	emit := func(chunk string) error {
		if !started {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
			started = true
		}
		return writeEvent(c, "", gin.H{"text": chunk})
	}

	input := chatInput(&req, grant.Decision().Key.Principal, hints)
	res, err := s.deps.Assistant.Stream(c.Request.Context(), input, emit)
	usage, err := s.settle(c, grant, err)
	if err != nil {
		if !started {
			s.respondError(c, err)
			return
		}
		if c.Request.Context().Err() != nil {
			return
		}
		s.logger.Warn("Stream interrupted",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		_, body := errorBody(err)
		_ = writeEvent(c, "error", body.Error)
		return
	}

	if !started {
		// 后端没有输出任何内容
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
	}
	_ = writeEvent(c, "done", doneOf(res, usage))
}

func writeEvent(c *gin.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// ==================== WebSocket ====================

// wsFrame is every message the server sends on the socket
type wsFrame struct {
	Type  string              `json:"type"`
	Text  string              `json:"text,omitempty"`
	Done  *streamDone         `json:"done,omitempty"`
	Error *models.ErrorDetail `json:"error,omitempty"`
}

// checkOrigin accepts same-host origins and, with CORS enabled, the configured ones
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.cfg.Security.EnableCORS {
		for _, allowed := range s.cfg.Security.AllowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// streamWebSocket serves one streamed answer per connection. The client sends a single chat
// request; the server replies with chunk frames followed by a done or error frame.
func (s *Server) streamWebSocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	send := func(frame wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	}
	fail := func(err error) {
		_, body := errorBody(err)
		_ = send(wsFrame{Type: "error", Error: &body.Error})
		closeSocket(conn, websocket.CloseNormalClosure)
	}

	var req models.ChatRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		fail(invalidRequest(err))
		return
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		fail(invalidRequest(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// 客户端断开时取消生成
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	hints, err := parseHints(req.Backend, req.PreferSearch)
	if err != nil {
		fail(err)
		return
	}
	grant, err := s.deps.Engine.Begin(ctx, c.GetString(ctxAPIKey), models.CapabilityStream, chatOptions(&req))
	if err != nil {
		fail(err)
		return
	}

	input := chatInput(&req, grant.Decision().Key.Principal, hints)
	res, err := s.deps.Assistant.Stream(ctx, input, func(chunk string) error {
		return send(wsFrame{Type: "chunk", Text: chunk})
	})
	usage, err := s.settle(c, grant, err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fail(err)
		return
	}

	done := doneOf(res, usage)
	if err := send(wsFrame{Type: "done", Done: &done}); err != nil {
		s.logger.Debug("Websocket client gone before done frame", zap.Error(err))
		return
	}
	closeSocket(conn, websocket.CloseNormalClosure)
}

func closeSocket(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
