package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/tiergate/tiergate/internal/audit"
	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/ratelimit"
	"github.com/tiergate/tiergate/internal/router"
	"github.com/tiergate/tiergate/internal/upstream"
)

const (
	wsWriteTimeout = 30 * time.Second
	wsReadLimit    = 1 << 20 // 1 MiB
)

var wsUpgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// wsClientFrame is the envelope for every client-to-server message. Unused
// fields stay zero for frame types that do not carry them.
type wsClientFrame struct {
	Type      string           `json:"type"`
	APIKey    string           `json:"apiKey,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Model     string           `json:"model,omitempty"`
	Messages  []inboundMessage `json:"messages,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
}

// wsSession is one upgraded connection after a successful auth frame.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	id     *auth.Identity
	apiKey string

	writeMu sync.Mutex
}

// handleWS upgrades the connection and runs the frame loop. The protocol is
// auth-first: the opening frame must be {"type":"auth","apiKey":...}; any
// other first frame closes the connection with an error frame.
func (s *Server) handleWS(ctx *fasthttp.RequestCtx) {
	err := wsUpgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		if s.prom != nil {
			s.prom.WSOpened()
			defer s.prom.WSClosed()
		}
		defer conn.Close()

		conn.SetReadLimit(wsReadLimit)
		s.serveWS(conn)
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveWS(conn *websocket.Conn) {
	sess := &wsSession{srv: s, conn: conn}

	// Anything arriving before a valid auth frame ends the session.
	var first wsClientFrame
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Type != "auth" {
		sess.writeError("", "unauthenticated", "first frame must be auth", 0)
		return
	}

	id, err := s.auth.Validate(context.Background(), first.APIKey)
	if err != nil {
		sess.writeError("", "unauthenticated", "invalid or missing API key", 0)
		return
	}
	sess.id = id
	sess.apiKey = first.APIKey

	sess.write(map[string]any{
		"type": "auth.ok",
		"tier": id.User.Tier,
		"role": id.User.Role,
	})

	for {
		var frame wsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "ping":
			sess.write(map[string]string{"type": "pong"})
		case "chat":
			sess.handleChat(frame)
		default:
			sess.writeError(frame.RequestID, "invalid_request",
				fmt.Sprintf("unknown frame type %q", frame.Type), 0)
		}
	}
}

func (sess *wsSession) handleChat(frame wsClientFrame) {
	s := sess.srv
	start := time.Now()

	if frame.Model == "" || len(frame.Messages) == 0 {
		sess.writeError(frame.RequestID, "invalid_request",
			"fields 'model' and 'messages' are required", 0)
		return
	}

	// Long-lived sessions re-check the key on every chat frame: quota is
	// consumed while the connection is open, and a revoked key must stop
	// being served.
	id, err := s.auth.Validate(context.Background(), sess.apiKey)
	if err != nil {
		code, msg, _ := wsRouteError(err)
		sess.writeError(frame.RequestID, code, msg, 0)
		return
	}
	sess.id = id

	dec := s.limiter.Allow(sess.apiKey, ratelimit.Limits{
		RPS: id.Limits.RPS,
		RPM: id.Limits.RPM,
		RPD: id.Limits.RPD,
	})
	if !dec.OK {
		if s.prom != nil {
			s.prom.RecordRateLimited(dec.Window)
		}
		sess.writeError(frame.RequestID, "rate_limited",
			fmt.Sprintf("rate limit exceeded (%s)", dec.Window),
			dec.RetryAfterSeconds())
		return
	}

	comp, err := s.rt.HandleFor(context.Background(), id,
		toRouterMessages(frame.Messages), frame.Model)

	status := fasthttp.StatusOK
	if err != nil {
		var code, msg string
		code, msg, status = wsRouteError(err)
		sess.writeError(frame.RequestID, code, msg, 0)
	} else {
		sess.write(map[string]string{
			"type":      "chat.start",
			"requestId": frame.RequestID,
		})
		if frame.Stream {
			sess.streamDeltas(frame.RequestID, comp)
		} else {
			sess.write(map[string]any{
				"type":      "chat.complete",
				"requestId": frame.RequestID,
				"response":  openAICompletion(comp),
			})
		}
	}

	if s.audit != nil {
		sess.auditChat(frame, comp, status, start)
	}
}

func (sess *wsSession) auditChat(frame wsClientFrame, comp *router.Completion, status int, start time.Time) {
	e := audit.Event{
		ID:        uuid.New(),
		Route:     "ws",
		Model:     frame.Model,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    uint16(status),
		KeyHash:   audit.HashKey(sess.apiKey),
		CreatedAt: time.Now(),
	}
	if comp != nil {
		e.Provider = comp.ProviderID
		e.InputTokens = uint32(comp.InputTokens)
		e.OutputTokens = uint32(comp.OutputTokens)
	}
	sess.srv.audit.Log(e)
}

// streamDeltas re-frames the completed text as word-sized delta frames ending
// with finish_reason "stop".
func (sess *wsSession) streamDeltas(requestID string, comp *router.Completion) {
	words := strings.Fields(comp.Text)
	for i, word := range words {
		text := word
		if i < len(words)-1 {
			text += " "
		}
		sess.write(map[string]any{
			"type":      "chat.delta",
			"requestId": requestID,
			"choices": []map[string]any{
				{"delta": map[string]string{"content": text}, "finish_reason": nil},
			},
		})
	}
	sess.write(map[string]any{
		"type":      "chat.delta",
		"requestId": requestID,
		"choices": []map[string]any{
			{"delta": map[string]string{}, "finish_reason": "stop"},
		},
	})
}

// wsRouteError maps a routing failure onto the frame-level code strings. The
// status return feeds the audit record only.
func wsRouteError(err error) (code, message string, status int) {
	var exhausted *router.ExhaustedError
	var upErr *upstream.Error

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated", "invalid or missing API key", fasthttp.StatusUnauthorized
	case errors.Is(err, auth.ErrQuotaExceeded):
		return "quota_exceeded", err.Error(), fasthttp.StatusTooManyRequests
	case errors.Is(err, router.ErrModelUnavailable):
		return "model_not_found", err.Error(), fasthttp.StatusNotFound
	case errors.Is(err, router.ErrAllDisabled):
		return "all_providers_down", err.Error(), fasthttp.StatusServiceUnavailable
	case errors.As(err, &exhausted):
		if exhausted.Attempts == 1 {
			return "provider_error", err.Error(), fasthttp.StatusBadGateway
		}
		return "all_providers_down", err.Error(), fasthttp.StatusServiceUnavailable
	case errors.As(err, &upErr):
		return "provider_error", err.Error(), fasthttp.StatusBadGateway
	default:
		return "internal_error", "internal server error", fasthttp.StatusInternalServerError
	}
}

func (sess *wsSession) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
	sess.conn.WriteMessage(websocket.TextMessage, data)        //nolint:errcheck
}

func (sess *wsSession) writeError(requestID, code, message string, retryAfterSec int) {
	frame := map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if requestID != "" {
		frame["requestId"] = requestID
	}
	if retryAfterSec > 0 {
		frame["retryAfterSec"] = retryAfterSec
	}
	sess.write(frame)
}
