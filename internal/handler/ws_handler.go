package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// tickInterval paces timer updates to the browser, which counts down locally in between.
const tickInterval = 5 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// LiveSessions resolves the running session behind a candidate's stream.
type LiveSessions interface {
	Live(ctx context.Context, attemptID uuid.UUID, candidateID string) (*service.LiveSession, error)
}

// WSHandler handles the candidate's exam stream.
type WSHandler struct {
	attempts LiveSessions
	log      zerolog.Logger
	upgrader websocket.Upgrader
	tick     time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts LiveSessions, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		tick:     tickInterval,
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/attempts/:attempt_id/stream
// Carries browser signals, answers and camera frames in; notices, timer
// ticks and fullscreen/camera commands out.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, ok := paramUUID(c, "attempt_id")
	if !ok {
		return
	}

	// Resolve before upgrading so failures stay plain HTTP errors.
	live, err := h.attempts.Live(c.Request.Context(), attemptID, claims.UserID())
	if err != nil {
		failService(c, h.log, err, "Resolve live attempt error")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(ws.MaxMessageSize)

	ctrl, link := live.Controller, live.Link
	wsLog := h.log.With().
		Str("attempt_id", attemptID.String()).
		Str("candidate_id", claims.UserID()).
		Logger()

	link.Bind(conn)
	defer link.Unbind(conn)
	wsLog.Info().Msg("Candidate connected")

	// The request context ends with the upgrade's handler, not the socket.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = link.Send(ws.StateResponse{Event: ws.EventState, State: ctrl.State()})
	ctrl.Reconnected(ctx)

	go h.pump(ctx, link, ctrl)

	for {
		env, err := ws.ReadMessage(conn)
		if err != nil {
			if env != nil {
				_ = link.Send(errorEvent("malformed message", nil))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, wsLog, live, env)
	}
}

// pump sends periodic timer ticks and the final attempt once the session ends.
func (h *WSHandler) pump(ctx context.Context, link *ws.ClientLink, ctrl *session.Controller) {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			_ = link.Send(ws.SubmittedResponse{Event: ws.EventSubmitted, Attempt: ctrl.Attempt()})
			return
		case <-ticker.C:
			_ = link.Send(ws.TickResponse{Event: ws.EventTick, Timer: ctrl.Timer().Snapshot()})
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, log zerolog.Logger, live *service.LiveSession, env *ws.RequestEnvelope) {
	ctrl, link := live.Controller, live.Link

	switch env.Action {
	case ws.ActionSignal:
		var req ws.SignalRequest
		if !decodeRequest(link, env, &req) {
			return
		}
		prevented := ctrl.HandleSignal(req.Signal())
		_ = link.Send(ws.AckResponse{Event: ws.EventAck, Action: env.Action, Prevented: prevented})

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if !decodeRequest(link, env, &req) {
			return
		}
		qid, _ := uuid.Parse(req.QID)
		if err := ctrl.SaveAnswer(ctx, qid, req.Answer); err != nil {
			if !errors.Is(err, session.ErrAlreadyFinalized) && !errors.Is(err, session.ErrNotStarted) {
				log.Error().Err(err).Msg("Autosave error")
			}
			_ = link.Send(errorEvent("save failed", nil))
			return
		}
		_ = link.Send(ws.AckResponse{Event: ws.EventAck, Action: env.Action, Status: "saved"})

	case ws.ActionFrame:
		var req ws.FrameRequest
		if !decodeRequest(link, env, &req) {
			return
		}
		// Frames are frequent; only rejections are answered.
		if err := link.PushFrame(req.Data); err != nil {
			_ = link.Send(errorEvent(err.Error(), nil))
		}

	case ws.ActionCameraStatus:
		var req ws.CameraStatusRequest
		if !decodeRequest(link, env, &req) {
			return
		}
		link.CameraStatus(req)

	case ws.ActionSubmit:
		// The pump announces the final attempt once the session is done.
		if _, err := ctrl.Submit(ctx); err != nil && !errors.Is(err, session.ErrAlreadyFinalized) {
			log.Error().Err(err).Msg("Submit error")
			_ = link.Send(errorEvent("submit failed", nil))
			return
		}
		_ = link.Send(ws.AckResponse{Event: ws.EventAck, Action: env.Action, Status: "submitted"})

	case ws.ActionPing:
		_ = link.Send(ws.PongResponse{Event: ws.EventPong})

	default:
		log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		_ = link.Send(errorEvent("unknown action: "+string(env.Action), nil))
	}
}

// decodeRequest decodes and validates an action payload, answering the
// client itself when the payload is rejected.
func decodeRequest(link *ws.ClientLink, env *ws.RequestEnvelope, dst interface{}) bool {
	if err := env.Decode(dst); err != nil {
		_ = link.Send(errorEvent("malformed "+string(env.Action)+" payload", nil))
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		_ = link.Send(errorEvent("invalid "+string(env.Action)+" payload", fields))
		return false
	}
	return true
}

func errorEvent(msg string, fields map[string]string) ws.ErrorResponse {
	return ws.ErrorResponse{Event: ws.EventError, Error: msg, Fields: fields}
}
