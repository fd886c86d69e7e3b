package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Inbound message types.
const (
	msgJoinMeeting        = "join-meeting"
	msgLeaveMeeting       = "leave-meeting"
	msgNavigateSection    = "navigate-section"
	msgContentUpdate      = "content-update"
	msgTimerPause         = "timer-pause"
	msgTimerResume        = "timer-resume"
	msgSetAgenda          = "set-agenda"
	msgSubmitRating       = "submit-rating"
	msgRequestRatings     = "request-ratings"
	msgCloseRatings       = "close-ratings"
	msgTransferLeadership = "transfer-leadership"
	msgConcludeMeeting    = "conclude-meeting"
	msgGetActiveMeetings  = "get-active-meetings"
	msgPing               = "ping"
	msgWhoAmI             = "whoami"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.settings.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, conn core.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump closing")
		c.Close()
		if ident, ok := ctl.Orch.Registry.Identity(conn); ok && ctl.Limiter != nil {
			ctl.Limiter.Forget(ident.ParticipantID)
		}
		ctl.Orch.Registry.Cancel(conn)
		ctl.Orch.Disconnect(conn)
	}()

	pongWait := 2 * ctl.settings.PingPeriod
	c.conn.SetReadLimit(ctl.settings.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, conn, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(c, errorFrame{Type: "error", Code: "bad_json", Kind: core.KindValidation.String(), Message: "malformed message"})
		return
	}

	switch env.Type {
	case msgJoinMeeting:
		ctl.handleJoin(conn, c, data)
	case msgLeaveMeeting:
		ctl.handleLeave(conn, c)
	case msgNavigateSection:
		ctl.handleNavigate(conn, c, data)
	case msgContentUpdate:
		ctl.handleContentUpdate(conn, c, data)
	case msgTimerPause:
		ctl.replyErr(c, ctl.Orch.PauseTimer(conn))
	case msgTimerResume:
		ctl.replyErr(c, ctl.Orch.ResumeTimer(conn))
	case msgSetAgenda:
		ctl.handleSetAgenda(conn, c, data)
	case msgSubmitRating:
		ctl.handleSubmitRating(conn, c, data)
	case msgRequestRatings:
		ctl.handleRequestRatings(conn, c)
	case msgCloseRatings:
		_, err := ctl.Orch.CloseRatings(conn)
		ctl.replyErr(c, err)
	case msgTransferLeadership:
		ctl.handleTransfer(conn, c, data)
	case msgConcludeMeeting:
		ctl.handleConclude(ctx, conn, c, data)
	case msgGetActiveMeetings:
		ctl.handleActiveMeetings(conn, c)
	case msgPing:
		ctl.handlePing(c)
	case msgWhoAmI:
		ctl.handleWhoAmI(conn, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(c, errorFrame{Type: "error", Code: "unknown_type", Kind: core.KindValidation.String(), Message: "unknown message type"})
	}
}

// decode unmarshals and validates an inbound payload.
func (ctl *SignalWSController) decode(c *WsSignalConn, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad payload")
		ctl.replyErr(c, core.ValidationError("bad_payload", err))
		return false
	}
	if err := ctl.validate.Struct(v); err != nil {
		ctl.replyErr(c, core.ValidationError("bad_payload", err))
		return false
	}
	return true
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (ctl *SignalWSController) replyErr(c *WsSignalConn, err error) {
	if err == nil {
		return
	}
	kind := core.KindOf(err)
	msg := err.Error()
	if kind == core.KindUnknown {
		log.Error().Err(err).Str("module", "signal").Msg("unclassified error")
		msg = "internal error"
	}
	ctl.sendJSON(c, errorFrame{Type: "error", Code: core.CodeOf(err), Kind: kind.String(), Message: msg})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
