package signal

import (
	"github.com/dkeye/meetsync/internal/app/orch"
	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type joinPayload struct {
	Type              string `json:"type"`
	RoomKey           string `json:"roomKey" validate:"required,max=160"`
	ParticipantID     string `json:"participantId" validate:"omitempty,max=64"`
	DisplayName       string `json:"displayName" validate:"omitempty,max=64"`
	RequestedAsLeader bool   `json:"requestedAsLeader"`
}

// handleJoin answers with meeting-joined, sent by the room itself so that it
// precedes every later room event.
func (ctl *SignalWSController) handleJoin(
	conn core.ConnID,
	c *WsSignalConn,
	data []byte,
) {
	var p joinPayload
	if !ctl.decode(c, data, &p) {
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(conn)).Str("room", p.RoomKey).Msg("join")
	_, err := ctl.Orch.Join(conn, orch.JoinParams{
		RoomKey:           p.RoomKey,
		ParticipantID:     domain.ParticipantID(p.ParticipantID),
		DisplayName:       p.DisplayName,
		RequestedAsLeader: p.RequestedAsLeader,
	})
	ctl.replyErr(c, err)
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(
	conn core.ConnID,
	c *WsSignalConn,
) {
	log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("leave")
	if !ctl.Orch.Leave(conn) {
		ctl.replyErr(c, core.ErrRoomNotFound)
		return
	}
	ctl.sendJSON(c, map[string]any{
		"type": "left",
	})
}
