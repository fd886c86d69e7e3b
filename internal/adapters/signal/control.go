package signal

import (
	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
)

func (ctl *SignalWSController) handlePing(
	c *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(c, resp)
}

func (ctl *SignalWSController) handleWhoAmI(
	conn core.ConnID,
	c *WsSignalConn,
) {
	ident, room, ok := ctl.Orch.WhoAmI(conn)
	if !ok {
		return
	}
	resp := struct {
		Type           string               `json:"type"`
		ParticipantID  domain.ParticipantID `json:"participantId"`
		DisplayName    string               `json:"displayName"`
		OrganizationID string               `json:"organizationId"`
		TeamID         string               `json:"teamId"`
		Observer       bool                 `json:"observer"`
		Room           domain.RoomKey       `json:"room,omitempty"`
	}{
		Type:           "whoami",
		ParticipantID:  ident.ParticipantID,
		DisplayName:    ident.DisplayName,
		OrganizationID: ident.OrganizationID,
		TeamID:         ident.TeamID,
		Observer:       ident.Observer,
		Room:           room,
	}
	ctl.sendJSON(c, resp)
}
