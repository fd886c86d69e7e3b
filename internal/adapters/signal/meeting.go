package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type navigatePayload struct {
	SectionID      string   `json:"sectionId" validate:"required_without=Route,max=128"`
	Route          string   `json:"route" validate:"omitempty,max=512"`
	ScrollPosition *float64 `json:"scrollPosition" validate:"omitempty,gte=0"`
}

type contentPayload struct {
	Action   string          `json:"action" validate:"required,max=64"`
	EntityID string          `json:"entityId" validate:"required,max=128"`
	Payload  json.RawMessage `json:"payload"`
}

type agendaPayload struct {
	Sections []agendaSection `json:"sections" validate:"required,dive"`
}

type agendaSection struct {
	SectionID string  `json:"sectionId" validate:"required,max=128"`
	Minutes   float64 `json:"minutes" validate:"gte=0"`
}

type ratingPayload struct {
	Value  int `json:"value"`
	Rating int `json:"rating"`
}

type transferPayload struct {
	ParticipantID string `json:"participantId" validate:"required,max=64"`
}

type concludePayload struct {
	Outcome json.RawMessage `json:"outcome"`
}

func (ctl *SignalWSController) handleNavigate(conn core.ConnID, c *WsSignalConn, data []byte) {
	var p navigatePayload
	if !ctl.decode(c, data, &p) {
		return
	}
	ctl.replyErr(c, ctl.Orch.Navigate(conn, core.NavigateRequest{
		SectionID:      p.SectionID,
		Route:          p.Route,
		ScrollPosition: p.ScrollPosition,
	}))
}

func (ctl *SignalWSController) handleContentUpdate(conn core.ConnID, c *WsSignalConn, data []byte) {
	var p contentPayload
	if !ctl.decode(c, data, &p) {
		return
	}
	if ctl.Limiter != nil {
		if ident, ok := ctl.Orch.Registry.Identity(conn); ok && !ctl.Limiter.Allow(ident.ParticipantID) {
			log.Warn().Str("module", "signal").Str("conn", string(conn)).Msg("content update rate limited")
			ctl.sendJSON(c, errorFrame{Type: "error", Code: "rate_limited", Kind: core.KindValidation.String(), Message: "too many updates, slow down"})
			return
		}
	}
	ctl.replyErr(c, ctl.Orch.Relay(conn, core.ContentUpdate{
		Action:   p.Action,
		EntityID: p.EntityID,
		Payload:  p.Payload,
	}))
}

func (ctl *SignalWSController) handleSetAgenda(conn core.ConnID, c *WsSignalConn, data []byte) {
	var p agendaPayload
	if !ctl.decode(c, data, &p) {
		return
	}
	sections := lo.Map(p.Sections, func(s agendaSection, _ int) domain.AgendaSection {
		return domain.AgendaSection{
			SectionID: s.SectionID,
			Expected:  time.Duration(s.Minutes * float64(time.Minute)),
		}
	})
	ctl.replyErr(c, ctl.Orch.SetAgenda(conn, sections))
}

func (ctl *SignalWSController) handleSubmitRating(conn core.ConnID, c *WsSignalConn, data []byte) {
	var p ratingPayload
	if !ctl.decode(c, data, &p) {
		return
	}
	value := p.Value
	if value == 0 {
		value = p.Rating
	}
	_, err := ctl.Orch.SubmitRating(conn, value)
	ctl.replyErr(c, err)
}

func (ctl *SignalWSController) handleRequestRatings(conn core.ConnID, c *WsSignalConn) {
	snap, err := ctl.Orch.Ratings(conn)
	if err != nil {
		ctl.replyErr(c, err)
		return
	}
	ctl.sendJSON(c, core.RatingEvent{Type: core.EvCurrentRatings, RatingSnapshot: snap})
}

func (ctl *SignalWSController) handleTransfer(conn core.ConnID, c *WsSignalConn, data []byte) {
	var p transferPayload
	if !ctl.decode(c, data, &p) {
		return
	}
	ctl.replyErr(c, ctl.Orch.TransferLeadership(conn, domain.ParticipantID(p.ParticipantID)))
}

func (ctl *SignalWSController) handleConclude(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p concludePayload
	if !ctl.decode(c, data, &p) {
		return
	}
	ctl.replyErr(c, ctl.Orch.Conclude(ctx, conn, p.Outcome))
}

func (ctl *SignalWSController) handleActiveMeetings(conn core.ConnID, c *WsSignalConn) {
	ident, ok := ctl.Orch.Registry.Identity(conn)
	if !ok {
		return
	}
	ctl.sendJSON(c, core.ActiveMeetingsEvent{
		Type:     core.EvActiveMeetingsUpdate,
		Meetings: ctl.Orch.ActiveMeetings(ident.OrganizationID),
	})
}
