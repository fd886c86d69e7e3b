package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// resolve finds the room the connection joined. A connection pointing at a
// room that no longer exists is told to join again.
func (o *Orchestrator) resolve(conn core.ConnID) (core.RoomService, domain.Identity, error) {
	key, ident, ok := o.Registry.RoomOf(conn)
	if !ok {
		return nil, ident, core.ErrRoomNotFound
	}
	room, ok := o.Rooms.Get(key)
	if !ok {
		o.Registry.RemoveRoom(conn)
		return nil, ident, core.ErrRoomNotFound
	}
	return room, ident, nil
}

func (o *Orchestrator) Navigate(conn core.ConnID, req core.NavigateRequest) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	return room.Navigate(ident.ParticipantID, req)
}

func (o *Orchestrator) Relay(conn core.ConnID, upd core.ContentUpdate) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	if ident.Observer {
		return core.ErrObserverReadOnly
	}
	_, err = room.Relay(ident.ParticipantID, upd)
	return err
}

func (o *Orchestrator) PauseTimer(conn core.ConnID) error {
	return o.toggleTimer(conn, true)
}

func (o *Orchestrator) ResumeTimer(conn core.ConnID) error {
	return o.toggleTimer(conn, false)
}

func (o *Orchestrator) toggleTimer(conn core.ConnID, pause bool) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	var changed bool
	if pause {
		changed, err = room.PauseTimer(ident.ParticipantID)
	} else {
		changed, err = room.ResumeTimer(ident.ParticipantID)
	}
	if err != nil || !changed || o.Bridge == nil {
		return err
	}
	if pause {
		o.Bridge.Pause(room.Ref(), ident.ParticipantID)
	} else {
		o.Bridge.Resume(room.Ref(), ident.ParticipantID)
	}
	return nil
}

func (o *Orchestrator) SetAgenda(conn core.ConnID, sections []domain.AgendaSection) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	return room.SetAgenda(ident.ParticipantID, sections)
}

func (o *Orchestrator) TransferLeadership(conn core.ConnID, target domain.ParticipantID) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	if err := room.TransferLeadership(ident.ParticipantID, target); err != nil {
		return err
	}
	o.notifyUpdate(ident.OrganizationID)
	return nil
}

func (o *Orchestrator) SubmitRating(conn core.ConnID, value int) (core.RatingSnapshot, error) {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return core.RatingSnapshot{}, err
	}
	if ident.Observer {
		return core.RatingSnapshot{}, core.ErrObserverReadOnly
	}
	return room.SubmitRating(ident.ParticipantID, value)
}

func (o *Orchestrator) Ratings(conn core.ConnID) (core.RatingSnapshot, error) {
	room, _, err := o.resolve(conn)
	if err != nil {
		return core.RatingSnapshot{}, err
	}
	return room.Ratings()
}

func (o *Orchestrator) CloseRatings(conn core.ConnID) ([]domain.RatingEntry, error) {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return nil, err
	}
	return room.CloseRatings(ident.ParticipantID)
}

// Conclude finalizes the durable session before the room announces the end.
// When finalizing fails the room stays as it was and the leader may retry.
func (o *Orchestrator) Conclude(ctx context.Context, conn core.ConnID, outcome json.RawMessage) error {
	room, ident, err := o.resolve(conn)
	if err != nil {
		return err
	}
	req, err := room.BeginConclude(ident.ParticipantID, outcome)
	if err != nil {
		return err
	}
	var failure error
	if o.Bridge != nil {
		failure = o.Bridge.Finalize(ctx, room.Ref(), req)
	}
	if err := room.FinishConclude(ident.ParticipantID, failure); err != nil {
		return err
	}
	if failure != nil {
		log.Error().Err(failure).Str("module", "orch").Str("room", string(room.Ref().Key)).Msg("conclude failed")
		return failure
	}
	o.notifyUpdate(ident.OrganizationID)
	return nil
}

// WhoAmI reports the identity of a connection and the room it joined.
func (o *Orchestrator) WhoAmI(conn core.ConnID) (domain.Identity, domain.RoomKey, bool) {
	ident, ok := o.Registry.Identity(conn)
	if !ok {
		return ident, "", false
	}
	key, _, _ := o.Registry.RoomOf(conn)
	return ident, key, true
}

func (o *Orchestrator) ActiveMeetings(orgID string) []core.RoomInfo {
	return lo.Filter(o.Rooms.List(), func(info core.RoomInfo, _ int) bool {
		return info.OrganizationID == orgID
	})
}

// Probe reports a live room without creating one.
func (o *Orchestrator) Probe(key domain.RoomKey) (core.RoomInfo, bool) {
	room, ok := o.Rooms.Get(key)
	if !ok {
		return core.RoomInfo{}, false
	}
	info, err := room.Info()
	if err != nil || info.ParticipantCount == 0 {
		return core.RoomInfo{}, false
	}
	return info, true
}

type MeetingStat struct {
	Code             domain.RoomKey       `json:"code"`
	ParticipantCount int                  `json:"participantCount"`
	LeaderID         domain.ParticipantID `json:"leaderId"`
	CurrentRoute     string               `json:"currentRoute"`
}

type Stats struct {
	ActiveMeetings    int           `json:"activeMeetings"`
	TotalParticipants int           `json:"totalParticipants"`
	Meetings          []MeetingStat `json:"meetings"`
}

func (o *Orchestrator) Stats(orgID string) Stats {
	meetings := o.ActiveMeetings(orgID)
	return Stats{
		ActiveMeetings:    len(meetings),
		TotalParticipants: lo.SumBy(meetings, func(m core.RoomInfo) int { return m.ParticipantCount }),
		Meetings: lo.Map(meetings, func(m core.RoomInfo, _ int) MeetingStat {
			return MeetingStat{
				Code:             m.Code,
				ParticipantCount: m.ParticipantCount,
				LeaderID:         m.LeaderID,
				CurrentRoute:     m.CurrentRoute,
			}
		}),
	}
}
