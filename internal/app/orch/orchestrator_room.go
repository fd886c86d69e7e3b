package orch

import (
	"errors"
	"time"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type JoinParams struct {
	RoomKey           string
	ParticipantID     domain.ParticipantID
	DisplayName       string
	RequestedAsLeader bool
}

// Join puts the connection's participant into the room, creating it when absent.
func (o *Orchestrator) Join(conn core.ConnID, p JoinParams) (core.JoinResult, error) {
	ident, ok := o.Registry.Identity(conn)
	if !ok {
		return core.JoinResult{}, core.ErrParticipantNotFound
	}
	if p.ParticipantID != "" && p.ParticipantID != ident.ParticipantID {
		return core.JoinResult{}, core.ValidationError("identity_mismatch", errors.New("participant id does not match the connection identity"))
	}
	ref, err := domain.ParseRoomKey(p.RoomKey)
	if err != nil {
		return core.JoinResult{}, core.ValidationError("invalid_room_key", err)
	}
	if ref.OrganizationID != ident.OrganizationID {
		return core.JoinResult{}, core.ErrForeignOrganization
	}

	if prev, _, ok := o.Registry.RoomOf(conn); ok && prev != ref.Key {
		o.Registry.RemoveRoom(conn)
		o.leaveRoom(prev, ident.ParticipantID, conn)
		log.Info().Str("module", "orch").Str("conn", string(conn)).Str("from_room", string(prev)).Msg("left previous room")
	}

	name := ident.DisplayName
	if p.DisplayName != "" {
		name = p.DisplayName
	}
	sig, _ := o.Registry.Conn(conn)

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room, _ := o.Rooms.GetOrCreate(ref)
		res, err := room.Join(core.JoinRequest{
			ParticipantID:     ident.ParticipantID,
			DisplayName:       name,
			RequestedAsLeader: p.RequestedAsLeader,
			Observer:          ident.Observer,
			ConnID:            conn,
			Conn:              sig,
		})
		if errors.Is(err, core.ErrRoomClosed) {
			log.Debug().Str("module", "orch").Str("room", string(ref.Key)).Int("attempt", attempt).Msg("room closed under join, retrying")
			continue
		}
		if err != nil {
			return core.JoinResult{}, err
		}
		o.Registry.UpdateRoom(conn, ref.Key)
		if res.First && o.Bridge != nil {
			o.Bridge.Start(ref, ident.ParticipantID)
		}
		o.notifyUpdate(ref.OrganizationID)
		return res, nil
	}
	return core.JoinResult{}, core.ErrRoomClosed
}

// Leave handles an explicit leave-meeting. The connection stays open.
func (o *Orchestrator) Leave(conn core.ConnID) bool {
	key, ident, ok := o.Registry.RoomOf(conn)
	if !ok {
		return false
	}
	o.Registry.RemoveRoom(conn)
	o.leaveRoom(key, ident.ParticipantID, conn)
	return true
}

// Disconnect is called once the transport is gone. The participant keeps its
// seat for the grace window, then goes through the same path as Leave.
func (o *Orchestrator) Disconnect(conn core.ConnID) {
	key, ident, ok := o.Registry.Unbind(conn)
	if !ok || key == "" {
		return
	}
	room, ok := o.Rooms.Get(key)
	if !ok {
		return
	}
	detached, err := room.Detach(ident.ParticipantID, conn)
	if err != nil || !detached {
		return
	}
	if o.Grace <= 0 {
		o.leaveRoom(key, ident.ParticipantID, conn)
		return
	}
	pid := ident.ParticipantID
	time.AfterFunc(o.Grace, func() {
		log.Debug().Str("module", "orch").Str("room", string(key)).Str("participant", string(pid)).Msg("grace window expired")
		o.leaveRoom(key, pid, conn)
	})
}

// leaveRoom removes pid if conn is still its connection, then tears the room
// down when nobody is left.
func (o *Orchestrator) leaveRoom(key domain.RoomKey, pid domain.ParticipantID, conn core.ConnID) {
	room, ok := o.Rooms.Get(key)
	if !ok {
		return
	}
	res, err := room.Leave(pid, conn)
	if err != nil || !res.Removed {
		return
	}
	ref := room.Ref()
	if res.Empty && o.Rooms.RemoveIfEmpty(key) && o.Bridge != nil {
		o.Bridge.RoomClosed(ref, res.Concluded)
	}
	o.notifyUpdate(ref.OrganizationID)
}
