package app

import (
	"context"
	"sync"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Identity domain.Identity
	Conn     core.SignalConnection
	RoomKey  domain.RoomKey
	Cancel   context.CancelFunc
}

// Registry maps live connections to the identity resolved at connect time
// and to the room they joined, if any.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connEntry)}
}

func (r *Registry) Bind(
	id core.ConnID,
	ident domain.Identity,
	conn core.SignalConnection,
	cancel context.CancelFunc,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Identity: ident, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("participant", string(ident.ParticipantID)).Msg("bound connection")
}

func (r *Registry) Identity(id core.ConnID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Identity, true
	}
	return domain.Identity{}, false
}

func (r *Registry) Conn(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) RoomOf(id core.ConnID) (domain.RoomKey, domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.RoomKey == "" {
		return "", domain.Identity{}, false
	}
	return e.RoomKey, e.Identity, true
}

func (r *Registry) UpdateRoom(id core.ConnID, key domain.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.RoomKey = key
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("room", string(key)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.RoomKey = ""
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("removed room association")
}

// Unbind forgets the connection and reports the room it was in.
func (r *Registry) Unbind(id core.ConnID) (domain.RoomKey, domain.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", domain.Identity{}, false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
	return e.RoomKey, e.Identity, true
}

type ConnSnap struct {
	ConnID   core.ConnID
	Identity domain.Identity
	Conn     core.SignalConnection
}

func (r *Registry) MembersOfRoom(key domain.RoomKey) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0)
	for id, e := range r.conns {
		if e.RoomKey == key {
			out = append(out, ConnSnap{ConnID: id, Identity: e.Identity, Conn: e.Conn})
		}
	}
	return out
}

// Connections returns every bound connection of an organization.
func (r *Registry) Connections(orgID string) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0)
	for id, e := range r.conns {
		if e.Identity.OrganizationID == orgID {
			out = append(out, ConnSnap{ConnID: id, Identity: e.Identity, Conn: e.Conn})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
