package app

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
)

var _ core.RoomManager = (*RoomManagerImpl)(nil)

type RoomManagerImpl struct {
	ctx   context.Context
	opts  core.RoomOptions
	mu    sync.RWMutex
	rooms map[domain.RoomKey]core.RoomService
}

func NewRoomManager(ctx context.Context, opts core.RoomOptions) *RoomManagerImpl {
	return &RoomManagerImpl{
		ctx:   ctx,
		opts:  opts,
		rooms: make(map[domain.RoomKey]core.RoomService),
	}
}

// GetOrCreate returns the live room for ref. A room that already closed is
// replaced, so callers never receive a room that finished tearing down.
func (f *RoomManagerImpl) GetOrCreate(ref domain.RoomRef) (core.RoomService, bool) {
	f.mu.RLock()
	room, ok := f.rooms[ref.Key]
	f.mu.RUnlock()
	if ok && !room.Closed() {
		return room, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[ref.Key]; ok && !room.Closed() {
		return room, false
	}
	room = core.NewRoomService(f.ctx, ref, f.opts)
	f.rooms[ref.Key] = room
	log.Info().Str("module", "app.rooms").Str("room", string(ref.Key)).Msg("room created")
	return room, true
}

func (f *RoomManagerImpl) Get(key domain.RoomKey) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[key]
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// RemoveIfEmpty never holds the map lock while talking to the room. A join
// racing the teardown either lands before the close (and the room stays) or
// gets core.ErrRoomClosed and retries against a fresh room.
func (f *RoomManagerImpl) RemoveIfEmpty(key domain.RoomKey) bool {
	f.mu.RLock()
	room, ok := f.rooms[key]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if !room.CloseIfEmpty() {
		return false
	}
	<-room.Done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rooms[key]; ok && cur == room {
		delete(f.rooms, key)
		log.Info().Str("module", "app.rooms").Str("room", string(key)).Msg("room removed")
		return true
	}
	return false
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	rooms := make([]core.RoomService, 0, len(f.rooms))
	for _, r := range f.rooms {
		rooms = append(rooms, r)
	}
	f.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info, err := r.Info()
		if err != nil || info.ParticipantCount == 0 {
			continue
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return strings.Compare(string(a.Code), string(b.Code)) })
	return out
}

func (f *RoomManagerImpl) Stop() {
	f.mu.Lock()
	rooms := f.rooms
	f.rooms = make(map[domain.RoomKey]core.RoomService)
	f.mu.Unlock()
	for _, r := range rooms {
		r.Stop()
	}
	log.Info().Str("module", "app.rooms").Int("rooms", len(rooms)).Msg("all rooms stopped")
}
