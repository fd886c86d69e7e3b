package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *RoomManagerImpl {
	t.Helper()
	m := NewRoomManager(context.Background(), core.RoomOptions{})
	t.Cleanup(m.Stop)
	return m
}

func joinRoom(t *testing.T, room core.RoomService, id string) {
	t.Helper()
	_, err := room.Join(core.JoinRequest{ParticipantID: domain.ParticipantID(id), DisplayName: id, ConnID: core.ConnID("c-" + id), Conn: &nopConn{}})
	require.NoError(t, err)
}

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	m := newManager(t)
	ref := domain.NewRoomRef("org1", "team1", domain.KindWeeklyAccountability)

	a, created := m.GetOrCreate(ref)
	assert.True(t, created)
	b, created := m.GetOrCreate(ref)
	assert.False(t, created)
	assert.Same(t, a, b)

	_, ok := m.Get(ref.Key)
	assert.True(t, ok)
	_, ok = m.Get("nope")
	assert.False(t, ok)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	m := newManager(t)
	ref := domain.NewRoomRef("org1", "team1", domain.KindWeeklyAccountability)

	var wg sync.WaitGroup
	rooms := make([]core.RoomService, 16)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], _ = m.GetOrCreate(ref)
		}(i)
	}
	wg.Wait()
	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
}

func TestRemoveIfEmpty(t *testing.T) {
	m := newManager(t)
	ref := domain.NewRoomRef("org1", "team1", domain.KindWeeklyAccountability)
	room, _ := m.GetOrCreate(ref)
	joinRoom(t, room, "alice")

	assert.False(t, m.RemoveIfEmpty(ref.Key))
	assert.False(t, room.Closed())

	_, err := room.Leave("alice", "")
	require.NoError(t, err)
	assert.True(t, m.RemoveIfEmpty(ref.Key))
	assert.True(t, room.Closed())
	_, ok := m.Get(ref.Key)
	assert.False(t, ok)

	assert.False(t, m.RemoveIfEmpty(ref.Key))

	fresh, created := m.GetOrCreate(ref)
	assert.True(t, created)
	assert.NotSame(t, room, fresh)
}

func TestJoinRacingTeardownRetries(t *testing.T) {
	m := newManager(t)
	ref := domain.NewRoomRef("org1", "team1", domain.KindWeeklyAccountability)
	room, _ := m.GetOrCreate(ref)
	require.True(t, room.CloseIfEmpty())

	_, err := room.Join(core.JoinRequest{ParticipantID: "bob", ConnID: "c-bob", Conn: &nopConn{}})
	require.True(t, errors.Is(err, core.ErrRoomClosed))

	// The closed room is replaced even before RemoveIfEmpty ran.
	next, created := m.GetOrCreate(ref)
	assert.True(t, created)
	joinRoom(t, next, "bob")
}

func TestListSkipsEmptyRooms(t *testing.T) {
	m := newManager(t)
	busy, _ := m.GetOrCreate(domain.NewRoomRef("org1", "b", domain.KindWeeklyAccountability))
	joinRoom(t, busy, "alice")
	m.GetOrCreate(domain.NewRoomRef("org1", "a", domain.KindWeeklyAccountability))
	other, _ := m.GetOrCreate(domain.NewRoomRef("org1", "c", domain.KindAnnualPlanning))
	joinRoom(t, other, "bob")

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, domain.RoomKey("org1-b-weekly-accountability"), infos[0].Code)
	assert.Equal(t, domain.RoomKey("org1-c-annual-planning"), infos[1].Code)
}
