package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errors.New("full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// types lists the "type" field of every frame received so far.
func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &head)
		out = append(out, head.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], v))
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testRef = domain.NewRoomRef("org1", "team1", domain.KindWeeklyAccountability)

func newTestRoom(t *testing.T, opts RoomOptions) (RoomService, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	room := NewRoomService(context.Background(), testRef, opts)
	t.Cleanup(room.Stop)
	return room, clock
}

func join(t *testing.T, room RoomService, id string) (*fakeConn, JoinResult) {
	t.Helper()
	conn := &fakeConn{}
	res, err := room.Join(JoinRequest{
		ParticipantID: domain.ParticipantID(id),
		DisplayName:   id,
		ConnID:        ConnID("c-" + id),
		Conn:          conn,
	})
	require.NoError(t, err)
	return conn, res
}

func TestJoinFirstBecomesLeader(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})

	alice, res := join(t, room, "alice")
	assert.True(t, res.First)
	assert.True(t, res.Snapshot.IsLeader)
	assert.False(t, res.Snapshot.IsFollowing)
	assert.Equal(t, "/meetings/weekly-accountability/team1", res.Snapshot.CurrentRoute)

	bob, res := join(t, room, "bob")
	assert.False(t, res.First)
	assert.False(t, res.Snapshot.IsLeader)
	assert.True(t, res.Snapshot.IsFollowing)
	assert.Equal(t, domain.ParticipantID("alice"), res.Snapshot.LeaderID)
	require.Len(t, res.Snapshot.Participants, 2)
	assert.Equal(t, domain.ParticipantID("alice"), res.Snapshot.Participants[0].ID)

	assert.Equal(t, []string{EvMeetingJoined, EvParticipantJoined}, alice.types())
	assert.Equal(t, []string{EvMeetingJoined}, bob.types())
}

func TestRequestedLeaderDoesNotSteal(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")

	res, err := room.Join(JoinRequest{ParticipantID: "bob", DisplayName: "bob", RequestedAsLeader: true, ConnID: "c-bob", Conn: &fakeConn{}})
	require.NoError(t, err)
	assert.False(t, res.Snapshot.IsLeader)
	assert.Equal(t, domain.ParticipantID("alice"), res.Snapshot.LeaderID)
}

func TestLeaderLeavesSuccessionByJoinOrder(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	carol, _ := join(t, room, "carol")
	bob.reset()
	carol.reset()

	res, err := room.Leave("alice", "")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.False(t, res.Empty)
	assert.Equal(t, domain.ParticipantID("bob"), res.NewLeader)

	assert.Equal(t, []string{EvLeaderChanged, EvParticipantLeft}, carol.types())

	var left ParticipantLeftEvent
	carol.last(t, &left)
	assert.Equal(t, 2, left.ParticipantCount)

	snap, err := room.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("bob"), snap.LeaderID)
	assert.Equal(t, "bob", snap.LeaderName)
}

func TestObserverJoiningFirstLeads(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})

	res, err := room.Join(JoinRequest{ParticipantID: "observer-1", DisplayName: "Observer", Observer: true, ConnID: "c-obs", Conn: &fakeConn{}})
	require.NoError(t, err)
	assert.True(t, res.First)
	assert.True(t, res.Snapshot.IsLeader)
	assert.Equal(t, domain.ParticipantID("observer-1"), res.Snapshot.LeaderID)

	_, res = join(t, room, "alice")
	assert.False(t, res.Snapshot.IsLeader)
	assert.Equal(t, domain.ParticipantID("observer-1"), res.Snapshot.LeaderID)
}

func TestSuccessionFallsToRemainingObserver(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	_, err := room.Join(JoinRequest{ParticipantID: "observer-1", DisplayName: "Observer", Observer: true, ConnID: "c-obs", Conn: &fakeConn{}})
	require.NoError(t, err)

	left, err := room.Leave("alice", "")
	require.NoError(t, err)
	assert.False(t, left.Empty)
	assert.Equal(t, domain.ParticipantID("observer-1"), left.NewLeader)

	snap, err := room.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("observer-1"), snap.LeaderID)
}

func TestEmptiedRoomStartsOver(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")

	require.NoError(t, room.Navigate("alice", NavigateRequest{SectionID: "issues", Route: "/issues"}))
	_, err := room.SubmitRating("alice", 7)
	require.NoError(t, err)
	_, err = room.PauseTimer("alice")
	require.NoError(t, err)

	left, err := room.Leave("alice", "")
	require.NoError(t, err)
	require.True(t, left.Empty)

	// bob lands before the registry tears the room down
	clock.Advance(time.Minute)
	_, res := join(t, room, "bob")
	assert.True(t, res.First)
	assert.True(t, res.Snapshot.IsLeader)
	assert.Empty(t, res.Snapshot.CurrentSection)
	assert.Equal(t, "/meetings/weekly-accountability/team1", res.Snapshot.CurrentRoute)
	assert.False(t, res.Snapshot.Timer.IsPaused)
	assert.Zero(t, res.Snapshot.Ratings.TotalRatings)
	assert.Empty(t, res.Snapshot.Ratings.AllRatings)
	assert.False(t, res.Snapshot.Concluded)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), res.Snapshot.StartedAt)
	require.Len(t, res.Snapshot.Participants, 1)
}

func TestLastLeaveEmptiesRoom(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")

	res, err := room.Leave("alice", "c-alice")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.True(t, room.CloseIfEmpty())

	select {
	case <-room.Done():
	case <-time.After(time.Second):
		t.Fatal("room did not close")
	}
	assert.True(t, room.Closed())
	_, err = room.Join(JoinRequest{ParticipantID: "bob", ConnID: "c-bob", Conn: &fakeConn{}})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestCloseIfEmptyKeepsOccupiedRoom(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	assert.False(t, room.CloseIfEmpty())
	assert.False(t, room.Closed())
}

func TestReconnectKeepsSeatAndLeadership(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	old, _ := join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	bob.reset()

	fresh := &fakeConn{}
	res, err := room.Join(JoinRequest{ParticipantID: "alice", DisplayName: "alice", ConnID: "c-alice-2", Conn: fresh})
	require.NoError(t, err)
	assert.True(t, res.Reconnected)
	assert.True(t, res.Snapshot.IsLeader)
	assert.Len(t, res.Snapshot.Participants, 2)
	assert.True(t, old.isClosed())

	var joined ParticipantJoinedEvent
	bob.last(t, &joined)
	assert.True(t, joined.Reconnected)
	assert.Equal(t, 2, joined.ParticipantCount)

	// A leave for the superseded connection is ignored.
	lr, err := room.Leave("alice", "c-alice")
	require.NoError(t, err)
	assert.False(t, lr.Removed)
}

func TestDetachThenReconnect(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")

	ok, err := room.Detach("alice", "c-alice")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := room.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Participants, 2)
	assert.False(t, snap.Participants[0].Connected)

	bob.reset()
	_, err = room.Join(JoinRequest{ParticipantID: "alice", DisplayName: "alice", ConnID: "c-alice-2", Conn: &fakeConn{}})
	require.NoError(t, err)
	assert.Equal(t, []string{EvParticipantJoined}, bob.types())
}

func TestNonLeaderCannotDrive(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	join(t, room, "bob")

	err := room.Navigate("bob", NavigateRequest{SectionID: "metrics"})
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = room.PauseTimer("bob")
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.ErrorIs(t, room.SetAgenda("bob", nil), ErrNotLeader)
	assert.ErrorIs(t, room.TransferLeadership("bob", "bob"), ErrNotLeader)
	_, err = room.CloseRatings("bob")
	assert.ErrorIs(t, err, ErrNotLeader)
	_, err = room.BeginConclude("bob", nil)
	assert.ErrorIs(t, err, ErrNotLeader)

	err = room.Navigate("mallory", NavigateRequest{SectionID: "metrics"})
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestNavigateBroadcastsToFollowers(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{})
	alice, _ := join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	alice.reset()
	bob.reset()

	require.NoError(t, room.SetAgenda("alice", []domain.AgendaSection{
		{SectionID: "checkin", Expected: 5 * time.Minute},
		{SectionID: "metrics", Expected: 10 * time.Minute},
	}))
	clock.Advance(4 * time.Minute)

	scroll := 120.0
	require.NoError(t, room.Navigate("alice", NavigateRequest{SectionID: "metrics", Route: "/metrics", ScrollPosition: &scroll}))

	assert.Equal(t, []string{EvAgendaUpdated}, alice.types(), "leader does not get its own navigation")
	assert.Equal(t, []string{EvAgendaUpdated, EvSectionChanged}, bob.types())

	var ev SectionChangedEvent
	bob.last(t, &ev)
	assert.Equal(t, "metrics", ev.SectionID)
	assert.Equal(t, "/metrics", ev.Route)
	assert.InDelta(t, 120, ev.ScrollPosition, 1e-9)
	assert.InDelta(t, 240, ev.Timer.TotalActiveSeconds, 1e-9)
	require.NotNil(t, ev.Pace)
	assert.Equal(t, PaceAhead, ev.Pace.Status)

	err := room.Navigate("alice", NavigateRequest{})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRelayExcludesSender(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	alice, _ := join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	carol, _ := join(t, room, "carol")
	alice.reset()
	bob.reset()
	carol.reset()

	res, err := room.Relay("bob", ContentUpdate{Action: "todo-created", EntityID: "t1", Payload: json.RawMessage(`{"title":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SendTo)
	assert.Empty(t, bob.types())

	var ev ContentUpdateEvent
	carol.last(t, &ev)
	assert.Equal(t, domain.ParticipantID("bob"), ev.From)
	assert.Equal(t, "todo-created", ev.Action)
	assert.JSONEq(t, `{"title":"x"}`, string(ev.Payload))
	assert.Len(t, alice.types(), 1)
}

func TestBackpressureReportsDroppedMembers(t *testing.T) {
	var mu sync.Mutex
	var dropped []Dropped
	room, _ := newTestRoom(t, RoomOptions{OnBackpressure: func(_ domain.RoomKey, res PublishResult) {
		mu.Lock()
		dropped = append(dropped, res.Dropped...)
		mu.Unlock()
	}})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	bob.mu.Lock()
	bob.full = true
	bob.mu.Unlock()

	res, err := room.Relay("alice", ContentUpdate{Action: "note"})
	require.NoError(t, err)
	assert.Zero(t, res.SendTo)
	require.Len(t, res.Dropped, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, domain.ParticipantID("bob"), dropped[0].ParticipantID)
	assert.Equal(t, ConnID("c-bob"), dropped[0].ConnID)
}

func TestTimerPauseResumeIdempotent(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	bob.reset()

	clock.Advance(time.Minute)
	changed, err := room.PauseTimer("alice")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = room.PauseTimer("alice")
	require.NoError(t, err)
	assert.False(t, changed)

	clock.Advance(10 * time.Minute)
	changed, err = room.ResumeTimer("alice")
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []string{EvTimerPaused, EvTimerResumed}, bob.types())
	var ev TimerEvent
	bob.last(t, &ev)
	assert.False(t, ev.Timer.IsPaused)
	assert.InDelta(t, 60, ev.Timer.TotalActiveSeconds, 1e-9)
}

func TestTransferLeadership(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")

	assert.ErrorIs(t, room.TransferLeadership("alice", "ghost"), ErrParticipantNotFound)
	require.NoError(t, room.TransferLeadership("alice", "bob"))

	var ev LeaderChangedEvent
	bob.last(t, &ev)
	assert.Equal(t, domain.ParticipantID("bob"), ev.NewLeaderID)
	assert.Equal(t, domain.ParticipantID("alice"), ev.PreviousID)

	assert.ErrorIs(t, room.Navigate("alice", NavigateRequest{SectionID: "x"}), ErrNotLeader)
	assert.NoError(t, room.Navigate("bob", NavigateRequest{SectionID: "x"}))
}

func TestRatingsAggregate(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{})
	for _, id := range []string{"a", "b", "c", "d"} {
		join(t, room, id)
	}

	_, err := room.SubmitRating("a", 0)
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = room.SubmitRating("ghost", 5)
	assert.ErrorIs(t, err, ErrNotMember)

	for id, v := range map[string]int{"a": 6, "b": 8, "c": 10} {
		_, err := room.SubmitRating(domain.ParticipantID(id), v)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	snap, err := room.Ratings()
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalRatings)
	assert.Equal(t, 4, snap.TotalParticipants)
	assert.InDelta(t, 8.0, snap.AverageRating, 1e-9)

	snap, err = room.SubmitRating("d", 9)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalRatings)
	assert.InDelta(t, 8.3, snap.AverageRating, 1e-9)
	require.NotNil(t, snap.Rating)
	assert.Equal(t, 9, snap.Rating.Value)

	// Resubmission replaces the earlier value.
	snap, err = room.SubmitRating("d", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalRatings)
	assert.InDelta(t, 6.3, snap.AverageRating, 1e-9)
}

func TestCloseRatings(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{RatingGrace: time.Minute})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")

	_, err := room.SubmitRating("alice", 7)
	require.NoError(t, err)

	_, err = room.CloseRatings("alice")
	assert.ErrorIs(t, err, ErrRatingWindowOpen)

	clock.Advance(time.Minute)
	summary, err := room.CloseRatings("alice")
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.True(t, summary[0].Rated())
	assert.Equal(t, domain.ParticipantID("bob"), summary[1].ParticipantID)
	assert.False(t, summary[1].Rated())

	var ev RatingsClosedEvent
	bob.last(t, &ev)
	assert.Equal(t, EvRatingsClosed, ev.Type)
	assert.InDelta(t, 7, ev.AverageRating, 1e-9)

	_, err = room.SubmitRating("bob", 5)
	assert.ErrorIs(t, err, ErrRatingsClosed)
	_, err = room.CloseRatings("alice")
	assert.ErrorIs(t, err, ErrRatingsClosed)
}

func TestCloseRatingsWhenEveryoneRated(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	join(t, room, "bob")

	_, err := room.SubmitRating("alice", 7)
	require.NoError(t, err)
	_, err = room.SubmitRating("bob", 9)
	require.NoError(t, err)

	summary, err := room.CloseRatings("alice")
	require.NoError(t, err)
	assert.Len(t, summary, 2)
}

func TestConcludeFailureThenRetry(t *testing.T) {
	room, clock := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	bob, _ := join(t, room, "bob")
	_, err := room.SubmitRating("bob", 8)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	req, err := room.BeginConclude("alice", json.RawMessage(`{"todos":[]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), req.ConcludedBy)
	assert.Equal(t, 30*time.Minute, req.ActiveDuration)
	assert.InDelta(t, 8.0, req.AverageRating, 1e-9)
	assert.Len(t, req.Ratings, 2)

	_, err = room.BeginConclude("alice", nil)
	assert.ErrorIs(t, err, ErrConcludeInProgress)

	bob.reset()
	require.NoError(t, room.FinishConclude("alice", errors.New("api down")))
	assert.Empty(t, bob.types())

	snap, err := room.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Concluded)

	_, err = room.BeginConclude("alice", nil)
	require.NoError(t, err)
	require.NoError(t, room.FinishConclude("alice", nil))

	var ev MeetingConcludedEvent
	bob.last(t, &ev)
	assert.Equal(t, EvMeetingConcluded, ev.Type)
	assert.InDelta(t, 1800, ev.ActiveDurationSeconds, 1e-9)

	snap, err = room.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Concluded)
	assert.True(t, snap.Timer.IsPaused)
	assert.True(t, snap.Ratings.Closed)

	_, err = room.BeginConclude("alice", nil)
	assert.ErrorIs(t, err, ErrAlreadyConcluded)
	_, err = room.PauseTimer("alice")
	assert.ErrorIs(t, err, ErrAlreadyConcluded)

	lr, err := room.Leave("bob", "")
	require.NoError(t, err)
	assert.True(t, lr.Concluded)
}

func TestInfo(t *testing.T) {
	room, _ := newTestRoom(t, RoomOptions{})
	join(t, room, "alice")
	join(t, room, "bob")

	info, err := room.Info()
	require.NoError(t, err)
	assert.Equal(t, testRef.Key, info.Code)
	assert.Equal(t, "org1", info.OrganizationID)
	assert.Equal(t, 2, info.ParticipantCount)
	assert.Equal(t, domain.ParticipantID("alice"), info.LeaderID)
	require.Len(t, info.Participants, 2)
	assert.Equal(t, "bob", info.Participants[1].Name)
}

func TestStopClosesRoom(t *testing.T) {
	room := NewRoomService(context.Background(), testRef, RoomOptions{})
	room.Stop()
	assert.True(t, room.Closed())
	_, err := room.Snapshot()
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, "not_leader", CodeOf(ErrNotLeader))
	assert.Equal(t, KindConflict, KindOf(ErrConcludeInProgress))

	verr := ValidationError("bad_payload", errors.New("boom"))
	assert.Equal(t, KindValidation, KindOf(verr))
	assert.Equal(t, "bad_payload", CodeOf(verr))

	perr := &PersistenceError{Op: "finalize", Err: errors.New("timeout")}
	assert.Equal(t, KindPersistence, KindOf(perr))
	assert.Equal(t, "persistence_failed", CodeOf(perr))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, "internal", CodeOf(errors.New("x")))
}
