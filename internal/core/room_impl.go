package core

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

const DefaultRatingGrace = 2 * time.Minute

type RoomOptions struct {
	RatingGrace time.Duration
	Now         func() time.Time
	// OnBackpressure is called from the room goroutine when some connections
	// could not take a frame. It must not call back into the room.
	OnBackpressure func(key domain.RoomKey, res PublishResult)
}

type member struct {
	meta     domain.Participant
	observer bool
	connID   ConnID
	conn     SignalConnection
}

type roomState struct {
	createdAt time.Time
	members   map[domain.ParticipantID]*member
	nextSeq   uint64
	leaderID  domain.ParticipantID

	section string
	route   string
	scroll  float64
	timer   timerState
	agenda  []domain.AgendaSection

	ratings       map[domain.ParticipantID]domain.Rating
	firstRatingAt time.Time
	ratingsClosed bool

	concluding bool
	concluded  bool
	pending    *domain.FinalizeSession

	closed bool
}

type command struct {
	fn    func(*roomState) error
	reply chan error
}

// roomImpl is a single-owner room: one goroutine applies every command.
// It never closes adapter-owned resources except superseded connections.
type roomImpl struct {
	ref    domain.RoomRef
	opts   RoomOptions
	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}
	state  *roomState
}

func NewRoomService(ctx context.Context, ref domain.RoomRef, opts RoomOptions) RoomService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RatingGrace <= 0 {
		opts.RatingGrace = DefaultRatingGrace
	}
	ctx, cancel := context.WithCancel(ctx)
	now := opts.Now()
	r := &roomImpl{
		ref:    ref,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		state:  newRoomState(ref, now),
	}
	go r.run()
	return r
}

func newRoomState(ref domain.RoomRef, now time.Time) *roomState {
	return &roomState{
		createdAt: now,
		members:   make(map[domain.ParticipantID]*member),
		route:     ref.InitialRoute(),
		timer:     newTimerState(now),
		ratings:   make(map[domain.ParticipantID]domain.Rating),
	}
}

func (r *roomImpl) Ref() domain.RoomRef   { return r.ref }
func (r *roomImpl) Done() <-chan struct{} { return r.done }

func (r *roomImpl) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *roomImpl) Stop() {
	r.cancel()
	<-r.done
}

func (r *roomImpl) run() {
	defer close(r.done)
	log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Msg("room started")
	for {
		select {
		case <-r.ctx.Done():
			log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Msg("room stopped")
			return
		case cmd := <-r.cmds:
			cmd.reply <- r.apply(cmd.fn)
			if r.state.closed {
				log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Msg("room closed")
				return
			}
		}
	}
}

func (r *roomImpl) apply(fn func(*roomState) error) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = fn(r.state) })
	if rec := pc.Recovered(); rec != nil {
		log.Error().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("panic", rec.String()).Msg("room command panicked")
		return rec.AsError()
	}
	return err
}

// exec runs fn on the room goroutine and waits for its result.
func (r *roomImpl) exec(fn func(*roomState) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrRoomClosed
	}
	return <-cmd.reply
}

func (r *roomImpl) Join(req JoinRequest) (JoinResult, error) {
	var res JoinResult
	err := r.exec(func(st *roomState) error {
		if req.ParticipantID == "" {
			return ValidationError("participant_missing", domain.ErrParticipantIDEmpty)
		}
		now := r.opts.Now()
		m, ok := st.members[req.ParticipantID]
		if ok {
			if m.conn != nil && m.connID != req.ConnID {
				log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).
					Str("participant", string(m.meta.ID)).Str("conn", string(m.connID)).Msg("connection superseded")
				m.conn.Close()
			}
			m.conn = req.Conn
			m.connID = req.ConnID
			if req.DisplayName != "" {
				m.meta.DisplayName = req.DisplayName
			}
			res.Reconnected = true
		} else {
			res.First = len(st.members) == 0
			if res.First {
				// The previous meeting emptied out before teardown; start over.
				*st = *newRoomState(r.ref, now)
			}
			st.nextSeq++
			m = &member{
				meta: domain.Participant{
					ID:          req.ParticipantID,
					DisplayName: req.DisplayName,
					JoinedAt:    now,
					Seq:         st.nextSeq,
				},
				observer: req.Observer,
				connID:   req.ConnID,
				conn:     req.Conn,
			}
			st.members[req.ParticipantID] = m
			if res.First {
				st.leaderID = req.ParticipantID
			}
		}

		res.Snapshot = r.snapshot(st, req.ParticipantID, now)
		r.send(m, MeetingJoinedEvent{Type: EvMeetingJoined, Reconnected: res.Reconnected, Snapshot: res.Snapshot})
		r.broadcast(st, m.meta.ID, ParticipantJoinedEvent{
			Type:             EvParticipantJoined,
			Participant:      participantView(st, m),
			ParticipantCount: len(st.members),
			Reconnected:      res.Reconnected,
		})

		log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).
			Str("participant", string(req.ParticipantID)).Str("conn", string(req.ConnID)).
			Bool("requested_leader", req.RequestedAsLeader).Bool("leader", st.leaderID == req.ParticipantID).
			Bool("reconnected", res.Reconnected).Msg("participant joined")
		return nil
	})
	return res, err
}

func (r *roomImpl) Leave(pid domain.ParticipantID, conn ConnID) (LeaveResult, error) {
	var res LeaveResult
	err := r.exec(func(st *roomState) error {
		m, ok := st.members[pid]
		if !ok || (conn != "" && m.connID != conn) {
			return nil
		}
		delete(st.members, pid)
		res.Removed = true
		res.Concluded = st.concluded

		if len(st.members) == 0 {
			st.leaderID = ""
			res.Empty = true
			log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("participant", string(pid)).Msg("last participant left")
			return nil
		}

		if st.leaderID == pid {
			next := st.roster()[0]
			st.leaderID = next.meta.ID
			res.NewLeader = next.meta.ID
			r.broadcast(st, "", LeaderChangedEvent{
				Type:          EvLeaderChanged,
				NewLeaderID:   next.meta.ID,
				NewLeaderName: next.meta.DisplayName,
				PreviousID:    pid,
			})
			log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("leader", string(next.meta.ID)).Msg("leadership passed on")
		}
		r.broadcast(st, "", ParticipantLeftEvent{
			Type:             EvParticipantLeft,
			ParticipantID:    pid,
			Name:             m.meta.DisplayName,
			ParticipantCount: len(st.members),
		})
		log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("participant", string(pid)).Msg("participant left")
		return nil
	})
	return res, err
}

// Detach marks the participant unreachable until it reconnects or is removed.
func (r *roomImpl) Detach(pid domain.ParticipantID, conn ConnID) (bool, error) {
	var detached bool
	err := r.exec(func(st *roomState) error {
		m, ok := st.members[pid]
		if !ok || m.connID != conn {
			return nil
		}
		m.conn = nil
		detached = true
		log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("participant", string(pid)).Msg("participant detached")
		return nil
	})
	return detached, err
}

func (r *roomImpl) Navigate(pid domain.ParticipantID, req NavigateRequest) error {
	return r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		if req.SectionID == "" && req.Route == "" {
			return ValidationError("navigation_empty", errors.New("section or route required"))
		}
		now := r.opts.Now()
		if req.SectionID != "" && req.SectionID != st.section {
			st.timer.switchSection(st.section, now)
			st.section = req.SectionID
		}
		if req.Route != "" {
			st.route = req.Route
		}
		st.scroll = 0
		if req.ScrollPosition != nil {
			st.scroll = *req.ScrollPosition
		}
		r.broadcast(st, pid, SectionChangedEvent{
			Type:           EvSectionChanged,
			SectionID:      st.section,
			Route:          st.route,
			ScrollPosition: st.scroll,
			Timer:          st.timer.view(st.section, now),
			Pace:           st.pace(now),
		})
		return nil
	})
}

func (r *roomImpl) Relay(pid domain.ParticipantID, upd ContentUpdate) (PublishResult, error) {
	var res PublishResult
	err := r.exec(func(st *roomState) error {
		m, ok := st.members[pid]
		if !ok {
			return ErrNotMember
		}
		res = r.broadcast(st, pid, ContentUpdateEvent{
			Type:     EvContentUpdate,
			From:     pid,
			FromName: m.meta.DisplayName,
			Action:   upd.Action,
			EntityID: upd.EntityID,
			Payload:  upd.Payload,
		})
		return nil
	})
	return res, err
}

func (r *roomImpl) PauseTimer(pid domain.ParticipantID) (bool, error) {
	return r.toggleTimer(pid, true)
}

func (r *roomImpl) ResumeTimer(pid domain.ParticipantID) (bool, error) {
	return r.toggleTimer(pid, false)
}

func (r *roomImpl) toggleTimer(pid domain.ParticipantID, pause bool) (bool, error) {
	var changed bool
	err := r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		if st.concluded {
			return ErrAlreadyConcluded
		}
		now := r.opts.Now()
		typ := EvTimerResumed
		if pause {
			typ = EvTimerPaused
			changed = st.timer.pause(st.section, now)
		} else {
			changed = st.timer.resume(now)
		}
		if !changed {
			return nil
		}
		r.broadcast(st, "", TimerEvent{
			Type:      typ,
			Timestamp: now.UnixMilli(),
			Timer:     st.timer.view(st.section, now),
			Pace:      st.pace(now),
		})
		return nil
	})
	return changed, err
}

func (r *roomImpl) SetAgenda(pid domain.ParticipantID, sections []domain.AgendaSection) error {
	return r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		st.agenda = slices.Clone(sections)
		items := make([]AgendaItem, 0, len(sections))
		for _, s := range sections {
			items = append(items, AgendaItem{SectionID: s.SectionID, Minutes: s.Expected.Minutes()})
		}
		r.broadcast(st, "", AgendaUpdatedEvent{Type: EvAgendaUpdated, Sections: items, Pace: st.pace(r.opts.Now())})
		return nil
	})
}

func (r *roomImpl) TransferLeadership(pid, target domain.ParticipantID) error {
	return r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		next, ok := st.members[target]
		if !ok {
			return ErrParticipantNotFound
		}
		if target == pid {
			return nil
		}
		st.leaderID = target
		r.broadcast(st, "", LeaderChangedEvent{
			Type:          EvLeaderChanged,
			NewLeaderID:   target,
			NewLeaderName: next.meta.DisplayName,
			PreviousID:    pid,
		})
		log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("from", string(pid)).Str("to", string(target)).Msg("leadership transferred")
		return nil
	})
}

func (r *roomImpl) SubmitRating(pid domain.ParticipantID, value int) (RatingSnapshot, error) {
	var snap RatingSnapshot
	err := r.exec(func(st *roomState) error {
		m, ok := st.members[pid]
		if !ok {
			return ErrNotMember
		}
		if st.ratingsClosed {
			return ErrRatingsClosed
		}
		if !ValidRating(value) {
			return ErrInvalidRating
		}
		now := r.opts.Now()
		rating := domain.Rating{
			ParticipantID: pid,
			DisplayName:   m.meta.DisplayName,
			Value:         value,
			SubmittedAt:   now,
		}
		st.ratings[pid] = rating
		if st.firstRatingAt.IsZero() {
			st.firstRatingAt = now
		}
		snap = Aggregate(st.ratings, len(st.members))
		snap.Rating = &rating
		r.broadcast(st, "", RatingEvent{Type: EvRatingUpdate, RatingSnapshot: snap})
		return nil
	})
	return snap, err
}

func (r *roomImpl) Ratings() (RatingSnapshot, error) {
	var snap RatingSnapshot
	err := r.exec(func(st *roomState) error {
		snap = Aggregate(st.ratings, len(st.members))
		snap.Closed = st.ratingsClosed
		return nil
	})
	return snap, err
}

func (r *roomImpl) CloseRatings(pid domain.ParticipantID) ([]domain.RatingEntry, error) {
	var summary []domain.RatingEntry
	err := r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		if st.ratingsClosed {
			return ErrRatingsClosed
		}
		if !CanCloseRatings(st.ratings, st.participants(), st.firstRatingAt, r.opts.RatingGrace, r.opts.Now()) {
			return ErrRatingWindowOpen
		}
		st.ratingsClosed = true
		summary = Summarize(st.ratings, st.participants())
		r.broadcast(st, "", RatingsClosedEvent{
			Type:          EvRatingsClosed,
			AverageRating: RoundDisplay(Average(SortedRatings(st.ratings))),
			Summary:       summary,
		})
		return nil
	})
	return summary, err
}

// BeginConclude packages the finalize request and blocks other conclude
// attempts until FinishConclude.
func (r *roomImpl) BeginConclude(pid domain.ParticipantID, outcome json.RawMessage) (domain.FinalizeSession, error) {
	var req domain.FinalizeSession
	err := r.exec(func(st *roomState) error {
		if err := st.requireLeader(pid); err != nil {
			return err
		}
		if st.concluded {
			return ErrAlreadyConcluded
		}
		if st.concluding {
			return ErrConcludeInProgress
		}
		now := r.opts.Now()
		req = domain.FinalizeSession{
			OrganizationID:   r.ref.OrganizationID,
			TeamID:           r.ref.TeamID,
			Kind:             r.ref.Kind,
			ConcludedBy:      pid,
			ConcludedAt:      now,
			AverageRating:    Average(SortedRatings(st.ratings)),
			Ratings:          Summarize(st.ratings, st.participants()),
			ActiveDuration:   st.timer.totalActive(now),
			SectionDurations: st.timer.sectionDurations(st.section, now),
			Outcome:          outcome,
		}
		st.concluding = true
		st.pending = &req
		return nil
	})
	return req, err
}

// FinishConclude settles a conclude started by BeginConclude. A failure
// leaves the room as it was so the leader can retry.
func (r *roomImpl) FinishConclude(pid domain.ParticipantID, failure error) error {
	return r.exec(func(st *roomState) error {
		if !st.concluding || st.pending == nil {
			return nil
		}
		req := st.pending
		st.concluding = false
		st.pending = nil
		if failure != nil {
			log.Warn().Err(failure).Str("module", "core.room").Str("room", string(r.ref.Key)).Msg("conclude failed, room kept")
			return nil
		}
		st.concluded = true
		st.ratingsClosed = true
		st.timer.pause(st.section, r.opts.Now())

		sections := make(map[string]float64, len(req.SectionDurations))
		for id, d := range req.SectionDurations {
			sections[id] = d.Seconds()
		}
		r.broadcast(st, "", MeetingConcludedEvent{
			Type:                  EvMeetingConcluded,
			ConcludedBy:           req.ConcludedBy,
			ConcludedAt:           req.ConcludedAt.UnixMilli(),
			AverageRating:         RoundDisplay(req.AverageRating),
			Ratings:               req.Ratings,
			ActiveDurationSeconds: req.ActiveDuration.Seconds(),
			SectionSeconds:        sections,
			Outcome:               req.Outcome,
		})
		log.Info().Str("module", "core.room").Str("room", string(r.ref.Key)).Str("by", string(pid)).Msg("meeting concluded")
		return nil
	})
}

func (r *roomImpl) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := r.exec(func(st *roomState) error {
		snap = r.snapshot(st, "", r.opts.Now())
		return nil
	})
	return snap, err
}

func (r *roomImpl) Info() (RoomInfo, error) {
	var info RoomInfo
	err := r.exec(func(st *roomState) error {
		info = RoomInfo{
			Code:             r.ref.Key,
			OrganizationID:   r.ref.OrganizationID,
			TeamID:           r.ref.TeamID,
			MeetingKind:      r.ref.Kind,
			ParticipantCount: len(st.members),
			LeaderID:         st.leaderID,
			CurrentSection:   st.section,
			CurrentRoute:     st.route,
			StartedAt:        st.createdAt.UnixMilli(),
			Concluded:        st.concluded,
		}
		for _, m := range st.roster() {
			info.Participants = append(info.Participants, ParticipantSummary{ID: m.meta.ID, Name: m.meta.DisplayName})
		}
		return nil
	})
	return info, err
}

func (r *roomImpl) CloseIfEmpty() bool {
	var closed bool
	err := r.exec(func(st *roomState) error {
		if len(st.members) == 0 {
			st.closed = true
			closed = true
		}
		return nil
	})
	if errors.Is(err, ErrRoomClosed) {
		return true
	}
	return closed
}

func (r *roomImpl) snapshot(st *roomState, viewer domain.ParticipantID, now time.Time) Snapshot {
	ratings := Aggregate(st.ratings, len(st.members))
	ratings.Closed = st.ratingsClosed
	s := Snapshot{
		Code:           r.ref.Key,
		OrganizationID: r.ref.OrganizationID,
		TeamID:         r.ref.TeamID,
		MeetingKind:    r.ref.Kind,
		LeaderID:       st.leaderID,
		CurrentSection: st.section,
		CurrentRoute:   st.route,
		ScrollPosition: st.scroll,
		Timer:          st.timer.view(st.section, now),
		Pace:           st.pace(now),
		Ratings:        ratings,
		Concluded:      st.concluded,
		StartedAt:      st.createdAt.UnixMilli(),
	}
	if l, ok := st.members[st.leaderID]; ok {
		s.LeaderName = l.meta.DisplayName
	}
	for _, m := range st.roster() {
		s.Participants = append(s.Participants, participantView(st, m))
	}
	if viewer != "" {
		s.ParticipantID = viewer
		s.IsLeader = viewer == st.leaderID
		s.IsFollowing = !s.IsLeader
	}
	return s
}

func (r *roomImpl) send(m *member, v any) {
	if m.conn == nil {
		return
	}
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.room").Msg("encode event")
		return
	}
	if err := m.conn.TrySend(frame); err != nil && r.opts.OnBackpressure != nil {
		r.opts.OnBackpressure(r.ref.Key, PublishResult{
			Dropped: []Dropped{{ParticipantID: m.meta.ID, ConnID: m.connID, Conn: m.conn}},
		})
	}
}

// broadcast fans v out to every attached member except one.
func (r *roomImpl) broadcast(st *roomState, except domain.ParticipantID, v any) PublishResult {
	res := PublishResult{}
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.room").Msg("encode event")
		return res
	}
	for id, m := range st.members {
		if id == except || m.conn == nil {
			continue
		}
		if err := m.conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, Dropped{ParticipantID: id, ConnID: m.connID, Conn: m.conn})
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.ref.Key)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	if len(res.Dropped) > 0 && r.opts.OnBackpressure != nil {
		r.opts.OnBackpressure(r.ref.Key, res)
	}
	return res
}

func (st *roomState) requireLeader(pid domain.ParticipantID) error {
	if _, ok := st.members[pid]; !ok {
		return ErrNotMember
	}
	if st.leaderID != pid {
		return ErrNotLeader
	}
	return nil
}

// roster returns members in join order.
func (st *roomState) roster() []*member {
	out := make([]*member, 0, len(st.members))
	for _, m := range st.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *member) int {
		switch {
		case a.meta.Seq < b.meta.Seq:
			return -1
		case a.meta.Seq > b.meta.Seq:
			return 1
		}
		return 0
	})
	return out
}

func (st *roomState) participants() []domain.Participant {
	ms := st.roster()
	out := make([]domain.Participant, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.meta)
	}
	return out
}

func (st *roomState) pace(now time.Time) *PaceView {
	if len(st.agenda) == 0 {
		return nil
	}
	v := ClassifyPace(st.agenda, st.section, st.timer.totalActive(now))
	return &v
}

func participantView(st *roomState, m *member) ParticipantView {
	leader := m.meta.ID == st.leaderID
	return ParticipantView{
		ID:          m.meta.ID,
		Name:        m.meta.DisplayName,
		JoinedAt:    m.meta.JoinedAt.UnixMilli(),
		IsLeader:    leader,
		IsFollowing: !leader,
		Observer:    m.observer,
		Connected:   m.conn != nil,
	}
}
