// Package memory keeps meeting sessions in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/google/uuid"
)

type PauseEvent struct {
	PausedAt  time.Time
	ResumedAt time.Time
	PausedBy  domain.ParticipantID
	ResumedBy domain.ParticipantID
}

type activeKey struct {
	org, team string
	kind      domain.MeetingKind
}

// Store implements core.SessionPersistence with maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.SessionRecord
	active   map[activeKey]domain.SessionID
	pauses   map[domain.SessionID][]PauseEvent
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[domain.SessionID]*domain.SessionRecord),
		active:   make(map[activeKey]domain.SessionID),
		pauses:   make(map[domain.SessionID][]PauseEvent),
		now:      time.Now,
	}
}

func (s *Store) Start(_ context.Context, req domain.StartSession) (domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey{org: req.OrganizationID, team: req.TeamID, kind: req.Kind}
	if id, ok := s.active[key]; ok {
		rec := *s.sessions[id]
		rec.Resumed = true
		return rec, nil
	}
	rec := &domain.SessionRecord{
		ID:             domain.SessionID(uuid.NewString()),
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Kind:           req.Kind,
		FacilitatorID:  req.FacilitatorID,
		StartedAt:      s.now(),
		Active:         true,
	}
	s.sessions[rec.ID] = rec
	s.active[key] = rec.ID
	return *rec, nil
}

func (s *Store) Pause(_ context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeSession(ref.ID)
	if err != nil {
		return err
	}
	if rec.Paused {
		return nil
	}
	now := s.now()
	rec.Paused = true
	rec.LastPauseAt = now
	s.pauses[rec.ID] = append(s.pauses[rec.ID], PauseEvent{PausedAt: now, PausedBy: by})
	return nil
}

func (s *Store) Resume(_ context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeSession(ref.ID)
	if err != nil {
		return err
	}
	if !rec.Paused {
		return nil
	}
	now := s.now()
	s.closePause(rec, now, by)
	return nil
}

func (s *Store) Finalize(_ context.Context, req domain.FinalizeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.activeSession(req.SessionID)
	if err != nil {
		return err
	}
	if rec.Paused {
		s.closePause(rec, req.ConcludedAt, req.ConcludedBy)
	}
	rec.Active = false
	rec.EndedAt = req.ConcludedAt
	rec.ConcludedBy = req.ConcludedBy
	rec.AverageRating = req.AverageRating
	rec.Ratings = req.Ratings
	rec.ActiveDuration = req.ActiveDuration
	rec.Outcome = req.Outcome
	delete(s.active, activeKey{org: rec.OrganizationID, team: rec.TeamID, kind: rec.Kind})
	return nil
}

// Get returns a copy of a stored session.
func (s *Store) Get(_ context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return domain.SessionRecord{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return *rec, nil
}

func (s *Store) Pauses(id domain.SessionID) []PauseEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PauseEvent(nil), s.pauses[id]...)
}

func (s *Store) activeSession(id domain.SessionID) (*domain.SessionRecord, error) {
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}
	return rec, nil
}

func (s *Store) closePause(rec *domain.SessionRecord, now time.Time, by domain.ParticipantID) {
	rec.TotalPaused += now.Sub(rec.LastPauseAt)
	rec.Paused = false
	rec.LastPauseAt = time.Time{}
	events := s.pauses[rec.ID]
	if n := len(events); n > 0 && events[n-1].ResumedAt.IsZero() {
		events[n-1].ResumedAt = now
		events[n-1].ResumedBy = by
	}
}
