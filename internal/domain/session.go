package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
)

type SessionID string

// SessionRef addresses one session row inside its organization and team.
type SessionRef struct {
	ID             SessionID
	OrganizationID string
	TeamID         string
}

// StartSession asks the session-persistence API to open, or hand back, the active session of a team meeting.
type StartSession struct {
	OrganizationID string
	TeamID         string
	Kind           MeetingKind
	FacilitatorID  ParticipantID
}

// SessionRecord is the durable meeting-session row as seen by the engine.
type SessionRecord struct {
	ID             SessionID     `json:"id"`
	OrganizationID string        `json:"organizationId"`
	TeamID         string        `json:"teamId"`
	Kind           MeetingKind   `json:"meetingType"`
	FacilitatorID  ParticipantID `json:"facilitatorId"`
	StartedAt      time.Time     `json:"startTime"`
	Active         bool          `json:"isActive"`
	Paused         bool          `json:"isPaused"`
	LastPauseAt    time.Time     `json:"lastPauseTime,omitempty"`
	TotalPaused    time.Duration `json:"totalPausedDuration"`
	// Resumed reports that Start returned an already active session.
	Resumed bool `json:"resumed"`

	EndedAt        time.Time       `json:"endTime,omitempty"`
	ConcludedBy    ParticipantID   `json:"concludedBy,omitempty"`
	AverageRating  float64         `json:"averageRating,omitempty"`
	Ratings        []RatingEntry   `json:"ratings,omitempty"`
	ActiveDuration time.Duration   `json:"activeDuration,omitempty"`
	Outcome        json.RawMessage `json:"outcome,omitempty"`
}

func (r SessionRecord) Ref() SessionRef {
	return SessionRef{ID: r.ID, OrganizationID: r.OrganizationID, TeamID: r.TeamID}
}

// FinalizeSession closes a session with the aggregate results of the meeting.
type FinalizeSession struct {
	SessionID        SessionID
	OrganizationID   string
	TeamID           string
	Kind             MeetingKind
	ConcludedBy      ParticipantID
	ConcludedAt      time.Time
	AverageRating    float64
	Ratings          []RatingEntry
	ActiveDuration   time.Duration
	SectionDurations map[string]time.Duration
	// Outcome is the agenda result (todos, issues, notes) owned by the CRUD services.
	Outcome json.RawMessage
}

func (f FinalizeSession) Ref() SessionRef {
	return SessionRef{ID: f.SessionID, OrganizationID: f.OrganizationID, TeamID: f.TeamID}
}
