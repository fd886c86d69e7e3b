package core

import (
	"encoding/json"

	"github.com/dkeye/meetsync/internal/domain"
)

// Outbound message types.
const (
	EvMeetingJoined        = "meeting-joined"
	EvParticipantJoined    = "participant-joined"
	EvParticipantLeft      = "participant-left"
	EvLeaderChanged        = "leader-changed"
	EvSectionChanged       = "section-changed"
	EvContentUpdate        = "content-update"
	EvTimerPaused          = "timer-paused"
	EvTimerResumed         = "timer-resumed"
	EvAgendaUpdated        = "agenda-updated"
	EvRatingUpdate         = "rating-update"
	EvCurrentRatings       = "current-ratings"
	EvRatingsClosed        = "ratings-closed"
	EvMeetingConcluded     = "meeting-concluded"
	EvActiveMeetingsUpdate = "active-meetings-update"
)

type ParticipantView struct {
	ID          domain.ParticipantID `json:"id"`
	Name        string               `json:"name"`
	JoinedAt    int64                `json:"joinedAt"`
	IsLeader    bool                 `json:"isLeader"`
	IsFollowing bool                 `json:"isFollowing"`
	Observer    bool                 `json:"observer,omitempty"`
	Connected   bool                 `json:"connected"`
}

// Snapshot is the full room state handed to a joiner.
type Snapshot struct {
	Code           domain.RoomKey       `json:"code"`
	OrganizationID string               `json:"organizationId"`
	TeamID         string               `json:"teamId"`
	MeetingKind    domain.MeetingKind   `json:"meetingKind"`
	ParticipantID  domain.ParticipantID `json:"participantId,omitempty"`
	IsLeader       bool                 `json:"isLeader"`
	IsFollowing    bool                 `json:"isFollowing"`
	LeaderID       domain.ParticipantID `json:"leaderId"`
	LeaderName     string               `json:"leaderName"`
	CurrentSection string               `json:"currentSection"`
	CurrentRoute   string               `json:"currentRoute"`
	ScrollPosition float64              `json:"scrollPosition"`
	Participants   []ParticipantView    `json:"participants"`
	Timer          TimerView            `json:"timer"`
	Pace           *PaceView            `json:"pace,omitempty"`
	Ratings        RatingSnapshot       `json:"ratings"`
	Concluded      bool                 `json:"concluded"`
	StartedAt      int64                `json:"startedAt"`
}

type MeetingJoinedEvent struct {
	Type        string `json:"type"`
	Reconnected bool   `json:"reconnected"`
	Snapshot
}

type ParticipantJoinedEvent struct {
	Type             string          `json:"type"`
	Participant      ParticipantView `json:"participant"`
	ParticipantCount int             `json:"participantCount"`
	Reconnected      bool            `json:"reconnected"`
}

type ParticipantLeftEvent struct {
	Type             string               `json:"type"`
	ParticipantID    domain.ParticipantID `json:"participantId"`
	Name             string               `json:"name"`
	ParticipantCount int                  `json:"participantCount"`
}

type LeaderChangedEvent struct {
	Type          string               `json:"type"`
	NewLeaderID   domain.ParticipantID `json:"newLeaderId"`
	NewLeaderName string               `json:"newLeaderName"`
	PreviousID    domain.ParticipantID `json:"previousLeaderId,omitempty"`
}

type SectionChangedEvent struct {
	Type           string    `json:"type"`
	SectionID      string    `json:"sectionId"`
	Route          string    `json:"route,omitempty"`
	ScrollPosition float64   `json:"scrollPosition"`
	Timer          TimerView `json:"timer"`
	Pace           *PaceView `json:"pace,omitempty"`
}

type ContentUpdateEvent struct {
	Type     string               `json:"type"`
	From     domain.ParticipantID `json:"from"`
	FromName string               `json:"fromName"`
	Action   string               `json:"action"`
	EntityID string               `json:"entityId"`
	Payload  json.RawMessage      `json:"payload,omitempty"`
}

type TimerEvent struct {
	Type      string    `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Timer     TimerView `json:"timer"`
	Pace      *PaceView `json:"pace,omitempty"`
}

type AgendaUpdatedEvent struct {
	Type     string       `json:"type"`
	Sections []AgendaItem `json:"sections"`
	Pace     *PaceView    `json:"pace,omitempty"`
}

type AgendaItem struct {
	SectionID string  `json:"sectionId"`
	Minutes   float64 `json:"minutes"`
}

type RatingEvent struct {
	Type string `json:"type"`
	RatingSnapshot
}

type RatingsClosedEvent struct {
	Type          string               `json:"type"`
	AverageRating float64              `json:"averageRating"`
	Summary       []domain.RatingEntry `json:"summary"`
}

type MeetingConcludedEvent struct {
	Type                  string               `json:"type"`
	ConcludedBy           domain.ParticipantID `json:"concludedBy"`
	ConcludedAt           int64                `json:"concludedAt"`
	AverageRating         float64              `json:"averageRating"`
	Ratings               []domain.RatingEntry `json:"ratings"`
	ActiveDurationSeconds float64              `json:"activeDurationSeconds"`
	SectionSeconds        map[string]float64   `json:"sectionSeconds"`
	Outcome               json.RawMessage      `json:"outcome,omitempty"`
}

type ActiveMeetingsEvent struct {
	Type     string     `json:"type"`
	Meetings []RoomInfo `json:"meetings"`
}

// Encode marshals an outbound event into a frame.
func Encode(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}
