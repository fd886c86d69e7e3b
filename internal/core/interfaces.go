package core

import (
	"encoding/json"

	"github.com/dkeye/meetsync/internal/domain"
)

// Frame is one encoded outbound message.
type Frame []byte

// ConnID identifies one live transport connection. A participant keeps its
// id across reloads, the connection id changes every time.
type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []Dropped
}

type Dropped struct {
	ParticipantID domain.ParticipantID
	ConnID        ConnID
	Conn          SignalConnection
}

type JoinRequest struct {
	ParticipantID     domain.ParticipantID
	DisplayName       string
	RequestedAsLeader bool
	Observer          bool
	ConnID            ConnID
	Conn              SignalConnection
}

type JoinResult struct {
	Snapshot Snapshot
	// First is set when the joiner found an empty roster and opened the meeting.
	First       bool
	Reconnected bool
}

type LeaveResult struct {
	Removed   bool
	Empty     bool
	NewLeader domain.ParticipantID
	Concluded bool
}

type NavigateRequest struct {
	SectionID      string   `json:"sectionId"`
	Route          string   `json:"route,omitempty"`
	ScrollPosition *float64 `json:"scrollPosition,omitempty"`
}

type ContentUpdate struct {
	Action   string          `json:"action"`
	EntityID string          `json:"entityId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RoomService is the core-facing API of a room.
// Every call is applied by the room's own goroutine, in arrival order.
type RoomService interface {
	Ref() domain.RoomRef
	Done() <-chan struct{}
	Closed() bool

	Join(req JoinRequest) (JoinResult, error)
	Leave(pid domain.ParticipantID, conn ConnID) (LeaveResult, error)
	Detach(pid domain.ParticipantID, conn ConnID) (bool, error)

	Navigate(pid domain.ParticipantID, req NavigateRequest) error
	Relay(pid domain.ParticipantID, upd ContentUpdate) (PublishResult, error)
	PauseTimer(pid domain.ParticipantID) (bool, error)
	ResumeTimer(pid domain.ParticipantID) (bool, error)
	SetAgenda(pid domain.ParticipantID, sections []domain.AgendaSection) error
	TransferLeadership(pid, target domain.ParticipantID) error

	SubmitRating(pid domain.ParticipantID, value int) (RatingSnapshot, error)
	Ratings() (RatingSnapshot, error)
	CloseRatings(pid domain.ParticipantID) ([]domain.RatingEntry, error)

	BeginConclude(pid domain.ParticipantID, outcome json.RawMessage) (domain.FinalizeSession, error)
	FinishConclude(pid domain.ParticipantID, failure error) error

	Snapshot() (Snapshot, error)
	Info() (RoomInfo, error)

	// CloseIfEmpty stops the room when its roster is empty and reports whether it did.
	CloseIfEmpty() bool
	Stop()
}

// RoomInfo is a read-only view for listings and probes (no transport fields).
type RoomInfo struct {
	Code             domain.RoomKey       `json:"code"`
	OrganizationID   string               `json:"organizationId"`
	TeamID           string               `json:"teamId"`
	MeetingKind      domain.MeetingKind   `json:"meetingKind"`
	ParticipantCount int                  `json:"participantCount"`
	Participants     []ParticipantSummary `json:"participants"`
	LeaderID         domain.ParticipantID `json:"leaderId"`
	CurrentSection   string               `json:"currentSection,omitempty"`
	CurrentRoute     string               `json:"currentRoute,omitempty"`
	StartedAt        int64                `json:"startedAt"`
	Concluded        bool                 `json:"concluded"`
}

type ParticipantSummary struct {
	ID   domain.ParticipantID `json:"id"`
	Name string               `json:"name"`
}

// RoomManager is the process-wide room registry.
type RoomManager interface {
	// GetOrCreate returns the live room for ref, constructing it when absent.
	GetOrCreate(ref domain.RoomRef) (RoomService, bool)
	Get(key domain.RoomKey) (RoomService, bool)
	// RemoveIfEmpty drops the room entry iff its roster is empty.
	RemoveIfEmpty(key domain.RoomKey) bool
	List() []RoomInfo
	Stop()
}
