package domain

import "time"

const (
	MinRating = 1
	MaxRating = 10
)

type Rating struct {
	ParticipantID ParticipantID `json:"userId"`
	DisplayName   string        `json:"userName"`
	Value         int           `json:"rating"`
	SubmittedAt   time.Time     `json:"submittedAt"`
}

// RatingEntry is one line of the end-of-meeting summary.
// Value is nil for a participant who did not rate.
type RatingEntry struct {
	ParticipantID ParticipantID `json:"userId"`
	DisplayName   string        `json:"userName"`
	Value         *int          `json:"rating"`
	SubmittedAt   *time.Time    `json:"submittedAt,omitempty"`
}

func (e RatingEntry) Rated() bool { return e.Value != nil }
