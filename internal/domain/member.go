package domain

import "time"

// Participant is a roster entry of a live room.
// Leadership is a room property and is never stored here.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"name"`
	JoinedAt    time.Time     `json:"joinedAt"`
	// Seq is the insertion order inside the room, used for leader succession.
	Seq uint64 `json:"-"`
}
