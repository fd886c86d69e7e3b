package core

import (
	"context"

	"github.com/dkeye/meetsync/internal/domain"
)

// SessionPersistence is the durable meeting-session API.
// Implementations live in adapters/persistence.
type SessionPersistence interface {
	// Start opens a session, or returns the already active one with Resumed set.
	Start(ctx context.Context, req domain.StartSession) (domain.SessionRecord, error)
	Pause(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error
	Resume(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error
	Finalize(ctx context.Context, req domain.FinalizeSession) error
}
