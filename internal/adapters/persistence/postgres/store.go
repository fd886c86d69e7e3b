// Package postgres stores meeting sessions in PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS meeting_sessions (
	id                  TEXT PRIMARY KEY,
	organization_id     TEXT NOT NULL,
	team_id             TEXT NOT NULL,
	meeting_type        TEXT NOT NULL,
	facilitator_id      TEXT NOT NULL,
	start_time          TIMESTAMPTZ NOT NULL,
	is_active           BOOLEAN NOT NULL DEFAULT TRUE,
	is_paused           BOOLEAN NOT NULL DEFAULT FALSE,
	last_pause_time     TIMESTAMPTZ,
	total_paused_ms     BIGINT NOT NULL DEFAULT 0,
	end_time            TIMESTAMPTZ,
	concluded_by        TEXT,
	average_rating      DOUBLE PRECISION,
	ratings             JSONB,
	active_duration_ms  BIGINT,
	section_durations   JSONB,
	outcome             JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS meeting_sessions_one_active
	ON meeting_sessions (organization_id, team_id, meeting_type)
	WHERE is_active;

CREATE TABLE IF NOT EXISTS meeting_pause_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES meeting_sessions (id) ON DELETE CASCADE,
	paused_at   TIMESTAMPTZ NOT NULL,
	paused_by   TEXT,
	resumed_at  TIMESTAMPTZ,
	resumed_by  TEXT
);`

const sessionColumns = `id, organization_id, team_id, meeting_type, facilitator_id, start_time,
	is_active, is_paused, last_pause_time, total_paused_ms, end_time, concluded_by,
	average_rating, ratings, active_duration_ms, outcome`

type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPool opens a pool for dsn and checks it with a ping.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "meetsync"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the session tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate meeting sessions: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) Start(ctx context.Context, req domain.StartSession) (domain.SessionRecord, error) {
	query := `
		INSERT INTO meeting_sessions (id, organization_id, team_id, meeting_type, facilitator_id, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organization_id, team_id, meeting_type) WHERE is_active DO NOTHING
		RETURNING ` + sessionColumns
	rec, err := scanSession(s.db.QueryRow(ctx, query,
		uuid.NewString(), req.OrganizationID, req.TeamID, string(req.Kind), string(req.FacilitatorID), s.now().UTC()))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionRecord{}, fmt.Errorf("failed to start session: %w", err)
	}

	query = `SELECT ` + sessionColumns + ` FROM meeting_sessions
		WHERE organization_id=$1 AND team_id=$2 AND meeting_type=$3 AND is_active`
	rec, err = scanSession(s.db.QueryRow(ctx, query, req.OrganizationID, req.TeamID, string(req.Kind)))
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to load active session: %w", err)
	}
	rec.Resumed = true
	return rec, nil
}

func (s *Store) Pause(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rec, err := lockActive(ctx, tx, ref.ID)
		if err != nil || rec.Paused {
			return err
		}
		now := s.now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE meeting_sessions SET is_paused=TRUE, last_pause_time=$2 WHERE id=$1`,
			string(ref.ID), now); err != nil {
			return fmt.Errorf("failed to pause session: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO meeting_pause_events (session_id, paused_at, paused_by) VALUES ($1, $2, $3)`,
			string(ref.ID), now, string(by)); err != nil {
			return fmt.Errorf("failed to record pause: %w", err)
		}
		return nil
	})
}

func (s *Store) Resume(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rec, err := lockActive(ctx, tx, ref.ID)
		if err != nil || !rec.Paused {
			return err
		}
		return closePause(ctx, tx, rec, s.now().UTC(), by)
	})
}

func (s *Store) Finalize(ctx context.Context, req domain.FinalizeSession) error {
	ratings, err := json.Marshal(req.Ratings)
	if err != nil {
		return fmt.Errorf("failed to marshal ratings: %w", err)
	}
	sections := make(map[string]int64, len(req.SectionDurations))
	for id, d := range req.SectionDurations {
		sections[id] = d.Milliseconds()
	}
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to marshal section durations: %w", err)
	}
	var outcome []byte
	if len(req.Outcome) > 0 {
		outcome = req.Outcome
	}
	endedAt := req.ConcludedAt.UTC()

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rec, err := lockActive(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}
		if rec.Paused {
			if err := closePause(ctx, tx, rec, endedAt, req.ConcludedBy); err != nil {
				return err
			}
		}
		query := `
			UPDATE meeting_sessions
			SET is_active=FALSE, end_time=$2, concluded_by=$3, average_rating=$4,
			    ratings=$5, active_duration_ms=$6, section_durations=$7, outcome=$8
			WHERE id=$1`
		if _, err := tx.Exec(ctx, query, string(req.SessionID), endedAt, string(req.ConcludedBy),
			req.AverageRating, ratings, req.ActiveDuration.Milliseconds(), sectionsJSON, outcome); err != nil {
			return fmt.Errorf("failed to finalize session: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM meeting_sessions WHERE id=$1`
	rec, err := scanSession(s.db.QueryRow(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionRecord{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

func lockActive(ctx context.Context, tx pgx.Tx, id domain.SessionID) (domain.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM meeting_sessions WHERE id=$1 FOR UPDATE`
	rec, err := scanSession(tx.QueryRow(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return rec, err
	}
	if !rec.Active {
		return rec, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}
	return rec, nil
}

func closePause(ctx context.Context, tx pgx.Tx, rec domain.SessionRecord, now time.Time, by domain.ParticipantID) error {
	paused := now.Sub(rec.LastPauseAt)
	if _, err := tx.Exec(ctx, `
		UPDATE meeting_sessions
		SET is_paused=FALSE, last_pause_time=NULL, total_paused_ms=total_paused_ms+$2
		WHERE id=$1`, string(rec.ID), paused.Milliseconds()); err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE meeting_pause_events SET resumed_at=$2, resumed_by=$3
		WHERE session_id=$1 AND resumed_at IS NULL`, string(rec.ID), now, string(by)); err != nil {
		return fmt.Errorf("failed to record resume: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (domain.SessionRecord, error) {
	var (
		rec                domain.SessionRecord
		id, org, team      string
		kind, facilitator  string
		lastPause, endTime *time.Time
		totalPausedMs      int64
		concludedBy        *string
		average            *float64
		ratings, outcome   []byte
		activeMs           *int64
	)
	err := row.Scan(&id, &org, &team, &kind, &facilitator, &rec.StartedAt,
		&rec.Active, &rec.Paused, &lastPause, &totalPausedMs, &endTime, &concludedBy,
		&average, &ratings, &activeMs, &outcome)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	rec.ID = domain.SessionID(id)
	rec.OrganizationID = org
	rec.TeamID = team
	rec.Kind = domain.MeetingKind(kind)
	rec.FacilitatorID = domain.ParticipantID(facilitator)
	rec.TotalPaused = time.Duration(totalPausedMs) * time.Millisecond
	if lastPause != nil {
		rec.LastPauseAt = *lastPause
	}
	if endTime != nil {
		rec.EndedAt = *endTime
	}
	if concludedBy != nil {
		rec.ConcludedBy = domain.ParticipantID(*concludedBy)
	}
	if average != nil {
		rec.AverageRating = *average
	}
	if activeMs != nil {
		rec.ActiveDuration = time.Duration(*activeMs) * time.Millisecond
	}
	if len(ratings) > 0 {
		if err := json.Unmarshal(ratings, &rec.Ratings); err != nil {
			return domain.SessionRecord{}, fmt.Errorf("failed to decode ratings: %w", err)
		}
	}
	if len(outcome) > 0 {
		rec.Outcome = json.RawMessage(outcome)
	}
	return rec, nil
}
