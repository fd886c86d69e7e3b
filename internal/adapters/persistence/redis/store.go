// Package redis stores meeting sessions in Redis/Valkey.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meetsync/internal/config"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type PauseEvent struct {
	PausedAt  time.Time            `json:"pausedAt"`
	PausedBy  domain.ParticipantID `json:"pausedBy,omitempty"`
	ResumedAt time.Time            `json:"resumedAt,omitempty"`
	ResumedBy domain.ParticipantID `json:"resumedBy,omitempty"`
}

// Store implements core.SessionPersistence with one JSON value per session
// and one pointer key per active (organization, team, kind).
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

func NewStore(cfg config.RedisConfig) (*Store, error) {
	var opt *redis.Options
	if cfg.URI != "" {
		parsed, err := redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URI: %w", err)
		}
		if parsed.DB == 0 {
			parsed.DB = cfg.DB
		}
		if parsed.Password == "" && cfg.Password != "" {
			parsed.Password = cfg.Password
		}
		opt = parsed
	} else {
		opt = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("%ssessions:%s", s.keyPrefix, id)
}

func (s *Store) pausesKey(id domain.SessionID) string {
	return fmt.Sprintf("%ssessions:%s:pauses", s.keyPrefix, id)
}

func (s *Store) activeKey(org, team string, kind domain.MeetingKind) string {
	return fmt.Sprintf("%sactive:%s:%s:%s", s.keyPrefix, org, team, kind)
}

func (s *Store) Start(ctx context.Context, req domain.StartSession) (domain.SessionRecord, error) {
	active := s.activeKey(req.OrganizationID, req.TeamID, req.Kind)
	rec := domain.SessionRecord{
		ID:             domain.SessionID(uuid.NewString()),
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Kind:           req.Kind,
		FacilitatorID:  req.FacilitatorID,
		StartedAt:      s.now().UTC(),
		Active:         true,
	}

	won, err := s.client.SetNX(ctx, active, string(rec.ID), s.ttl).Result()
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to claim active session: %w", err)
	}
	if !won {
		id, err := s.client.Get(ctx, active).Result()
		if err != nil {
			return domain.SessionRecord{}, fmt.Errorf("failed to read active session: %w", err)
		}
		existing, err := s.get(ctx, domain.SessionID(id))
		if err != nil {
			return domain.SessionRecord{}, err
		}
		existing.Resumed = true
		return existing, nil
	}
	if err := s.save(ctx, rec); err != nil {
		_ = s.client.Del(ctx, active).Err()
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) Pause(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	rec, err := s.getActive(ctx, ref.ID)
	if err != nil || rec.Paused {
		return err
	}
	now := s.now().UTC()
	rec.Paused = true
	rec.LastPauseAt = now

	ev, err := json.Marshal(PauseEvent{PausedAt: now, PausedBy: by})
	if err != nil {
		return fmt.Errorf("failed to marshal pause event: %w", err)
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.ID), data, s.ttl)
		pipe.RPush(ctx, s.pausesKey(rec.ID), ev)
		pipe.Expire(ctx, s.pausesKey(rec.ID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	return nil
}

func (s *Store) Resume(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	rec, err := s.getActive(ctx, ref.ID)
	if err != nil || !rec.Paused {
		return err
	}
	return s.closePause(ctx, rec, s.now().UTC(), by, nil)
}

func (s *Store) Finalize(ctx context.Context, req domain.FinalizeSession) error {
	rec, err := s.getActive(ctx, req.SessionID)
	if err != nil {
		return err
	}
	rec.Active = false
	rec.EndedAt = req.ConcludedAt.UTC()
	rec.ConcludedBy = req.ConcludedBy
	rec.AverageRating = req.AverageRating
	rec.Ratings = req.Ratings
	rec.ActiveDuration = req.ActiveDuration
	rec.Outcome = req.Outcome

	release := func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.activeKey(rec.OrganizationID, rec.TeamID, rec.Kind))
	}
	if rec.Paused {
		return s.closePause(ctx, rec, rec.EndedAt, req.ConcludedBy, release)
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.ID), data, s.ttl)
		release(pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return nil
}

// Get returns a stored session, active or not.
func (s *Store) Get(ctx context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	return s.get(ctx, id)
}

func (s *Store) closePause(ctx context.Context, rec domain.SessionRecord, now time.Time, by domain.ParticipantID, extra func(redis.Pipeliner)) error {
	rec.TotalPaused += now.Sub(rec.LastPauseAt)
	rec.Paused = false
	rec.LastPauseAt = time.Time{}

	var last PauseEvent
	raw, err := s.client.LIndex(ctx, s.pausesKey(rec.ID), -1).Bytes()
	hasLast := err == nil && json.Unmarshal(raw, &last) == nil && last.ResumedAt.IsZero()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read pause events: %w", err)
	}
	last.ResumedAt = now
	last.ResumedBy = by
	ev, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("failed to marshal pause event: %w", err)
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(rec.ID), data, s.ttl)
		if hasLast {
			pipe.RPop(ctx, s.pausesKey(rec.ID))
			pipe.RPush(ctx, s.pausesKey(rec.ID), ev)
		}
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, rec domain.SessionRecord) error {
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SessionRecord{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return domain.SessionRecord{}, fmt.Errorf("failed to get session: %w", err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	rec.Resumed = false
	return rec, nil
}

func (s *Store) getActive(ctx context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return rec, err
	}
	if !rec.Active {
		return rec, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}
	return rec, nil
}

// Pauses lists the pause events of a session, oldest first.
func (s *Store) Pauses(ctx context.Context, id domain.SessionID) ([]PauseEvent, error) {
	raws, err := s.client.LRange(ctx, s.pausesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pause events: %w", err)
	}
	out := make([]PauseEvent, 0, len(raws))
	for _, raw := range raws {
		var ev PauseEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
