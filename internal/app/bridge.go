package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const DefaultBridgeTimeout = 5 * time.Second

var ErrNoSession = errors.New("no session started for room")

type bridgeJob struct {
	op   string
	run  func(ctx context.Context, q *bridgeQueue) error
	done chan error
}

// bridgeQueue holds the calls of one room. Only its worker touches session.
type bridgeQueue struct {
	ref        domain.RoomRef
	jobs       []bridgeJob
	running    bool
	forget     bool
	session    domain.SessionRecord
	hasSession bool
	finalized  bool
}

// Bridge issues session accounting calls in order, one worker per room, off
// the room goroutines. Only Finalize waits for its result.
type Bridge struct {
	ctx     context.Context
	store   core.SessionPersistence
	timeout time.Duration

	mu    sync.Mutex
	rooms map[domain.RoomKey]*bridgeQueue
	wg    conc.WaitGroup
}

func NewBridge(ctx context.Context, store core.SessionPersistence, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	return &Bridge{
		ctx:     ctx,
		store:   store,
		timeout: timeout,
		rooms:   make(map[domain.RoomKey]*bridgeQueue),
	}
}

// Start opens (or picks up) the durable session of a meeting that just got its first participant.
func (b *Bridge) Start(ref domain.RoomRef, facilitator domain.ParticipantID) {
	b.enqueue(ref, bridgeJob{op: "start", run: func(ctx context.Context, q *bridgeQueue) error {
		b.mu.Lock()
		q.forget = false
		b.mu.Unlock()
		return b.startSession(ctx, q, facilitator)
	}})
}

func (b *Bridge) Pause(ref domain.RoomRef, by domain.ParticipantID) {
	b.enqueue(ref, bridgeJob{op: "pause", run: func(ctx context.Context, q *bridgeQueue) error {
		if !q.hasSession {
			return ErrNoSession
		}
		if err := b.store.Pause(ctx, q.session.Ref(), by); err != nil {
			return err
		}
		q.session.Paused = true
		return nil
	}})
}

func (b *Bridge) Resume(ref domain.RoomRef, by domain.ParticipantID) {
	b.enqueue(ref, bridgeJob{op: "resume", run: func(ctx context.Context, q *bridgeQueue) error {
		if !q.hasSession {
			return ErrNoSession
		}
		if err := b.store.Resume(ctx, q.session.Ref(), by); err != nil {
			return err
		}
		q.session.Paused = false
		return nil
	}})
}

// RoomClosed pauses the session of a room that emptied without concluding
// and lets the bridge forget the room once its queue drains.
func (b *Bridge) RoomClosed(ref domain.RoomRef, concluded bool) {
	b.enqueue(ref, bridgeJob{op: "room_closed", run: func(ctx context.Context, q *bridgeQueue) error {
		b.mu.Lock()
		q.forget = true
		b.mu.Unlock()
		if concluded || !q.hasSession || q.session.Paused {
			return nil
		}
		if err := b.store.Pause(ctx, q.session.Ref(), ""); err != nil {
			return err
		}
		q.session.Paused = true
		return nil
	}})
}

// Finalize runs after every queued call of the room and returns its outcome.
// Finalizing an already finalized session succeeds without calling the store.
func (b *Bridge) Finalize(ctx context.Context, ref domain.RoomRef, req domain.FinalizeSession) error {
	done := make(chan error, 1)
	b.enqueue(ref, bridgeJob{op: "finalize", done: done, run: func(ctx context.Context, q *bridgeQueue) error {
		if !q.hasSession {
			if err := b.startSession(ctx, q, req.ConcludedBy); err != nil {
				return err
			}
		}
		if q.finalized {
			return nil
		}
		req.SessionID = q.session.ID
		// A retry after the caller gave up finds the session already ended.
		if err := b.store.Finalize(ctx, req); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			return err
		}
		q.session.Active = false
		q.finalized = true
		return nil
	}})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &core.PersistenceError{Op: "finalize", Err: ctx.Err()}
	}
}

// Session reports the session currently tracked for a room.
func (b *Bridge) Session(key domain.RoomKey) (domain.SessionRecord, bool) {
	done := make(chan struct{})
	var rec domain.SessionRecord
	var ok bool
	b.mu.Lock()
	q, found := b.rooms[key]
	if !found {
		b.mu.Unlock()
		return rec, false
	}
	b.mu.Unlock()
	b.enqueue(q.ref, bridgeJob{op: "inspect", run: func(_ context.Context, q *bridgeQueue) error {
		rec, ok = q.session, q.hasSession
		close(done)
		return nil
	}})
	<-done
	return rec, ok
}

// Wait blocks until every queued call has been issued.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) startSession(ctx context.Context, q *bridgeQueue, facilitator domain.ParticipantID) error {
	rec, err := b.store.Start(ctx, domain.StartSession{
		OrganizationID: q.ref.OrganizationID,
		TeamID:         q.ref.TeamID,
		Kind:           q.ref.Kind,
		FacilitatorID:  facilitator,
	})
	if err != nil {
		return err
	}
	if rec.Paused {
		if err := b.store.Resume(ctx, rec.Ref(), facilitator); err != nil {
			return err
		}
		rec.Paused = false
	}
	q.session = rec
	q.hasSession = true
	q.finalized = false
	log.Info().Str("module", "app.bridge").Str("room", string(q.ref.Key)).Str("session", string(rec.ID)).Bool("resumed", rec.Resumed).Msg("session started")
	return nil
}

func (b *Bridge) enqueue(ref domain.RoomRef, job bridgeJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.rooms[ref.Key]
	if !ok {
		q = &bridgeQueue{ref: ref}
		b.rooms[ref.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.running {
		return
	}
	q.running = true
	b.wg.Go(func() { b.drain(q) })
}

func (b *Bridge) drain(q *bridgeQueue) {
	for {
		b.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			if q.forget && b.rooms[q.ref.Key] == q {
				delete(b.rooms, q.ref.Key)
			}
			b.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		b.mu.Unlock()

		err := b.runJob(q, job)
		if job.done != nil {
			job.done <- err
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("module", "app.bridge").Str("room", string(q.ref.Key)).Str("op", job.op).Msg("session accounting failed")
		}
	}
}

func (b *Bridge) runJob(q *bridgeQueue, job bridgeJob) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = job.run(ctx, q) })
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		return &core.PersistenceError{Op: job.op, Err: err}
	}
	return nil
}
