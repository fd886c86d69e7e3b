package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/meetsync/internal/app"
	"github.com/dkeye/meetsync/internal/core"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxJoinAttempts = 5

// UpdateCallback is told which organization's active meetings changed.
type UpdateCallback func(orgID string)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Bridge   *app.Bridge
	// Grace is how long a dropped participant keeps its seat.
	Grace time.Duration

	mu        sync.RWMutex
	callbacks []UpdateCallback
}

// New wires an orchestrator with its registry, room manager and kick policy.
// Rooms do not stop when ctx is cancelled; Shutdown stops them after pausing
// their sessions.
func New(ctx context.Context, bridge *app.Bridge, opts core.RoomOptions, grace time.Duration) *Orchestrator {
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
		Bridge:   bridge,
		Grace:    grace,
	}
	opts.OnBackpressure = o.OnBackpressure
	o.Rooms = app.NewRoomManager(context.WithoutCancel(ctx), opts)
	return o
}

// OnBackpressure applies the policy to connections a room could not reach.
// It runs on the room goroutine, so it only closes connections; the
// disconnect path does the rest.
func (o *Orchestrator) OnBackpressure(key domain.RoomKey, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	room, ok := o.Rooms.Get(key)
	if !ok {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("room", string(key)).Str("conn", string(slow.ConnID)).Msg("kicking slow connection")
			slow.Conn.Close()
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

func (o *Orchestrator) RegisterUpdateCallback(cb UpdateCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

// notifyUpdate pushes the active meeting list of orgID to its open
// connections and to registered listeners.
func (o *Orchestrator) notifyUpdate(orgID string) {
	frame, err := core.Encode(core.ActiveMeetingsEvent{
		Type:     core.EvActiveMeetingsUpdate,
		Meetings: o.ActiveMeetings(orgID),
	})
	if err == nil {
		for _, snap := range o.Registry.Connections(orgID) {
			_ = snap.Conn.TrySend(frame)
		}
	}

	o.mu.RLock()
	cbs := append([]UpdateCallback(nil), o.callbacks...)
	o.mu.RUnlock()
	for _, cb := range cbs {
		cb(orgID)
	}
}

// Shutdown pauses the session of every live meeting and stops the rooms.
func (o *Orchestrator) Shutdown() {
	if o.Bridge != nil {
		for _, info := range o.Rooms.List() {
			if room, ok := o.Rooms.Get(info.Code); ok {
				o.Bridge.RoomClosed(room.Ref(), info.Concluded)
			}
		}
	}
	o.Rooms.Stop()
}
