package app

import "github.com/dkeye/meetsync/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.Dropped) BackpressureAction
}

// SimplePolicy kicks any connection that cannot keep up. The client reconnects
// inside the grace window and receives a fresh snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.Dropped) BackpressureAction {
	return KickMember
}
