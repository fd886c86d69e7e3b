package core

import (
	"time"

	"github.com/samber/lo"
)

// timerState accumulates active meeting time per agenda section.
type timerState struct {
	startedAt    time.Time
	paused       bool
	pausedAt     time.Time
	lastResumeAt time.Time
	cumulative   map[string]time.Duration
}

func newTimerState(now time.Time) timerState {
	return timerState{
		startedAt:    now,
		lastResumeAt: now,
		cumulative:   make(map[string]time.Duration),
	}
}

// switchSection closes the running stretch of the section being left.
func (t *timerState) switchSection(from string, now time.Time) {
	if !t.paused {
		t.cumulative[from] += now.Sub(t.lastResumeAt)
	}
	t.lastResumeAt = now
}

func (t *timerState) pause(section string, now time.Time) bool {
	if t.paused {
		return false
	}
	t.cumulative[section] += now.Sub(t.lastResumeAt)
	t.paused = true
	t.pausedAt = now
	return true
}

func (t *timerState) resume(now time.Time) bool {
	if !t.paused {
		return false
	}
	t.paused = false
	t.pausedAt = time.Time{}
	t.lastResumeAt = now
	return true
}

func (t *timerState) running(now time.Time) time.Duration {
	if t.paused {
		return 0
	}
	return now.Sub(t.lastResumeAt)
}

func (t *timerState) sectionElapsed(section string, now time.Time) time.Duration {
	return t.cumulative[section] + t.running(now)
}

func (t *timerState) totalActive(now time.Time) time.Duration {
	return lo.Sum(lo.Values(t.cumulative)) + t.running(now)
}

func (t *timerState) sectionDurations(current string, now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration, len(t.cumulative)+1)
	for id, d := range t.cumulative {
		out[id] = d
	}
	out[current] += t.running(now)
	return out
}

// TimerView is the server-authoritative timer, broadcast with every timer change.
type TimerView struct {
	StartedAt                int64              `json:"startedAt"`
	IsPaused                 bool               `json:"isPaused"`
	PausedAt                 int64              `json:"pausedAt,omitempty"`
	SectionID                string             `json:"sectionId"`
	SectionElapsedSeconds    float64            `json:"sectionElapsedSeconds"`
	TotalActiveSeconds       float64            `json:"totalActiveSeconds"`
	SectionCumulativeSeconds map[string]float64 `json:"sectionCumulativeSeconds"`
	ServerTime               int64              `json:"serverTime"`
}

func (t *timerState) view(section string, now time.Time) TimerView {
	v := TimerView{
		StartedAt:                t.startedAt.UnixMilli(),
		IsPaused:                 t.paused,
		SectionID:                section,
		SectionElapsedSeconds:    t.sectionElapsed(section, now).Seconds(),
		TotalActiveSeconds:       t.totalActive(now).Seconds(),
		SectionCumulativeSeconds: make(map[string]float64, len(t.cumulative)),
		ServerTime:               now.UnixMilli(),
	}
	if t.paused {
		v.PausedAt = t.pausedAt.UnixMilli()
	}
	for id, d := range t.cumulative {
		v.SectionCumulativeSeconds[id] = d.Seconds()
	}
	return v
}
