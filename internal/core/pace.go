package core

import (
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/samber/lo"
)

type Pace string

const (
	PaceAhead    Pace = "ahead"
	PaceOnTrack  Pace = "on-track"
	PaceBehind   Pace = "behind"
	PaceCritical Pace = "critical"
)

const (
	behindThreshold   = 10.0
	criticalThreshold = 20.0
	aheadThreshold    = 5.0
)

type PaceView struct {
	Status           Pace    `json:"status"`
	ExpectedSeconds  float64 `json:"expectedSeconds"`
	ActualSeconds    float64 `json:"actualSeconds"`
	DeviationSeconds float64 `json:"deviationSeconds"`
	DeviationPercent float64 `json:"deviationPercent"`
}

// ClassifyPace compares active time with the schedule up to and including the
// current section. Deviation is measured against the whole meeting length.
func ClassifyPace(agenda []domain.AgendaSection, current string, actual time.Duration) PaceView {
	total := lo.SumBy(agenda, func(s domain.AgendaSection) time.Duration { return s.Expected })
	idx := lo.IndexOf(lo.Map(agenda, func(s domain.AgendaSection, _ int) string { return s.SectionID }), current)

	v := PaceView{Status: PaceOnTrack, ActualSeconds: actual.Seconds()}
	if total <= 0 || idx < 0 {
		return v
	}
	expected := lo.SumBy(agenda[:idx+1], func(s domain.AgendaSection) time.Duration { return s.Expected })
	deviation := actual - expected
	pct := float64(deviation.Abs()) / float64(total) * 100

	v.ExpectedSeconds = expected.Seconds()
	v.DeviationSeconds = deviation.Seconds()
	v.DeviationPercent = RoundDisplay(pct)

	switch {
	case deviation > 0 && pct > criticalThreshold:
		v.Status = PaceCritical
	case deviation > 0 && pct > behindThreshold:
		v.Status = PaceBehind
	case deviation < 0 && pct > aheadThreshold:
		v.Status = PaceAhead
	}
	return v
}
