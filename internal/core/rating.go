package core

import (
	"math"
	"slices"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
	"github.com/samber/lo"
)

// RatingSnapshot is the aggregate view sent on every rating change.
type RatingSnapshot struct {
	Rating            *domain.Rating  `json:"rating,omitempty"`
	TotalParticipants int             `json:"totalParticipants"`
	TotalRatings      int             `json:"totalRatings"`
	AverageRating     float64         `json:"averageRating"`
	AllRatings        []domain.Rating `json:"allRatings"`
	Closed            bool            `json:"closed"`
}

func ValidRating(v int) bool {
	return v >= domain.MinRating && v <= domain.MaxRating
}

// Average is the exact arithmetic mean. No ratings yield 0.
func Average(ratings []domain.Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := lo.SumBy(ratings, func(r domain.Rating) int { return r.Value })
	return float64(sum) / float64(len(ratings))
}

// RoundDisplay rounds to one decimal place.
func RoundDisplay(v float64) float64 {
	return math.Round(v*10) / 10
}

// SortedRatings returns ratings in submission order.
func SortedRatings(m map[domain.ParticipantID]domain.Rating) []domain.Rating {
	out := lo.Values(m)
	slices.SortFunc(out, func(a, b domain.Rating) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		if a.ParticipantID < b.ParticipantID {
			return -1
		}
		if a.ParticipantID > b.ParticipantID {
			return 1
		}
		return 0
	})
	return out
}

func Aggregate(m map[domain.ParticipantID]domain.Rating, participants int) RatingSnapshot {
	all := SortedRatings(m)
	return RatingSnapshot{
		TotalParticipants: participants,
		TotalRatings:      len(all),
		AverageRating:     RoundDisplay(Average(all)),
		AllRatings:        all,
	}
}

// Summarize lists every rater, including those who left, followed by the
// current participants who did not rate (with an absent value).
func Summarize(m map[domain.ParticipantID]domain.Rating, roster []domain.Participant) []domain.RatingEntry {
	out := lo.Map(SortedRatings(m), func(r domain.Rating, _ int) domain.RatingEntry {
		v := r.Value
		at := r.SubmittedAt
		return domain.RatingEntry{ParticipantID: r.ParticipantID, DisplayName: r.DisplayName, Value: &v, SubmittedAt: &at}
	})
	missing := lo.Filter(roster, func(p domain.Participant, _ int) bool {
		_, rated := m[p.ID]
		return !rated
	})
	for _, p := range missing {
		out = append(out, domain.RatingEntry{ParticipantID: p.ID, DisplayName: p.DisplayName})
	}
	return out
}

// CanCloseRatings reports whether collection may end: everyone rated, or the
// grace period since the first rating has passed.
func CanCloseRatings(m map[domain.ParticipantID]domain.Rating, roster []domain.Participant, firstAt time.Time, grace time.Duration, now time.Time) bool {
	everyone := len(roster) > 0 && lo.EveryBy(roster, func(p domain.Participant) bool {
		_, ok := m[p.ID]
		return ok
	})
	if everyone {
		return true
	}
	return !firstAt.IsZero() && now.Sub(firstAt) >= grace
}
