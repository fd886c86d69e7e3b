package domain

import "time"

// AgendaSection is an expected-duration entry supplied by the agenda configuration.
type AgendaSection struct {
	SectionID string        `json:"sectionId"`
	Expected  time.Duration `json:"-"`
}
