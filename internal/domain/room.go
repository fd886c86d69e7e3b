package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const MaxRoomKeyLen = 160

var (
	ErrRoomKeyEmpty       = errors.New("room key empty")
	ErrRoomKeyTooLong     = errors.New("room key too long")
	ErrUnknownMeetingKind = errors.New("unknown meeting kind")
	ErrMalformedRoomKey   = errors.New("malformed room key")
)

type MeetingKind string

const (
	KindWeeklyAccountability MeetingKind = "weekly-accountability"
	KindQuarterlyPlanning    MeetingKind = "quarterly-planning"
	KindAnnualPlanning       MeetingKind = "annual-planning"
)

var meetingKinds = []MeetingKind{
	KindWeeklyAccountability,
	KindQuarterlyPlanning,
	KindAnnualPlanning,
}

// RoomKey identifies one live meeting: "{organizationId}-{teamId}-{meetingKind}".
type RoomKey string

// RoomRef is a parsed RoomKey.
type RoomRef struct {
	Key            RoomKey     `json:"code"`
	OrganizationID string      `json:"organizationId"`
	TeamID         string      `json:"teamId"`
	Kind           MeetingKind `json:"meetingKind"`
}

func NewRoomRef(orgID, teamID string, kind MeetingKind) RoomRef {
	return RoomRef{
		Key:            RoomKey(fmt.Sprintf("%s-%s-%s", orgID, teamID, kind)),
		OrganizationID: orgID,
		TeamID:         teamID,
		Kind:           kind,
	}
}

// ParseRoomKey splits a room key into its organization, team and meeting kind.
// Organization and team ids may themselves contain dashes when they are UUIDs.
func ParseRoomKey(raw string) (RoomRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoomRef{}, ErrRoomKeyEmpty
	}
	if len(raw) > MaxRoomKeyLen {
		return RoomRef{}, ErrRoomKeyTooLong
	}

	var kind MeetingKind
	for _, k := range meetingKinds {
		if strings.HasSuffix(raw, "-"+string(k)) {
			kind = k
			break
		}
	}
	if kind == "" {
		return RoomRef{}, ErrUnknownMeetingKind
	}

	rest := strings.TrimSuffix(raw, "-"+string(kind))
	org, team, ok := splitScope(rest)
	if !ok {
		return RoomRef{}, fmt.Errorf("%w: %q", ErrMalformedRoomKey, raw)
	}
	return RoomRef{Key: RoomKey(raw), OrganizationID: org, TeamID: team, Kind: kind}, nil
}

func splitScope(s string) (string, string, bool) {
	const uuidLen = 36
	if len(s) > uuidLen+1 && s[uuidLen] == '-' {
		if _, err := uuid.Parse(s[:uuidLen]); err == nil {
			return s[:uuidLen], s[uuidLen+1:], true
		}
	}
	org, team, found := strings.Cut(s, "-")
	if !found || org == "" || team == "" {
		return "", "", false
	}
	return org, team, true
}

// InitialRoute is the page followers land on before the leader navigates anywhere.
func (r RoomRef) InitialRoute() string {
	return fmt.Sprintf("/meetings/%s/%s", r.Kind, r.TeamID)
}
