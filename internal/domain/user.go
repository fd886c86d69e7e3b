// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 64
	ObserverPrefix      = "observer-"
)

var (
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrDisplayNameEmpty     = errors.New("display name empty")
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrOrganizationEmpty    = errors.New("organization id empty")
)

type ParticipantID string

// Identity is the caller context resolved before a connection reaches the engine.
type Identity struct {
	OrganizationID string        `json:"organizationId"`
	TeamID         string        `json:"teamId"`
	ParticipantID  ParticipantID `json:"participantId"`
	DisplayName    string        `json:"displayName"`
	Observer       bool          `json:"observer"`
}

func NewIdentity(orgID, teamID string, id ParticipantID, displayName string) (*Identity, error) {
	if orgID == "" {
		return nil, ErrOrganizationEmpty
	}
	if id == "" {
		return nil, ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	ident := &Identity{OrganizationID: orgID, TeamID: teamID, ParticipantID: id}
	if err := ident.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return ident, nil
}

// NewObserver builds an identity for a non-authenticated viewer. An empty id gets a fresh transient one.
func NewObserver(orgID, teamID string, id ParticipantID, displayName string) (*Identity, error) {
	if id == "" {
		id = ParticipantID(ObserverPrefix + uuid.NewString())
	}
	if displayName == "" {
		displayName = "Observer"
	}
	ident, err := NewIdentity(orgID, teamID, id, displayName)
	if err != nil {
		return nil, err
	}
	ident.Observer = true
	return ident, nil
}

func (i *Identity) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	i.DisplayName = name
	return nil
}
