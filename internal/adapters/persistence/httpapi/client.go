// Package httpapi drives meeting sessions through the external
// session-persistence REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/meetsync/internal/domain"
)

var ErrUnexpectedStatus = errors.New("unexpected status from session api")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// rowID accepts ids serialized either as JSON strings or as numbers.
type rowID string

func (id *rowID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = rowID(s)
		return nil
	}
	*id = rowID(b)
	return nil
}

type sessionRow struct {
	ID                  rowID      `json:"id"`
	OrganizationID      rowID      `json:"organization_id"`
	TeamID              rowID      `json:"team_id"`
	MeetingType         string     `json:"meeting_type"`
	FacilitatorID       rowID      `json:"facilitator_id"`
	StartTime           time.Time  `json:"start_time"`
	IsActive            bool       `json:"is_active"`
	IsPaused            bool       `json:"is_paused"`
	LastPauseTime       *time.Time `json:"last_pause_time"`
	TotalPausedDuration float64    `json:"total_paused_duration"`
}

type sessionResponse struct {
	Session sessionRow `json:"session"`
	Resumed bool       `json:"resumed"`
}

type finalizeRating struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Rating   *int   `json:"rating"`
}

type finalizeBody struct {
	ConcludedBy      string           `json:"concluded_by"`
	ConcludedAt      time.Time        `json:"concluded_at"`
	AverageRating    float64          `json:"average_rating"`
	Ratings          []finalizeRating `json:"ratings"`
	ActiveSeconds    int64            `json:"active_duration_seconds"`
	SectionDurations map[string]int64 `json:"section_durations_seconds,omitempty"`
	Outcome          json.RawMessage  `json:"outcome,omitempty"`
}

func (c *Client) Start(ctx context.Context, req domain.StartSession) (domain.SessionRecord, error) {
	body := map[string]string{
		"organization_id": req.OrganizationID,
		"team_id":         req.TeamID,
		"meeting_type":    string(req.Kind),
	}
	var resp sessionResponse
	if err := c.post(ctx, c.sessionsURL(req.OrganizationID, req.TeamID, "start"), body, &resp); err != nil {
		return domain.SessionRecord{}, err
	}
	rec := resp.Session.record()
	if rec.Kind == "" {
		rec.Kind = req.Kind
	}
	if rec.FacilitatorID == "" {
		rec.FacilitatorID = req.FacilitatorID
	}
	rec.Resumed = resp.Resumed
	return rec, nil
}

func (c *Client) Pause(ctx context.Context, ref domain.SessionRef, by domain.ParticipantID) error {
	body := map[string]string{"reason": "paused by " + string(by)}
	return c.post(ctx, c.sessionsURL(ref.OrganizationID, ref.TeamID, string(ref.ID), "pause"), body, nil)
}

func (c *Client) Resume(ctx context.Context, ref domain.SessionRef, _ domain.ParticipantID) error {
	return c.post(ctx, c.sessionsURL(ref.OrganizationID, ref.TeamID, string(ref.ID), "resume"), struct{}{}, nil)
}

func (c *Client) Finalize(ctx context.Context, req domain.FinalizeSession) error {
	body := finalizeBody{
		ConcludedBy:   string(req.ConcludedBy),
		ConcludedAt:   req.ConcludedAt.UTC(),
		AverageRating: req.AverageRating,
		ActiveSeconds: int64(req.ActiveDuration / time.Second),
		Outcome:       req.Outcome,
	}
	for _, r := range req.Ratings {
		body.Ratings = append(body.Ratings, finalizeRating{
			UserID:   string(r.ParticipantID),
			UserName: r.DisplayName,
			Rating:   r.Value,
		})
	}
	if len(req.SectionDurations) > 0 {
		body.SectionDurations = make(map[string]int64, len(req.SectionDurations))
		for id, d := range req.SectionDurations {
			body.SectionDurations[id] = int64(d / time.Second)
		}
	}
	return c.post(ctx, c.sessionsURL(req.OrganizationID, req.TeamID, string(req.SessionID), "end"), body, nil)
}

func (c *Client) sessionsURL(org, team string, parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return fmt.Sprintf("%s/organizations/%s/teams/%s/meeting-sessions/%s",
		c.baseURL, url.PathEscape(org), url.PathEscape(team), strings.Join(escaped, "/"))
}

func (c *Client) post(ctx context.Context, target string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session api request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.ErrSessionNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode session api response: %w", err)
	}
	return nil
}

func (r sessionRow) record() domain.SessionRecord {
	rec := domain.SessionRecord{
		ID:             domain.SessionID(string(r.ID)),
		OrganizationID: string(r.OrganizationID),
		TeamID:         string(r.TeamID),
		Kind:           domain.MeetingKind(r.MeetingType),
		FacilitatorID:  domain.ParticipantID(string(r.FacilitatorID)),
		StartedAt:      r.StartTime,
		Active:         r.IsActive,
		Paused:         r.IsPaused,
		TotalPaused:    time.Duration(r.TotalPausedDuration * float64(time.Second)),
	}
	if r.LastPauseTime != nil {
		rec.LastPauseAt = *r.LastPauseTime
	}
	return rec
}
