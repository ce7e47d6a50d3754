package server

import (
	"encoding/json"

	"skillgate/internal/domain"
	"skillgate/internal/engine"
	"skillgate/internal/manifest"
)

// Request payloads

type SubmitProposalRequest struct {
	ID            string   `json:"id,omitempty"`
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Capabilities  []string `json:"capabilities"`
	HandledEvents []string `json:"handled_events,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
	UserContext   string   `json:"user_context,omitempty"`
	GeneratedBy   string   `json:"generated_by,omitempty"`
}

type ApproveRequest struct {
	Force  bool   `json:"force,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ReviseRequest struct {
	Slug          *string  `json:"slug,omitempty"`
	Name          *string  `json:"name,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	HandledEvents []string `json:"handled_events,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Rationale     *string  `json:"rationale,omitempty"`
}

type AnalyzeRequest struct {
	Capabilities []string `json:"capabilities" minItems:"1"`
}

type GuardCheckRequest struct {
	Component   string `json:"component"`
	Interaction string `json:"interaction"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ManifestResponse struct {
	// Running is the manifest frozen at boot.
	Running manifestView `json:"running"`
	// Staged is the file the next boot will load.
	Staged manifestView `json:"staged"`
}

type manifestView struct {
	Version int                  `json:"version"`
	Skills  []manifest.SkillSpec `json:"skills"`
}

type listProposals struct {
	Items []domain.Summary `json:"items"`
}

type listHistory struct {
	Items []domain.HistoryEntry `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (r SubmitProposalRequest) options(actorID string) engine.SubmitOptions {
	return engine.SubmitOptions{
		ID:            r.ID,
		Slug:          r.Slug,
		Name:          r.Name,
		Description:   r.Description,
		Capabilities:  r.Capabilities,
		HandledEvents: r.HandledEvents,
		Dependencies:  r.Dependencies,
		Rationale:     r.Rationale,
		UserContext:   r.UserContext,
		GeneratedBy:   r.GeneratedBy,
		ActorID:       actorID,
	}
}

func (r ReviseRequest) options(actorID string) engine.ReviseOptions {
	return engine.ReviseOptions{
		Slug:          r.Slug,
		Name:          r.Name,
		Description:   r.Description,
		Capabilities:  r.Capabilities,
		HandledEvents: r.HandledEvents,
		Dependencies:  r.Dependencies,
		Rationale:     r.Rationale,
		ActorID:       actorID,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
