package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the pipeline.
const (
	ProposalSubmitted        = "proposal.submitted"
	ProposalTransitioned     = "proposal.transitioned"
	ProposalApprovalRequired = "proposal.approval_required"
	ProposalEscalated        = "proposal.escalated"
	ProposalRejected         = "proposal.rejected"
	ProposalAccepted         = "proposal.accepted"
	ProposalStale            = "proposal.stale"
	ArtifactGenerated        = "artifact.generated"
	ArtifactScanned          = "artifact.scanned"
	CompositionAnalyzed      = "composition.analyzed"
	ManifestStaged           = "manifest.staged"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow writes a single event in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
