package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"skillgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed since it was read.
	ErrConflict = errors.New("conflict")
)

const proposalColumns = `id,slug,name,description,capabilities_json,handled_events_json,dependencies_json,rationale,user_context,generated_by,status,pending,pending_since,escalated,rejection_kind,rejection_reason,revision_of,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var caps, handles, deps string
	var rationale, userCtx, generatedBy, pendingSince, rejKind, rejReason, revisionOf sql.NullString
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &caps, &handles, &deps, &rationale, &userCtx, &generatedBy,
		&p.Status, &p.Pending, &pendingSince, &p.Escalated, &rejKind, &rejReason, &revisionOf, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.Capabilities, err = decodeList(caps); err != nil {
		return p, fmt.Errorf("proposal %s capabilities: %w", p.ID, err)
	}
	if p.HandledEvents, err = decodeList(handles); err != nil {
		return p, fmt.Errorf("proposal %s handled events: %w", p.ID, err)
	}
	if p.Dependencies, err = decodeList(deps); err != nil {
		return p, fmt.Errorf("proposal %s dependencies: %w", p.ID, err)
	}
	p.Rationale = rationale.String
	p.UserContext = userCtx.String
	p.GeneratedBy = generatedBy.String
	p.PendingSince = nullString(pendingSince)
	p.RejectionKind = nullString(rejKind)
	p.RejectionReason = nullString(rejReason)
	p.RevisionOf = nullString(revisionOf)
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, p.Description, encodeList(p.Capabilities), encodeList(p.HandledEvents), encodeList(p.Dependencies),
		nullable(p.Rationale), nullable(p.UserContext), nullable(p.GeneratedBy), p.Status, p.Pending, nullableStringPtr(p.PendingSince),
		p.Escalated, nullableStringPtr(p.RejectionKind), nullableStringPtr(p.RejectionReason), nullableStringPtr(p.RevisionOf),
		p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProposal looks a proposal up by id, then by slug (newest first).
func (r Repo) GetProposal(ctx context.Context, idOrSlug string) (domain.Proposal, error) {
	p, err := scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, idOrSlug))
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE slug=? ORDER BY created_at DESC, id DESC LIMIT 1`, idOrSlug))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

type ProposalFilter struct {
	Status        string
	Pending       *bool
	Slug          string
	UpdatedSince  string
	Limit         int
	OldestFirst   bool
	ExcludeStatus []string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilter) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Pending != nil {
		clauses = append(clauses, "pending=?")
		args = append(args, *f.Pending)
	}
	if f.Slug != "" {
		clauses = append(clauses, "slug=?")
		args = append(args, f.Slug)
	}
	if f.UpdatedSince != "" {
		clauses = append(clauses, "updated_at>=?")
		args = append(args, f.UpdatedSince)
	}
	for _, s := range f.ExcludeStatus {
		clauses = append(clauses, "status<>?")
		args = append(args, s)
	}
	order := "DESC"
	if f.OldestFirst {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE %s ORDER BY created_at %s, id %s`, proposalColumns, strings.Join(clauses, " AND "), order, order)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProposalStateTx writes the mutable state of p only if the stored row
// still has expectStatus and expectPending. A lost race returns ErrConflict.
func (r Repo) UpdateProposalStateTx(ctx context.Context, tx *sql.Tx, p domain.Proposal, expectStatus string, expectPending bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, pending=?, pending_since=?, escalated=?, rejection_kind=?, rejection_reason=?, updated_at=?
WHERE id=? AND status=? AND pending=?`,
		p.Status, p.Pending, nullableStringPtr(p.PendingSince), p.Escalated, nullableStringPtr(p.RejectionKind),
		nullableStringPtr(p.RejectionReason), p.UpdatedAt, p.ID, expectStatus, expectPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetProposalTx(ctx, tx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("proposal %s is no longer %s: %w", p.ID, expectStatus, ErrConflict)
	}
	return nil
}

func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO proposal_history(proposal_id,ts,status,actor,outcome,reason) VALUES (?,?,?,?,?,?)`,
		h.ProposalID, h.TS, h.Status, h.Actor, h.Outcome, nullable(h.Reason))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListHistory(ctx context.Context, proposalID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,proposal_id,ts,status,actor,outcome,COALESCE(reason,'') FROM proposal_history WHERE proposal_id=? ORDER BY seq ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.Seq, &h.ProposalID, &h.TS, &h.Status, &h.Actor, &h.Outcome, &h.Reason); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// PutArtifactTx records the artifact for a proposal, replacing an older record.
func (r Repo) PutArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(proposal_id,path,digest,generator,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(proposal_id) DO UPDATE SET path=excluded.path, digest=excluded.digest, generator=excluded.generator, created_at=excluded.created_at`,
		a.ProposalID, a.Path, a.Digest, a.Generator, a.CreatedAt)
	return err
}

func (r Repo) PutArtifact(ctx context.Context, a domain.Artifact) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.PutArtifactTx(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetArtifact(ctx context.Context, proposalID string) (domain.Artifact, error) {
	var a domain.Artifact
	err := r.DB.QueryRowContext(ctx, `SELECT proposal_id,path,digest,generator,created_at FROM artifacts WHERE proposal_id=?`, proposalID).
		Scan(&a.ProposalID, &a.Path, &a.Digest, &a.Generator, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Since      string
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events newer than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// LatestEventFor returns the newest event of evtType about entityID.
func (r Repo) LatestEventFor(ctx context.Context, entityID, evtType string) (domain.Event, error) {
	evts, err := r.LatestEvents(ctx, 1, EventFilter{Type: evtType, EntityID: entityID})
	if err != nil {
		return domain.Event{}, err
	}
	if len(evts) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return evts[0], nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
