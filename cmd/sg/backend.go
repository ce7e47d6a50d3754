package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"skillgate/internal/app"
	"skillgate/internal/engine"
	"skillgate/internal/manifest"
	"skillgate/internal/repo"
	skillgatesdk "skillgate/sdk/go"
)

// backend is what the proposal, analyze, guard, manifest and log commands
// talk to: the local workspace, or a running server when --remote is set.
type backend interface {
	ListProposals(ctx context.Context, status string) ([]skillgatesdk.Summary, error)
	GetProposal(ctx context.Context, idOrSlug string) (skillgatesdk.Proposal, error)
	History(ctx context.Context, idOrSlug string) ([]skillgatesdk.HistoryEntry, error)
	Review(ctx context.Context, idOrSlug string) (skillgatesdk.Review, error)
	Submit(ctx context.Context, opts engine.SubmitOptions) (skillgatesdk.Proposal, error)
	Approve(ctx context.Context, idOrSlug string, force bool, reason string) (skillgatesdk.Proposal, error)
	Reject(ctx context.Context, idOrSlug, reason string) (skillgatesdk.Proposal, error)
	Revise(ctx context.Context, idOrSlug string, req skillgatesdk.ReviseRequest) (skillgatesdk.Proposal, error)
	Analyze(ctx context.Context, capabilities []string) (skillgatesdk.Report, error)
	GuardCheck(ctx context.Context, skill, interaction string) (skillgatesdk.Decision, error)
	Manifest(ctx context.Context) (skillgatesdk.Manifest, error)
	Events(ctx context.Context, q skillgatesdk.EventQuery) (skillgatesdk.PaginatedEvents, error)
	Close() error
}

func withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	if remote := strings.TrimSpace(viper.GetString("remote")); remote != "" {
		c := skillgatesdk.New(remote, viper.GetString("token"))
		if bp := viper.GetString("base-path"); bp != "" {
			c.BasePath = bp
		}
		return fn(ctx, remoteBackend{Client: c})
	}
	a, err := bootstrap(ctx, nil)
	if err != nil {
		return err
	}
	b := localBackend{app: a, actor: viper.GetString("actor-id")}
	defer b.Close()
	return fn(ctx, b)
}

type remoteBackend struct {
	*skillgatesdk.Client
}

func (r remoteBackend) Submit(ctx context.Context, opts engine.SubmitOptions) (skillgatesdk.Proposal, error) {
	return r.Client.Submit(ctx, skillgatesdk.SubmitRequest{
		Slug:          opts.Slug,
		Name:          opts.Name,
		Description:   opts.Description,
		Capabilities:  opts.Capabilities,
		HandledEvents: opts.HandledEvents,
		Dependencies:  opts.Dependencies,
		Rationale:     opts.Rationale,
		UserContext:   opts.UserContext,
	})
}

func (r remoteBackend) Close() error { return nil }

type localBackend struct {
	app   *app.App
	actor string
}

// convert reshapes an engine value into its API form through its JSON encoding.
func convert[T any](v any, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

func (l localBackend) ListProposals(ctx context.Context, status string) ([]skillgatesdk.Summary, error) {
	items, err := l.app.Engine.List(ctx, status)
	return convert[[]skillgatesdk.Summary](items, err)
}

func (l localBackend) GetProposal(ctx context.Context, idOrSlug string) (skillgatesdk.Proposal, error) {
	p, err := l.app.Engine.Get(ctx, idOrSlug)
	return convert[skillgatesdk.Proposal](p, err)
}

func (l localBackend) History(ctx context.Context, idOrSlug string) ([]skillgatesdk.HistoryEntry, error) {
	h, err := l.app.Engine.History(ctx, idOrSlug)
	return convert[[]skillgatesdk.HistoryEntry](h, err)
}

func (l localBackend) Review(ctx context.Context, idOrSlug string) (skillgatesdk.Review, error) {
	r, err := l.app.Engine.Review(ctx, idOrSlug)
	return convert[skillgatesdk.Review](r, err)
}

func (l localBackend) Submit(ctx context.Context, opts engine.SubmitOptions) (skillgatesdk.Proposal, error) {
	opts.ActorID = l.actor
	p, err := l.app.Engine.Submit(ctx, opts)
	return convert[skillgatesdk.Proposal](p, err)
}

func (l localBackend) Approve(ctx context.Context, idOrSlug string, force bool, reason string) (skillgatesdk.Proposal, error) {
	p, err := l.app.Engine.Approve(ctx, idOrSlug, engine.ApproveOptions{Force: force, Reason: reason, ActorID: l.actor})
	return convert[skillgatesdk.Proposal](p, err)
}

func (l localBackend) Reject(ctx context.Context, idOrSlug, reason string) (skillgatesdk.Proposal, error) {
	p, err := l.app.Engine.Reject(ctx, idOrSlug, reason, l.actor)
	return convert[skillgatesdk.Proposal](p, err)
}

func (l localBackend) Revise(ctx context.Context, idOrSlug string, req skillgatesdk.ReviseRequest) (skillgatesdk.Proposal, error) {
	p, err := l.app.Engine.Revise(ctx, idOrSlug, engine.ReviseOptions{
		Slug:          req.Slug,
		Name:          req.Name,
		Description:   req.Description,
		Capabilities:  req.Capabilities,
		HandledEvents: req.HandledEvents,
		Dependencies:  req.Dependencies,
		Rationale:     req.Rationale,
		ActorID:       l.actor,
	})
	return convert[skillgatesdk.Proposal](p, err)
}

func (l localBackend) Analyze(ctx context.Context, capabilities []string) (skillgatesdk.Report, error) {
	r, err := l.app.Engine.Analyze(ctx, capabilities)
	return convert[skillgatesdk.Report](r, err)
}

func (l localBackend) GuardCheck(_ context.Context, skill, interaction string) (skillgatesdk.Decision, error) {
	return convert[skillgatesdk.Decision](l.app.Kernel.Check(skill, interaction), nil)
}

func (l localBackend) Manifest(_ context.Context) (skillgatesdk.Manifest, error) {
	running := l.app.Kernel.Manifest()
	staged, err := manifest.ReadFile(l.app.Engine.ManifestPath)
	if err != nil {
		return skillgatesdk.Manifest{}, err
	}
	return convert[skillgatesdk.Manifest](map[string]any{
		"running": map[string]any{"version": running.Version(), "skills": running.Specs()},
		"staged":  map[string]any{"version": staged.Version, "skills": staged.Skills},
	}, nil)
}

func (l localBackend) Events(ctx context.Context, q skillgatesdk.EventQuery) (skillgatesdk.PaginatedEvents, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	var cursor int64
	if q.Cursor != "" {
		if _, err := fmt.Sscan(q.Cursor, &cursor); err != nil {
			return skillgatesdk.PaginatedEvents{}, fmt.Errorf("invalid cursor %q", q.Cursor)
		}
	}
	items, err := l.app.Engine.Repo.LatestEventsFrom(ctx, limit+1, cursor, repo.EventFilter{
		Type:       q.Type,
		EntityKind: q.EntityKind,
		EntityID:   q.EntityID,
	})
	if err != nil {
		return skillgatesdk.PaginatedEvents{}, err
	}
	var page skillgatesdk.PaginatedEvents
	if len(items) > limit {
		items = items[:limit]
		page.NextCursor = fmt.Sprint(items[limit-1].ID)
	}
	for _, e := range items {
		var payload map[string]any
		_ = json.Unmarshal([]byte(e.Payload), &payload)
		page.Items = append(page.Items, skillgatesdk.Event{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    payload,
		})
	}
	return page, nil
}

func (l localBackend) Close() error { return l.app.Close() }
