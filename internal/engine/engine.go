package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillgate/internal/analyzer"
	"skillgate/internal/artifact"
	"skillgate/internal/capability"
	"skillgate/internal/clock"
	"skillgate/internal/config"
	"skillgate/internal/db"
	"skillgate/internal/domain"
	"skillgate/internal/events"
	"skillgate/internal/gate"
	"skillgate/internal/generate"
	"skillgate/internal/manifest"
	"skillgate/internal/notify"
	"skillgate/internal/observability"
	"skillgate/internal/repo"
	"skillgate/internal/scan"
)

const pipelineActor = "pipeline"

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Registry     *capability.Registry
	Manifest     *manifest.Manifest
	ManifestPath string
	Rules        analyzer.RuleSet
	Gates        gate.Resolver
	Generator    generate.Generator
	Scanner      scan.Scanner
	Artifacts    artifact.Store
	Notifier     notify.Notifier
	Retry        RetryPolicy
	Clock        clock.Clock
	Logger       *zap.Logger
	// BootTime separates skills accepted by this process from the frozen manifest.
	BootTime time.Time

	inflight *inflight
}

// Options supplies what the config file cannot.
type Options struct {
	Workspace string
	Manifest  *manifest.Manifest
	Notifier  notify.Notifier
	Generator generate.Generator
	Scanner   scan.Scanner
	Clock     clock.Clock
	Logger    *zap.Logger
}

func New(conn *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if opts.Manifest == nil {
		return Engine{}, errors.New("manifest not loaded")
	}
	reg, err := cfg.Registry()
	if err != nil {
		return Engine{}, err
	}
	rules, err := cfg.RuleSet(reg)
	if err != nil {
		return Engine{}, err
	}
	gates, err := gate.NewResolver(cfg.Gates)
	if err != nil {
		return Engine{}, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := opts.Generator
	if gen == nil {
		if len(cfg.Generator.Command) > 0 {
			gen = generate.Command{Args: cfg.Generator.Command}
		} else {
			gen = generate.Template{}
		}
	}
	scanner := opts.Scanner
	if scanner == nil {
		scanner = scan.GoScanner{ForbiddenImports: cfg.Scanner.ForbiddenImports, ForbiddenCalls: cfg.Scanner.ForbiddenCalls}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	return Engine{
		DB:           conn,
		Repo:         repo.Repo{DB: conn},
		Events:       events.Writer{DB: conn, Now: clk.Now},
		Config:       cfg,
		Registry:     reg,
		Manifest:     opts.Manifest,
		ManifestPath: config.Resolve(opts.Workspace, cfg.Manifest.Path),
		Rules:        rules,
		Gates:        gates,
		Generator:    gen,
		Scanner:      scanner,
		Artifacts:    artifact.Store{Dir: filepath.Join(db.Dir(opts.Workspace), "artifacts")},
		Notifier:     notifier,
		Retry:        RetryFromConfig(cfg.Pipeline, clk, logger),
		Clock:        clk,
		Logger:       logger,
		BootTime:     clk.Now().UTC().Truncate(time.Second),
		inflight:     &inflight{ids: map[string]struct{}{}},
	}, nil
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// inflight makes sure a proposal is driven by one caller at a time. install
// serializes manifest writes across proposals.
type inflight struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	install sync.Mutex
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func (e Engine) lock(id string) (func(), error) {
	if e.inflight == nil {
		return func() {}, nil
	}
	if !e.inflight.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return func() { e.inflight.release(id) }, nil
}

// SubmitOptions describes a new proposal. Shape problems are not rejected
// here; the proposal is stored and rejected by validation so the record
// keeps the reason.
type SubmitOptions struct {
	ID            string
	Slug          string
	Name          string
	Description   string
	Capabilities  []string
	HandledEvents []string
	Dependencies  []string
	Rationale     string
	UserContext   string
	GeneratedBy   string
	ActorID       string
	revisionOf    *string
}

func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Proposal, error) {
	now := e.stamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.ActorID == "" {
		opts.ActorID = "proposer"
	}
	p := domain.Proposal{
		ID:            id,
		Slug:          opts.Slug,
		Name:          opts.Name,
		Description:   opts.Description,
		Capabilities:  opts.Capabilities,
		HandledEvents: opts.HandledEvents,
		Dependencies:  opts.Dependencies,
		Rationale:     opts.Rationale,
		UserContext:   opts.UserContext,
		GeneratedBy:   opts.GeneratedBy,
		Status:        domain.StatusNew,
		RevisionOf:    opts.revisionOf,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProposalTx(ctx, tx, id); err == nil {
		return domain.Proposal{}, fmt.Errorf("proposal %s already exists: %w", id, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, err
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if _, err := e.Repo.AppendHistoryTx(ctx, tx, domain.HistoryEntry{
		ProposalID: id, TS: now, Status: p.Status, Actor: opts.ActorID, Outcome: domain.OutcomeSubmitted,
	}); err != nil {
		return domain.Proposal{}, err
	}
	payload := events.EventPayload{"slug": p.Slug, "capabilities": p.Capabilities}
	if p.RevisionOf != nil {
		payload["revision_of"] = *p.RevisionOf
	}
	if err := e.Events.Append(ctx, tx, events.ProposalSubmitted, "proposal", id, opts.ActorID, payload); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.Logger.Info("proposal submitted", zap.String("proposal", id), zap.String("slug", p.Slug))
	return e.Get(ctx, id)
}

// ReviseOptions changes a rejected proposal into a new one. Nil fields keep
// the original value.
type ReviseOptions struct {
	Slug          *string
	Name          *string
	Description   *string
	Capabilities  []string
	HandledEvents []string
	Dependencies  []string
	Rationale     *string
	ActorID       string
}

// Revise submits a new proposal derived from a rejected one. The original
// record and its history are left untouched.
func (e Engine) Revise(ctx context.Context, idOrSlug string, opts ReviseOptions) (domain.Proposal, error) {
	orig, err := e.Repo.GetProposal(ctx, idOrSlug)
	if err != nil {
		return domain.Proposal{}, err
	}
	if orig.Status != domain.StatusRejected {
		return domain.Proposal{}, fmt.Errorf("only rejected proposals can be revised; %s is %s", orig.ID, orig.Status)
	}
	sub := SubmitOptions{
		Slug:          orig.Slug,
		Name:          orig.Name,
		Description:   orig.Description,
		Capabilities:  orig.Capabilities,
		HandledEvents: orig.HandledEvents,
		Dependencies:  orig.Dependencies,
		Rationale:     orig.Rationale,
		UserContext:   orig.UserContext,
		GeneratedBy:   orig.GeneratedBy,
		ActorID:       opts.ActorID,
		revisionOf:    &orig.ID,
	}
	if opts.Slug != nil {
		sub.Slug = *opts.Slug
	}
	if opts.Name != nil {
		sub.Name = *opts.Name
	}
	if opts.Description != nil {
		sub.Description = *opts.Description
	}
	if opts.Capabilities != nil {
		sub.Capabilities = opts.Capabilities
	}
	if opts.HandledEvents != nil {
		sub.HandledEvents = opts.HandledEvents
	}
	if opts.Dependencies != nil {
		sub.Dependencies = opts.Dependencies
	}
	if opts.Rationale != nil {
		sub.Rationale = *opts.Rationale
	}
	return e.Submit(ctx, sub)
}

// Get returns a proposal with its full history.
func (e Engine) Get(ctx context.Context, idOrSlug string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, idOrSlug)
	if err != nil {
		return p, err
	}
	p.History, err = e.Repo.ListHistory(ctx, p.ID)
	return p, err
}

func (e Engine) List(ctx context.Context, status string) ([]domain.Summary, error) {
	if status != "" && !domain.ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilter{Status: status})
	if err != nil {
		return nil, err
	}
	res := make([]domain.Summary, 0, len(ps))
	for _, p := range ps {
		res = append(res, p.Summary())
	}
	return res, nil
}

func (e Engine) History(ctx context.Context, idOrSlug string) ([]domain.HistoryEntry, error) {
	p, err := e.Repo.GetProposal(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, p.ID)
}

type ApproveOptions struct {
	Force   bool
	ActorID string
	Reason  string
}

// Approve grants the pending human gate of a proposal and continues the
// pipeline. With Force a proposal that is not pending is driven forward as
// if every human gate were granted; escalations still stop it.
func (e Engine) Approve(ctx context.Context, idOrSlug string, opts ApproveOptions) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, idOrSlug)
	if err != nil {
		return p, err
	}
	if domain.Terminal(p.Status) {
		return p, fmt.Errorf("%w: %s is %s", ErrTerminal, p.ID, p.Status)
	}
	if !p.Pending && !opts.Force {
		return p, fmt.Errorf("%w: %s", ErrNotPending, p.ID)
	}
	unlock, err := e.lock(p.ID)
	if err != nil {
		return p, err
	}
	defer unlock()
	if opts.ActorID == "" {
		opts.ActorID = "operator"
	}

	run := runState{force: opts.Force, actor: opts.ActorID}
	if p.Pending {
		p, err = e.approvePending(ctx, p, opts.ActorID, opts.Reason)
		if err != nil {
			return p, err
		}
		run.decided = p.Status == domain.StatusHumanReview
	}
	if _, err := e.advance(ctx, p, run); err != nil {
		return domain.Proposal{}, err
	}
	return e.Get(ctx, p.ID)
}

// Reject ends a non-terminal proposal on an operator decision.
func (e Engine) Reject(ctx context.Context, idOrSlug, reason, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, idOrSlug)
	if err != nil {
		return p, err
	}
	if domain.Terminal(p.Status) {
		return p, fmt.Errorf("%w: %s is %s", ErrTerminal, p.ID, p.Status)
	}
	unlock, err := e.lock(p.ID)
	if err != nil {
		return p, err
	}
	defer unlock()
	if actorID == "" {
		actorID = "operator"
	}
	if reason == "" {
		reason = "rejected by reviewer"
	}
	if _, err := e.reject(ctx, p, domain.RejectHuman, reason, actorID); err != nil {
		return domain.Proposal{}, err
	}
	return e.Get(ctx, p.ID)
}

// Process drives one proposal as far as its gates allow.
func (e Engine) Process(ctx context.Context, id string) (domain.Proposal, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer unlock()
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return p, err
	}
	if domain.Terminal(p.Status) || p.Pending {
		return p, nil
	}
	return e.advance(ctx, p, runState{actor: pipelineActor})
}

// ActiveSets are the capability sets a candidate is analyzed against: the
// frozen manifest plus skills accepted since boot, which load at next start.
// exclude names a proposal to leave out.
func (e Engine) ActiveSets(ctx context.Context, exclude string) ([]capability.Set, error) {
	sets := e.Manifest.ActiveSets()
	accepted, err := e.acceptedSinceBoot(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range accepted {
		if p.ID == exclude {
			continue
		}
		sets = append(sets, capability.NewSet(p.Capabilities...))
	}
	return sets, nil
}

func (e Engine) acceptedSinceBoot(ctx context.Context) ([]domain.Proposal, error) {
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilter{
		Status:       domain.StatusAccepted,
		UpdatedSince: e.BootTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	res := ps[:0]
	for _, p := range ps {
		if _, loaded := e.Manifest.Lookup(p.Slug); !loaded {
			res = append(res, p)
		}
	}
	return res, nil
}

// Analyze runs the composition analysis for an arbitrary capability list.
func (e Engine) Analyze(ctx context.Context, capabilities []string) (analyzer.Report, error) {
	candidate, err := e.Registry.Set(capabilities...)
	if err != nil {
		return analyzer.Report{}, err
	}
	active, err := e.ActiveSets(ctx, "")
	if err != nil {
		return analyzer.Report{}, err
	}
	return analyzer.Analyze(candidate, active, e.Rules), nil
}

// ReviewReport is what an operator sees before deciding.
type ReviewReport struct {
	Proposal  domain.Proposal  `json:"proposal"`
	NextStage string           `json:"next_stage,omitempty"`
	Gate      string           `json:"gate,omitempty"`
	Artifact  *domain.Artifact `json:"artifact,omitempty"`
	Scan      *scan.Result     `json:"scan,omitempty"`
	Analysis  *analyzer.Report `json:"analysis,omitempty"`
}

// Review recomputes the composition analysis and attaches the latest scan.
func (e Engine) Review(ctx context.Context, idOrSlug string) (ReviewReport, error) {
	p, err := e.Get(ctx, idOrSlug)
	if err != nil {
		return ReviewReport{}, err
	}
	rr := ReviewReport{Proposal: p}
	if next, ok := nextStage(p.Status); ok {
		rr.NextStage = next
		rr.Gate = string(e.Gates.Resolve(next))
	}
	if a, err := e.Repo.GetArtifact(ctx, p.ID); err == nil {
		rr.Artifact = &a
	} else if !errors.Is(err, repo.ErrNotFound) {
		return rr, err
	}
	if evt, err := e.Repo.LatestEventFor(ctx, p.ID, events.ArtifactScanned); err == nil {
		var res scan.Result
		if err := json.Unmarshal([]byte(evt.Payload), &res); err == nil {
			rr.Scan = &res
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return rr, err
	}
	if candidate, err := e.Registry.Set(p.Capabilities...); err == nil {
		active, err := e.ActiveSets(ctx, p.ID)
		if err != nil {
			return rr, err
		}
		report := analyzer.Analyze(candidate, active, e.Rules)
		rr.Analysis = &report
	}
	return rr, nil
}

// StageManifestRemoval writes a next-boot manifest without the named skill.
func (e Engine) StageManifestRemoval(ctx context.Context, name, actorID string) (manifest.File, error) {
	next, err := manifest.WithoutSkill(e.ManifestPath, e.Registry, name, e.Config.Manifest.Protected)
	if err != nil {
		return manifest.File{}, err
	}
	if err := manifest.Save(e.ManifestPath, next); err != nil {
		return manifest.File{}, err
	}
	if actorID == "" {
		actorID = "operator"
	}
	if err := e.Events.AppendNow(ctx, events.ManifestStaged, "skill", name, actorID, events.EventPayload{
		"action": "remove", "version": next.Version,
	}); err != nil {
		return next, err
	}
	return next, nil
}

// CheckStale warns once per pending period about proposals that have waited
// longer than the configured limit. It never decides for the reviewer.
func (e Engine) CheckStale(ctx context.Context) (int, error) {
	limit := e.Config.Pipeline.StaleAfter
	if limit <= 0 {
		return 0, nil
	}
	pending := true
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilter{Pending: &pending, OldestFirst: true})
	if err != nil {
		return 0, err
	}
	now := e.now()
	warned := 0
	for _, p := range ps {
		if p.PendingSince == nil {
			continue
		}
		since, err := time.Parse(time.RFC3339, *p.PendingSince)
		if err != nil || now.Sub(since) < limit {
			continue
		}
		last, err := e.Repo.LatestEventFor(ctx, p.ID, events.ProposalStale)
		if err == nil && last.TS >= *p.PendingSince {
			continue
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return warned, err
		}
		waited := now.Sub(since).Truncate(time.Second)
		e.Logger.Warn("proposal awaiting approval", zap.String("proposal", p.ID), zap.String("stage", p.Status), zap.Duration("waited", waited))
		msg := fmt.Sprintf("awaiting approval at %s for %s", p.Status, waited)
		if err := e.Notifier.Notify(ctx, p, p.Status, msg); err != nil {
			e.Logger.Warn("notify failed", zap.String("proposal", p.ID), zap.Error(err))
		}
		if err := e.Events.AppendNow(ctx, events.ProposalStale, "proposal", p.ID, pipelineActor, events.EventPayload{
			"stage": p.Status, "pending_since": *p.PendingSince,
		}); err != nil {
			return warned, err
		}
		warned++
	}
	return warned, nil
}

// change is one status write: a history row and an event in the same
// transaction as the compare-and-set on the proposal.
type change struct {
	to        string
	pending   bool
	escalated bool
	kind      string
	reason    string
	outcome   string
	actor     string
	event     string
	payload   events.EventPayload
}

func (e Engine) apply(ctx context.Context, p domain.Proposal, changes ...change) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	now := e.stamp()
	cur := p
	for _, c := range changes {
		next := cur
		if c.to != cur.Status {
			if err := ensureProposalTransition(cur.Status, c.to); err != nil {
				return p, err
			}
		}
		next.Status = c.to
		next.Pending = c.pending
		next.PendingSince = nil
		if c.pending {
			next.PendingSince = &now
		}
		next.Escalated = cur.Escalated || c.escalated
		if c.kind != "" {
			kind, reason := c.kind, c.reason
			next.RejectionKind = &kind
			next.RejectionReason = &reason
		}
		next.UpdatedAt = now
		if err := e.Repo.UpdateProposalStateTx(ctx, tx, next, cur.Status, cur.Pending); err != nil {
			return p, err
		}
		if _, err := e.Repo.AppendHistoryTx(ctx, tx, domain.HistoryEntry{
			ProposalID: p.ID, TS: now, Status: next.Status, Actor: c.actor, Outcome: c.outcome, Reason: c.reason,
		}); err != nil {
			return p, err
		}
		payload := events.EventPayload{"from": cur.Status, "to": next.Status, "pending": next.Pending}
		for k, v := range c.payload {
			payload[k] = v
		}
		if c.reason != "" {
			payload["reason"] = c.reason
		}
		evt := c.event
		if evt == "" {
			evt = events.ProposalTransitioned
		}
		if err := e.Events.Append(ctx, tx, evt, "proposal", p.ID, c.actor, payload); err != nil {
			return p, err
		}
		cur = next
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	prev := p.Status
	for _, c := range changes {
		if c.to != prev {
			observability.RecordTransition(prev, c.to)
			e.Logger.Info("proposal transition", zap.String("proposal", p.ID), zap.String("from", prev), zap.String("to", c.to), zap.Bool("pending", c.pending))
		}
		prev = c.to
	}
	return cur, nil
}

func (e Engine) reject(ctx context.Context, p domain.Proposal, kind, reason, actor string) (domain.Proposal, error) {
	p, err := e.apply(ctx, p, change{
		to: domain.StatusRejected, kind: kind, reason: reason, outcome: domain.OutcomeRejected,
		actor: actor, event: events.ProposalRejected, payload: events.EventPayload{"kind": kind},
	})
	if err != nil {
		return p, err
	}
	observability.RecordRejection(kind)
	e.Logger.Info("proposal rejected", zap.String("proposal", p.ID), zap.String("kind", kind), zap.String("reason", reason))
	if err := e.Notifier.Notify(ctx, p, domain.StatusRejected, reason); err != nil {
		e.Logger.Warn("notify failed", zap.String("proposal", p.ID), zap.Error(err))
	}
	return p, nil
}

func (e Engine) approvePending(ctx context.Context, p domain.Proposal, actor, reason string) (domain.Proposal, error) {
	if reason == "" {
		reason = "approved at " + p.Status
	}
	return e.apply(ctx, p, change{to: p.Status, reason: reason, outcome: domain.OutcomeApproved, actor: actor})
}
