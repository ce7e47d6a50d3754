package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"skillgate/internal/analyzer"
	"skillgate/internal/artifact"
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

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type runState struct {
	// force grants every human gate on the way.
	force bool
	// decided records that a human approved the human-review decision.
	decided bool
	actor   string
}

// advance moves p forward until it is terminal, parked at a human gate, or a
// store error stops the pass. Status is written only after a stage's step
// succeeded.
func (e Engine) advance(ctx context.Context, p domain.Proposal, run runState) (domain.Proposal, error) {
	var err error
	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if domain.Terminal(p.Status) || p.Pending {
			return p, nil
		}
		next, ok := nextStage(p.Status)
		if !ok {
			return p, fmt.Errorf("proposal %s has no next stage from %s", p.ID, p.Status)
		}

		if next == domain.StatusAccepted {
			auto := e.Gates.Resolve(domain.StatusHumanReview) == gate.Auto
			if !run.decided && (p.Escalated || !(auto || run.force)) {
				p, err = e.apply(ctx, p, change{
					to: p.Status, pending: true, outcome: domain.OutcomePending, actor: pipelineActor,
					reason: "awaiting human decision", event: events.ProposalApprovalRequired,
				})
				if err != nil {
					return p, err
				}
				p, run, err = e.askReviewer(ctx, p, notify.Review{Stage: p.Status, Escalated: p.Escalated}, run)
				if err != nil {
					return p, err
				}
				continue
			}
			return e.accept(ctx, p, run)
		}

		review, stepErr := e.runStep(ctx, p, next)
		if stepErr != nil {
			if kind, ok := rejectionFor(stepErr); ok {
				return e.reject(ctx, p, kind, stepErr.Error(), pipelineActor)
			}
			if escalation(stepErr) {
				p, err = e.escalate(ctx, p, review, stepErr)
				if err != nil {
					return p, err
				}
				p, run, err = e.askReviewer(ctx, p, review, run)
				if err != nil {
					return p, err
				}
				continue
			}
			e.Logger.Warn("pipeline step failed", zap.String("proposal", p.ID), zap.String("stage", next), zap.Error(stepErr))
			return p, stepErr
		}

		mode := e.Gates.Resolve(next)
		if mode == gate.Auto || run.force {
			c := change{to: next, outcome: domain.OutcomeAdvanced, actor: pipelineActor}
			if mode == gate.Human {
				c.outcome, c.actor, c.reason = domain.OutcomeApproved, run.actor, "forced past human gate"
			}
			if p, err = e.apply(ctx, p, c); err != nil {
				return p, err
			}
			continue
		}
		p, err = e.apply(ctx, p, change{
			to: next, pending: true, outcome: domain.OutcomePending, actor: pipelineActor,
			reason: "awaiting approval", event: events.ProposalApprovalRequired,
		})
		if err != nil {
			return p, err
		}
		review.Stage = next
		p, run, err = e.askReviewer(ctx, p, review, run)
		if err != nil {
			return p, err
		}
	}
}

// runStep performs the work that must succeed before p may enter stage.
func (e Engine) runStep(ctx context.Context, p domain.Proposal, stage string) (notify.Review, error) {
	switch stage {
	case domain.StatusDiscovered:
		return notify.Review{}, e.validate(ctx, p)
	case domain.StatusImplementation:
		_, _, err := e.ensureArtifact(ctx, p)
		return notify.Review{}, err
	case domain.StatusAgentReview:
		return e.reviewArtifact(ctx, p)
	}
	return notify.Review{}, nil
}

func escalation(err error) bool {
	var sv *SecurityViolation
	var cb *CompositionBlock
	return errors.As(err, &sv) || errors.As(err, &cb)
}

// escalate records the agent-review result and parks p at human-review,
// whatever the gates say.
func (e Engine) escalate(ctx context.Context, p domain.Proposal, review notify.Review, cause error) (domain.Proposal, error) {
	p, err := e.apply(ctx, p,
		change{to: domain.StatusAgentReview, outcome: domain.OutcomeAdvanced, actor: pipelineActor, reason: "review checks completed"},
		change{
			to: domain.StatusHumanReview, pending: true, escalated: true, outcome: domain.OutcomeEscalated,
			actor: pipelineActor, reason: cause.Error(), event: events.ProposalEscalated,
			payload: events.EventPayload{"reasons": review.Reasons},
		},
	)
	if err != nil {
		return p, err
	}
	observability.RecordEscalation()
	e.Logger.Warn("proposal escalated to human review", zap.String("proposal", p.ID), zap.Strings("reasons", review.Reasons))
	return p, nil
}

// askReviewer hands a parked proposal to the notifier and applies an
// immediate answer. A pending answer or a notifier error leaves it parked.
func (e Engine) askReviewer(ctx context.Context, p domain.Proposal, review notify.Review, run runState) (domain.Proposal, runState, error) {
	review.Stage = p.Status
	review.Escalated = p.Escalated
	d, err := e.Notifier.RequestApproval(ctx, p, p.Status, review)
	if err != nil {
		e.Logger.Warn("approval request failed", zap.String("proposal", p.ID), zap.String("stage", p.Status), zap.Error(err))
		return p, run, nil
	}
	actor := d.Actor
	if actor == "" {
		actor = "reviewer"
	}
	switch d.Verdict {
	case notify.VerdictApprove:
		p, err = e.approvePending(ctx, p, actor, d.Reason)
		if err != nil {
			return p, run, err
		}
		run.decided = p.Status == domain.StatusHumanReview
		run.actor = actor
	case notify.VerdictReject:
		reason := d.Reason
		if reason == "" {
			reason = "rejected by reviewer"
		}
		p, err = e.reject(ctx, p, domain.RejectHuman, reason, actor)
		if err != nil {
			return p, run, err
		}
	}
	return p, run, nil
}

func (e Engine) validate(ctx context.Context, p domain.Proposal) error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if !slugPattern.MatchString(p.Slug) {
		problems = append(problems, fmt.Sprintf("slug %q must be kebab-case", p.Slug))
	}
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		problems = append(problems, "description is required")
	}
	if len(p.Capabilities) == 0 {
		problems = append(problems, "at least one capability is required")
	} else if err := e.Registry.Validate(p.Capabilities...); err != nil {
		problems = append(problems, err.Error())
	}
	for _, evt := range p.HandledEvents {
		if strings.TrimSpace(evt) == "" {
			problems = append(problems, "handled event names must not be empty")
			break
		}
	}
	for _, dep := range p.Dependencies {
		if _, ok := e.Manifest.Lookup(dep); !ok {
			problems = append(problems, fmt.Sprintf("dependency %q is not an active skill", dep))
		}
	}
	if _, ok := e.Manifest.Lookup(p.Slug); ok {
		problems = append(problems, fmt.Sprintf("skill %q is already active", p.Slug))
	}
	accepted, err := e.acceptedSinceBoot(ctx)
	if err != nil {
		return err
	}
	for _, a := range accepted {
		if a.Slug == p.Slug && a.ID != p.ID {
			problems = append(problems, fmt.Sprintf("skill %q was already accepted by proposal %s", p.Slug, a.ID))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ensureArtifact returns the recorded artifact when its file still matches,
// and generates a new one otherwise.
func (e Engine) ensureArtifact(ctx context.Context, p domain.Proposal) (domain.Artifact, []byte, error) {
	a, err := e.Repo.GetArtifact(ctx, p.ID)
	switch {
	case err == nil:
		data, verr := e.Artifacts.Verify(a.Path, a.Digest)
		if verr == nil {
			return a, data, nil
		}
		if !errors.Is(verr, artifact.ErrMissing) {
			return a, nil, verr
		}
		e.Logger.Warn("artifact missing or modified, regenerating", zap.String("proposal", p.ID), zap.String("path", a.Path))
	case !errors.Is(err, repo.ErrNotFound):
		return a, nil, err
	}

	var src []byte
	err = e.Retry.Do(ctx, "generate", func(ctx context.Context) error {
		out, err := e.Generator.Generate(ctx, p)
		if err != nil {
			var ie *generate.InfeasibleError
			if errors.As(err, &ie) {
				return &GenerationFailure{Reason: ie.Reason, Err: err}
			}
			return err
		}
		src = out
		return nil
	})
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return domain.Artifact{}, nil, &GenerationFailure{Reason: "generator returned no code"}
	}
	path, digest, err := e.Artifacts.Write(p.ID, src)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	a = domain.Artifact{ProposalID: p.ID, Path: path, Digest: digest, Generator: e.Generator.Name(), CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.PutArtifactTx(ctx, tx, a); err != nil {
		return a, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactGenerated, "proposal", p.ID, pipelineActor, events.EventPayload{
		"path": a.Path, "digest": a.Digest, "generator": a.Generator,
	}); err != nil {
		return a, nil, err
	}
	if err := tx.Commit(); err != nil {
		return a, nil, err
	}
	return a, src, nil
}

// reviewArtifact runs the security scan and the composition analysis. Both
// results are recorded as events whatever the outcome.
func (e Engine) reviewArtifact(ctx context.Context, p domain.Proposal) (notify.Review, error) {
	review := notify.Review{Stage: domain.StatusAgentReview}
	a, src, err := e.ensureArtifact(ctx, p)
	if err != nil {
		return review, err
	}
	var res scan.Result
	err = e.Retry.Do(ctx, "scan", func(ctx context.Context) error {
		r, err := e.Scanner.Scan(ctx, a, src)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return review, err
	}
	if err := e.Events.AppendNow(ctx, events.ArtifactScanned, "proposal", p.ID, pipelineActor, events.EventPayload{
		"pass": res.Pass, "findings": res.Findings, "digest": a.Digest,
	}); err != nil {
		return review, err
	}
	review.Scan = &res

	candidate, err := e.Registry.Set(p.Capabilities...)
	if err != nil {
		return review, &ValidationError{Problems: []string{err.Error()}}
	}
	active, err := e.ActiveSets(ctx, p.ID)
	if err != nil {
		return review, err
	}
	report := analyzer.Analyze(candidate, active, e.Rules)
	if err := e.Events.AppendNow(ctx, events.CompositionAnalyzed, "proposal", p.ID, pipelineActor, events.EventPayload{
		"recommendation": report.Recommendation, "union_size": report.UnionSize, "findings": report.Findings,
	}); err != nil {
		return review, err
	}
	review.Analysis = &report

	var errs []error
	if !res.Pass {
		review.Reasons = append(review.Reasons, res.Findings...)
		errs = append(errs, &SecurityViolation{Findings: res.Findings})
	}
	if report.Blocking() {
		for _, f := range report.Findings {
			if f.Severity >= analyzer.SeverityBlock {
				review.Reasons = append(review.Reasons, f.Message)
			}
		}
		errs = append(errs, &CompositionBlock{Report: report})
	}
	return review, errors.Join(errs...)
}

// accept stages the skill into the next-boot manifest and ends the pipeline.
func (e Engine) accept(ctx context.Context, p domain.Proposal, run runState) (domain.Proposal, error) {
	a, err := e.install(ctx, p)
	if err != nil {
		if kind, ok := rejectionFor(err); ok {
			return e.reject(ctx, p, kind, err.Error(), pipelineActor)
		}
		return p, err
	}
	actor := run.actor
	if actor == "" {
		actor = pipelineActor
	}
	p, err = e.apply(ctx, p, change{
		to: domain.StatusAccepted, outcome: domain.OutcomeAdvanced, actor: actor,
		reason: "installed for next start", event: events.ProposalAccepted,
		payload: events.EventPayload{"module": a.Path},
	})
	if err != nil {
		return p, err
	}
	if err := e.Notifier.Notify(ctx, p, domain.StatusAccepted, fmt.Sprintf("skill %s installed; restart to activate", p.Slug)); err != nil {
		e.Logger.Warn("notify failed", zap.String("proposal", p.ID), zap.Error(err))
	}
	return p, nil
}

// reviewedArtifact returns the artifact agent-review scanned. The file must
// still match its record and the record must be the one the scanner saw.
func (e Engine) reviewedArtifact(ctx context.Context, p domain.Proposal) (domain.Artifact, error) {
	a, err := e.Repo.GetArtifact(ctx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return a, &InstallError{Err: fmt.Errorf("no artifact recorded for %s", p.ID)}
	}
	if err != nil {
		return a, err
	}
	if _, err := e.Artifacts.Verify(a.Path, a.Digest); err != nil {
		if errors.Is(err, artifact.ErrMissing) {
			return a, &InstallError{Err: fmt.Errorf("artifact %s changed after review", a.Path)}
		}
		return a, err
	}
	evt, err := e.Repo.LatestEventFor(ctx, p.ID, events.ArtifactScanned)
	if errors.Is(err, repo.ErrNotFound) {
		return a, &InstallError{Err: fmt.Errorf("artifact %s was never scanned", a.Path)}
	}
	if err != nil {
		return a, err
	}
	var scanned struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal([]byte(evt.Payload), &scanned); err != nil {
		return a, fmt.Errorf("decode scan event: %w", err)
	}
	if scanned.Digest != a.Digest {
		return a, &InstallError{Err: fmt.Errorf("artifact digest %s differs from scanned digest %s", a.Digest, scanned.Digest)}
	}
	return a, nil
}

// slugTaken reports another proposal already holding p's skill name.
func (e Engine) slugTaken(ctx context.Context, p domain.Proposal) error {
	if _, ok := e.Manifest.Lookup(p.Slug); ok {
		return &InstallError{Err: fmt.Errorf("skill %s is already active", p.Slug)}
	}
	accepted, err := e.Repo.ListProposals(ctx, repo.ProposalFilter{Slug: p.Slug, Status: domain.StatusAccepted})
	if err != nil {
		return err
	}
	for _, other := range accepted {
		if other.ID != p.ID {
			return &InstallError{Err: fmt.Errorf("skill %s was already accepted by proposal %s", p.Slug, other.ID)}
		}
	}
	return nil
}

// install adds the reviewed artifact to the manifest file. It never
// regenerates; an entry recorded for this proposal counts as installed.
func (e Engine) install(ctx context.Context, p domain.Proposal) (domain.Artifact, error) {
	if e.inflight != nil {
		e.inflight.install.Lock()
		defer e.inflight.install.Unlock()
	}
	a, err := e.reviewedArtifact(ctx, p)
	if err != nil {
		return a, err
	}
	if err := e.slugTaken(ctx, p); err != nil {
		return a, err
	}
	spec := manifest.SkillSpec{
		Name:          p.Slug,
		Description:   p.Description,
		Origin:        manifest.OriginProposed,
		Proposal:      p.ID,
		Module:        a.Path,
		Capabilities:  p.Capabilities,
		HandlesEvents: p.HandledEvents,
		Dependencies:  p.Dependencies,
	}
	staged := 0
	err = e.Retry.Do(ctx, "install", func(ctx context.Context) error {
		f, err := manifest.ReadFile(e.ManifestPath)
		if err != nil {
			return err
		}
		for _, s := range f.Skills {
			if s.Name == spec.Name {
				if s.Proposal == p.ID {
					staged = f.Version
					return nil
				}
				return &InstallError{Err: fmt.Errorf("skill %s already in manifest", spec.Name)}
			}
		}
		next, err := manifest.WithSkill(e.ManifestPath, e.Registry, spec)
		if err != nil {
			return &InstallError{Err: err}
		}
		if err := manifest.Save(e.ManifestPath, next); err != nil {
			return err
		}
		staged = next.Version
		return nil
	})
	if err != nil {
		return a, err
	}
	if err := e.Events.AppendNow(ctx, events.ManifestStaged, "skill", p.Slug, pipelineActor, events.EventPayload{
		"action": "add", "proposal": p.ID, "module": a.Path, "version": staged,
	}); err != nil {
		return a, err
	}
	return a, nil
}
