package domain

const (
	StatusNew            = "new"
	StatusDiscovered     = "discovered"
	StatusImplementation = "implementation"
	StatusAgentReview    = "agent-review"
	StatusHumanReview    = "human-review"
	StatusAccepted       = "accepted"
	StatusRejected       = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []string{
	StatusNew, StatusDiscovered, StatusImplementation, StatusAgentReview,
	StatusHumanReview, StatusAccepted, StatusRejected,
}

func Terminal(status string) bool {
	return status == StatusAccepted || status == StatusRejected
}

func ValidStatus(status string) bool {
	for _, s := range Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Rejection kinds recorded on rejected proposals.
const (
	RejectValidation = "validation"
	RejectInfeasible = "infeasible"
	RejectTransient  = "transient_infra"
	RejectHuman      = "human"
	RejectInstall    = "install"
)

type Proposal struct {
	ID              string         `json:"id"`
	Slug            string         `json:"slug"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Capabilities    []string       `json:"capabilities"`
	HandledEvents   []string       `json:"handled_events"`
	Dependencies    []string       `json:"dependencies"`
	Rationale       string         `json:"rationale,omitempty"`
	UserContext     string         `json:"user_context,omitempty"`
	GeneratedBy     string         `json:"generated_by,omitempty"`
	Status          string         `json:"status" enum:"new,discovered,implementation,agent-review,human-review,accepted,rejected"`
	Pending         bool           `json:"pending"`
	PendingSince    *string        `json:"pending_since,omitempty" format:"date-time"`
	Escalated       bool           `json:"escalated"`
	RejectionKind   *string        `json:"rejection_kind,omitempty"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	RevisionOf      *string        `json:"revision_of,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Summary is the list view of a proposal.
type Summary struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Pending   bool   `json:"pending"`
	Escalated bool   `json:"escalated"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (p Proposal) Summary() Summary {
	return Summary{
		ID:        p.ID,
		Slug:      p.Slug,
		Name:      p.Name,
		Status:    p.Status,
		Pending:   p.Pending,
		Escalated: p.Escalated,
		CreatedAt: p.CreatedAt,
	}
}

type HistoryEntry struct {
	Seq        int64  `json:"seq"`
	ProposalID string `json:"proposal_id"`
	TS         string `json:"ts" format:"date-time"`
	Status     string `json:"status"`
	Actor      string `json:"actor"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
}

// History outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeAdvanced  = "advanced"
	OutcomePending   = "pending"
	OutcomeApproved  = "approved"
	OutcomeEscalated = "escalated"
	OutcomeRejected  = "rejected"
)

type Artifact struct {
	ProposalID string `json:"proposal_id"`
	Path       string `json:"path"`
	Digest     string `json:"digest"`
	Generator  string `json:"generator"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
