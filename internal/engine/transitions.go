package engine

import (
	"fmt"

	"skillgate/internal/domain"
)

// nextStage is the forward edge of the proposal graph.
func nextStage(status string) (string, bool) {
	switch status {
	case domain.StatusNew:
		return domain.StatusDiscovered, true
	case domain.StatusDiscovered:
		return domain.StatusImplementation, true
	case domain.StatusImplementation:
		return domain.StatusAgentReview, true
	case domain.StatusAgentReview:
		return domain.StatusHumanReview, true
	case domain.StatusHumanReview:
		return domain.StatusAccepted, true
	}
	return "", false
}

func ensureProposalTransition(oldStatus, newStatus string) error {
	if domain.Terminal(oldStatus) {
		return fmt.Errorf("%w: %s", ErrTerminal, oldStatus)
	}
	if newStatus == domain.StatusRejected {
		return nil
	}
	if next, ok := nextStage(oldStatus); ok && next == newStatus {
		return nil
	}
	return fmt.Errorf("invalid proposal status transition %s -> %s", oldStatus, newStatus)
}
