package engine

import (
	"errors"
	"fmt"
	"strings"

	"skillgate/internal/analyzer"
	"skillgate/internal/domain"
	"skillgate/internal/generate"
)

var (
	ErrNotPending = errors.New("proposal is not awaiting approval")
	ErrTerminal   = errors.New("proposal is terminal")
	ErrBusy       = errors.New("proposal is being processed")
)

// ValidationError lists every problem found in a proposal.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid proposal: " + strings.Join(e.Problems, "; ")
}

// GenerationFailure means no usable artifact can be produced.
type GenerationFailure struct {
	Reason string
	Err    error
}

func (e *GenerationFailure) Error() string {
	return "infeasible: " + e.Reason
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// SecurityViolation carries the scanner findings that failed an artifact.
type SecurityViolation struct {
	Findings []string
}

func (e *SecurityViolation) Error() string {
	return "security scan failed: " + strings.Join(e.Findings, "; ")
}

// CompositionBlock carries an analysis that recommended BLOCK.
type CompositionBlock struct {
	Report analyzer.Report
}

func (e *CompositionBlock) Error() string {
	var msgs []string
	for _, f := range e.Report.Findings {
		if f.Severity == analyzer.SeverityBlock {
			msgs = append(msgs, f.Message)
		}
	}
	return "composition blocked: " + strings.Join(msgs, "; ")
}

// TransientInfraFailure is a collaborator error that outlived its retries.
type TransientInfraFailure struct {
	Step     string
	Attempts int
	Err      error
}

func (e *TransientInfraFailure) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *TransientInfraFailure) Unwrap() error { return e.Err }

// InstallError means the accepted skill could not be staged into the manifest.
type InstallError struct {
	Err error
}

func (e *InstallError) Error() string { return "install: " + e.Err.Error() }

func (e *InstallError) Unwrap() error { return e.Err }

// permanent errors are never retried.
func permanent(err error) bool {
	var ve *ValidationError
	var gf *GenerationFailure
	var ie *InstallError
	return generate.IsInfeasible(err) || errors.As(err, &ve) || errors.As(err, &gf) || errors.As(err, &ie)
}

// rejectionFor maps a step error to the rejection it causes. ok is false for
// errors that are not a verdict on the proposal, such as store failures.
func rejectionFor(err error) (kind string, ok bool) {
	var (
		ve *ValidationError
		gf *GenerationFailure
		tf *TransientInfraFailure
		ie *InstallError
	)
	switch {
	case errors.As(err, &ve):
		return domain.RejectValidation, true
	case errors.As(err, &gf):
		return domain.RejectInfeasible, true
	case errors.As(err, &ie):
		return domain.RejectInstall, true
	case errors.As(err, &tf):
		return domain.RejectTransient, true
	}
	return "", false
}
