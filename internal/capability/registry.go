package capability

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// StandardTokens is the vocabulary shipped with the default configuration.
var StandardTokens = []string{
	"user:input",
	"user:output",
	"memory:read",
	"memory:write",
	"llm:call",
	"file:write",
	"audio:read",
	"audio:write",
	"gpio:read",
	"gpio:write",
	"network:read",
	"network:write",
}

var tokenPattern = regexp.MustCompile(`^[a-z0-9_-]+:[a-z0-9_-]+$`)

// UnknownTokenError lists tokens that are not part of the vocabulary.
type UnknownTokenError struct {
	Tokens []string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown capability token(s): %s", strings.Join(e.Tokens, ", "))
}

// Registry is the closed, versioned capability vocabulary.
type Registry struct {
	version string
	tokens  Set
}

// NewRegistry validates and freezes a vocabulary.
func NewRegistry(version string, tokens []string) (*Registry, error) {
	if strings.TrimSpace(version) == "" {
		return nil, errors.New("capability vocabulary version is required")
	}
	if len(tokens) == 0 {
		return nil, errors.New("capability vocabulary is empty")
	}
	set := make(Set, len(tokens))
	for _, t := range tokens {
		if !tokenPattern.MatchString(t) {
			return nil, fmt.Errorf("malformed capability token %q (want domain:action)", t)
		}
		if set.Has(t) {
			return nil, fmt.Errorf("duplicate capability token %q", t)
		}
		set[t] = struct{}{}
	}
	return &Registry{version: version, tokens: set}, nil
}

func (r *Registry) Version() string { return r.version }

func (r *Registry) Has(token string) bool { return r.tokens.Has(token) }

// Tokens returns the vocabulary in lexical order.
func (r *Registry) Tokens() []string { return r.tokens.Sorted() }

// Validate returns an *UnknownTokenError naming every token outside the vocabulary.
func (r *Registry) Validate(tokens ...string) error {
	var unknown []string
	seen := map[string]bool{}
	for _, t := range tokens {
		if r.tokens.Has(t) || seen[t] {
			continue
		}
		seen[t] = true
		unknown = append(unknown, t)
	}
	if len(unknown) > 0 {
		return &UnknownTokenError{Tokens: unknown}
	}
	return nil
}

// Set validates tokens and returns them as a Set.
func (r *Registry) Set(tokens ...string) (Set, error) {
	if err := r.Validate(tokens...); err != nil {
		return nil, err
	}
	return NewSet(tokens...), nil
}
