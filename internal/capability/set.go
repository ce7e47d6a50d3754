package capability

import "sort"

// Set is a set of capability tokens. Methods never modify the receiver.
type Set map[string]struct{}

// NewSet builds a set from tokens, dropping empties and duplicates.
func NewSet(tokens ...string) Set {
	s := make(Set, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		s[t] = struct{}{}
	}
	return s
}

func (s Set) Has(token string) bool {
	_, ok := s[token]
	return ok
}

func (s Set) Len() int { return len(s) }

// Sorted returns the tokens in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Union returns a new set holding every token of s and others.
func (s Set) Union(others ...Set) Set {
	out := make(Set, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	for _, o := range others {
		for t := range o {
			out[t] = struct{}{}
		}
	}
	return out
}

// Missing returns the sorted tokens of required that s does not hold.
func (s Set) Missing(required Set) []string {
	var missing []string
	for t := range required {
		if !s.Has(t) {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}

// Contains reports whether every token of other is in s.
func (s Set) Contains(other Set) bool {
	for t := range other {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// Intersects reports whether s and other share at least one token.
func (s Set) Intersects(other Set) bool {
	for t := range other {
		if s.Has(t) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	return s.Union()
}
