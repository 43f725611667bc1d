package routingtable

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// Matches reports whether the routing key tokens are selected by the pattern tokens.
//
// A literal token must equal the key token, "*" consumes exactly one key token and
// "#" consumes zero or more. The scan remembers the most recent "#" and, on a
// mismatch, lets it absorb one more key token before retrying the rest of the
// pattern. Comparison is exact and case-sensitive.
func Matches(key, pattern []string) bool {
	k, p := 0, 0
	starP, starK := -1, 0

	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == routingtable.MultiWildcard:
			starP, starK = p, k
			p++
		case p < len(pattern) && (pattern[p] == routingtable.SingleWildcard || pattern[p] == key[k]):
			p++
			k++
		case starP >= 0:
			starK++
			k = starK
			p = starP + 1
		default:
			return false
		}
	}

	// Trailing "#" tokens may match nothing
	for p < len(pattern) && pattern[p] == routingtable.MultiWildcard {
		p++
	}
	return p == len(pattern)
}

// MatchesString is Matches on dot-delimited strings
func MatchesString(routingKey, pattern string) bool {
	return Matches(routingtable.Tokens(routingKey), routingtable.Tokens(pattern))
}

// BindingMatcher is a validated, immutable Binding ready for matching.
type BindingMatcher struct {
	binding routingtable.Binding
	pattern []string
}

// NewMatcher validates binding and compiles it for its exchange kind.
//
// Topic patterns may use both wildcards, Direct patterns may not use either.
// Fanout ignores the pattern and stores "#". Headers ignores the pattern and
// matches on message headers with the binding's x-match mode.
func NewMatcher(binding routingtable.Binding) (*BindingMatcher, error) {
	m := &BindingMatcher{binding: binding}

	switch binding.Kind {
	case routingtable.Topic:
		tokens, err := routingtable.ParsePattern(binding.Pattern)
		if err != nil {
			return nil, err
		}
		m.pattern = tokens

	case routingtable.Direct:
		tokens, err := routingtable.ParsePattern(binding.Pattern)
		if err != nil {
			return nil, err
		}
		if routingtable.HasWildcard(tokens) {
			return nil, fmt.Errorf("%w: direct binding %q cannot contain wildcards", routingtable.ErrInvalidPattern, binding.Pattern)
		}
		m.pattern = tokens

	case routingtable.Fanout:
		m.binding.Pattern = routingtable.MultiWildcard
		m.pattern = []string{routingtable.MultiWildcard}

	case routingtable.Headers:
		if binding.Match != routingtable.MatchAll && binding.Match != routingtable.MatchAny {
			return nil, fmt.Errorf("%w: unknown x-match mode %d", routingtable.ErrInvalidPattern, binding.Match)
		}
		m.binding.Pattern = ""
		m.binding.Headers = maps.Clone(binding.Headers)

	default:
		return nil, fmt.Errorf("%w: unknown exchange kind %d", routingtable.ErrInvalidPattern, binding.Kind)
	}

	return m, nil
}

// Binding returns the normalized binding
func (m *BindingMatcher) Binding() routingtable.Binding {
	b := m.binding
	b.Headers = maps.Clone(m.binding.Headers)
	return b
}

// Matches reports whether msg is selected by the binding
func (m *BindingMatcher) Matches(msg *message.Message) bool {
	return m.match(routingtable.Tokens(msg.RoutingKey), msg)
}

// match uses key as the pre-split routing key of msg
func (m *BindingMatcher) match(key []string, msg *message.Message) bool {
	if m.binding.Kind == routingtable.Headers {
		return m.matchHeaders(msg)
	}
	return m.MatchKey(key)
}

// MatchKey matches already-split routing key tokens. Headers bindings never match
// a bare routing key.
func (m *BindingMatcher) MatchKey(key []string) bool {
	switch m.binding.Kind {
	case routingtable.Fanout:
		return true
	case routingtable.Direct:
		return slices.Equal(key, m.pattern)
	case routingtable.Headers:
		return false
	default:
		return Matches(key, m.pattern)
	}
}

func (m *BindingMatcher) matchHeaders(msg *message.Message) bool {
	want := m.binding.Headers
	if len(want) == 0 {
		return m.binding.Match == routingtable.MatchAll
	}

	for name, value := range want {
		got, ok := msg.Header(name)
		hit := ok && (value == "" || got == value)

		if m.binding.Match == routingtable.MatchAny && hit {
			return true
		}
		if m.binding.Match == routingtable.MatchAll && !hit {
			return false
		}
	}
	return m.binding.Match == routingtable.MatchAll
}
