package routingtable

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates routing key and pattern tokens
	Delimiter = "."

	// SingleWildcard matches exactly one token in a pattern
	SingleWildcard = "*"

	// MultiWildcard matches zero or more tokens in a pattern
	MultiWildcard = "#"
)

var (
	// ErrInvalidRoutingKey is returned when a published key has an empty or wildcard token
	ErrInvalidRoutingKey = errors.New("invalid routing key")
	// ErrInvalidPattern is returned when a binding pattern has an empty token or is
	// not allowed for its exchange kind
	ErrInvalidPattern = errors.New("invalid binding pattern")
	// ErrNilHandler is returned when subscribing without a handler
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrClosed is returned when subscribing to a routing table that has been closed
	ErrClosed = errors.New("routing table is closed")
)

// Tokens splits s on the delimiter. The empty string is the empty token sequence.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Delimiter)
}

// ParseRoutingKey splits and validates a published routing key.
// Empty tokens ("a..b", ".a", "a.") and the wildcard tokens are rejected.
func ParseRoutingKey(key string) ([]string, error) {
	tokens := Tokens(key)
	for i, token := range tokens {
		if token == "" {
			return nil, fmt.Errorf("%w: empty token at position %d in %q", ErrInvalidRoutingKey, i, key)
		}
		if token == SingleWildcard || token == MultiWildcard {
			return nil, fmt.Errorf("%w: wildcard %q not allowed in published key %q", ErrInvalidRoutingKey, token, key)
		}
	}
	return tokens, nil
}

// ParsePattern splits and validates a binding pattern.
func ParsePattern(pattern string) ([]string, error) {
	tokens := Tokens(pattern)
	for i, token := range tokens {
		if token == "" {
			return nil, fmt.Errorf("%w: empty token at position %d in %q", ErrInvalidPattern, i, pattern)
		}
	}
	return tokens, nil
}

// HasWildcard reports whether any token is "*" or "#".
func HasWildcard(tokens []string) bool {
	for _, token := range tokens {
		if token == SingleWildcard || token == MultiWildcard {
			return true
		}
	}
	return false
}
