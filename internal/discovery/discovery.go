// Package discovery finds the upstream relays a node follows.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySeed is returned for a blank seed entry
	ErrEmptySeed = errors.New("seed peer cannot be empty")
	// ErrDuplicatePeer is returned when two seeds share an address
	ErrDuplicatePeer = errors.New("duplicate seed peer")
)

// Peer is a relay reachable over the peer link
type Peer struct {
	// ID names the peer in logs; defaults to Address
	ID string
	// Address is the gRPC target, e.g. "relay-2:9090"
	Address string
}

func (p Peer) String() string {
	if p.ID == p.Address {
		return p.Address
	}
	return p.ID + "@" + p.Address
}

// Discovery defines the interface for peer discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns available peers
	FindPeers(ctx context.Context) ([]Peer, error)
}

// StaticDiscovery implements Discovery using a fixed list of seed peers
type StaticDiscovery struct {
	peers []Peer
}

// NewStaticDiscovery parses seeds of the form "address" or "id=address"
func NewStaticDiscovery(seeds []string) (*StaticDiscovery, error) {
	peers := make([]Peer, 0, len(seeds))
	seen := make(map[string]bool, len(seeds))

	for _, seed := range seeds {
		peer, err := parseSeed(seed)
		if err != nil {
			return nil, err
		}
		if seen[peer.Address] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, peer.Address)
		}
		seen[peer.Address] = true
		peers = append(peers, peer)
	}

	return &StaticDiscovery{peers: peers}, nil
}

func parseSeed(seed string) (Peer, error) {
	seed = strings.TrimSpace(seed)
	id, address, named := strings.Cut(seed, "=")
	if !named {
		address = seed
		id = seed
	}
	id, address = strings.TrimSpace(id), strings.TrimSpace(address)
	if id == "" || address == "" {
		return Peer{}, fmt.Errorf("%w: %q", ErrEmptySeed, seed)
	}
	return Peer{ID: id, Address: address}, nil
}

// FindPeers returns a copy of the seed list
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peers := make([]Peer, len(s.peers))
	copy(peers, s.peers)
	return peers, nil
}
