package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
)

// MemoryStore is an in-memory Store backed by a map and a read/write mutex.
// Suitable for development, testing, and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[keys.Key]Peer
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[keys.Key]Peer)}
}

func (s *MemoryStore) Put(_ context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p.Key] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key keys.Key) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return &p, nil
}

func (s *MemoryStore) Delete(_ context.Context, key keys.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(s.data, key)
	return nil
}

// List returns peers ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.data))
	for _, p := range s.data {
		out = append(out, p)
	}
	sortPeers(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].Key.String() < peers[j].Key.String()
	})
}
