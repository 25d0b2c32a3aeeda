package directory

import (
	"context"
	"sync"
)

// Memory is an in-process reference Directory backed by maps, suitable for
// tests and small single-node deployments where party data is loaded once
// at startup rather than fetched from an external system.
type Memory struct {
	mu      sync.RWMutex
	parties map[string]Party
	members map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		parties: map[string]Party{},
		members: map[string][]string{},
	}
}

// PutParty registers or replaces a party record.
func (m *Memory) PutParty(p Party) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[p.ID] = p
}

// PutMembers sets the approved member list of a group.
func (m *Memory) PutMembers(groupID string, memberIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]string(nil), memberIDs...)
	m.members[groupID] = cp
}

func (m *Memory) Resolve(_ context.Context, partyID string) (Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[partyID]
	if !ok {
		return Party{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) MembersOf(_ context.Context, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members[groupID]...), nil
}
