package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_ResolveAndMembersOf(t *testing.T) {
	m := NewMemory()
	email := "alice@example.com"
	m.PutParty(Party{ID: "alice", Name: "Alice", Email: &email, Kind: Individual})
	m.PutMembers("team", []string{"alice", "bob"})

	ctx := context.Background()

	p, err := m.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name != "Alice" || p.Email == nil || *p.Email != email {
		t.Errorf("unexpected party: %+v", p)
	}

	members, err := m.MembersOf(ctx, "team")
	if err != nil {
		t.Fatalf("MembersOf: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("unexpected members: %v", members)
	}
}

func TestMemory_ResolveNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.Resolve(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// countingDirectory counts upstream calls, so the cache's hit/miss
// behavior can be asserted directly.
type countingDirectory struct {
	resolveCalls int32
	membersCalls int32
	party        Party
	members      []string
}

func (c *countingDirectory) Resolve(_ context.Context, _ string) (Party, error) {
	atomic.AddInt32(&c.resolveCalls, 1)
	return c.party, nil
}

func (c *countingDirectory) MembersOf(_ context.Context, _ string) ([]string, error) {
	atomic.AddInt32(&c.membersCalls, 1)
	return c.members, nil
}

func TestCached_HitsDoNotReachUpstream(t *testing.T) {
	email := "bob@example.com"
	upstream := &countingDirectory{
		party:   Party{ID: "bob", Name: "Bob", Email: &email, Kind: Individual},
		members: []string{"alice", "bob"},
	}
	cached := NewCached(upstream, time.Minute)
	defer cached.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := cached.Resolve(ctx, "bob"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := cached.MembersOf(ctx, "team"); err != nil {
			t.Fatalf("MembersOf: %v", err)
		}
	}

	if got := atomic.LoadInt32(&upstream.resolveCalls); got != 1 {
		t.Errorf("resolveCalls = %d, want 1 (cached)", got)
	}
	if got := atomic.LoadInt32(&upstream.membersCalls); got != 1 {
		t.Errorf("membersCalls = %d, want 1 (cached)", got)
	}
}

func TestCached_ExpiresAfterTTL(t *testing.T) {
	upstream := &countingDirectory{party: Party{ID: "bob"}, members: []string{"alice"}}
	cached := NewCached(upstream, 20*time.Millisecond)
	defer cached.Stop()

	ctx := context.Background()
	if _, err := cached.MembersOf(ctx, "team"); err != nil {
		t.Fatalf("MembersOf: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := cached.MembersOf(ctx, "team"); err != nil {
		t.Fatalf("MembersOf: %v", err)
	}

	if got := atomic.LoadInt32(&upstream.membersCalls); got != 2 {
		t.Errorf("membersCalls = %d, want 2 (one fresh fetch after expiry)", got)
	}
}
