package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/lock"
)

// Cached wraps a Directory with a bounded-lifetime cache for Resolve and
// MembersOf, mirroring the MX-record cache the source's DNS resolver
// keeps: a per-key mutex serializes concurrent misses for the same id so a
// cache stampede does not fan out into N identical directory calls, and
// entries expire on a fixed TTL rather than being invalidated explicitly.
//
// This gives the Expander's "snapshotted at expansion time" member list
// (spec.md §4.5) a bounded lifetime instead of being an unbounded,
// permanent snapshot: two expansion passes more than TTL apart may observe
// a changed membership, which is the intended, documented behavior.
type Cached struct {
	upstream Directory
	ttl      time.Duration
	log      *logrus.Logger

	parties *ttlcache.Cache[string, Party]
	members *ttlcache.Cache[string, []string]
	mu      *lock.KeyedMutex
}

func NewCached(upstream Directory, ttl time.Duration) *Cached {
	return NewCachedWithLogger(upstream, ttl, nil)
}

// NewCachedWithLogger is NewCached with a logger attached: every group
// membership snapshot taken on a cache miss is tagged with a fresh
// correlation id, so a slow or stale directory lookup can be traced back
// to the exact snapshot that produced it.
func NewCachedWithLogger(upstream Directory, ttl time.Duration, log *logrus.Logger) *Cached {
	c := &Cached{
		upstream: upstream,
		ttl:      ttl,
		log:      log,
		parties:  ttlcache.New[string, Party](ttlcache.WithDisableTouchOnHit[string, Party]()),
		members:  ttlcache.New[string, []string](ttlcache.WithDisableTouchOnHit[string, []string]()),
		mu:       lock.NewKeyedMutex(),
	}
	go c.parties.Start()
	go c.members.Start()
	return c
}

func (c *Cached) Stop() {
	c.parties.Stop()
	c.members.Stop()
}

func (c *Cached) Resolve(ctx context.Context, partyID string) (Party, error) {
	key := "party:" + partyID
	c.mu.Lock(key)
	defer c.mu.Unlock(key)

	if item := c.parties.Get(partyID); item != nil {
		return item.Value(), nil
	}

	p, err := c.upstream.Resolve(ctx, partyID)
	if err != nil {
		return Party{}, err
	}
	c.parties.Set(partyID, p, c.ttl)
	return p, nil
}

func (c *Cached) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	key := "members:" + groupID
	c.mu.Lock(key)
	defer c.mu.Unlock(key)

	if item := c.members.Get(groupID); item != nil {
		return item.Value(), nil
	}

	snapshotID := uuid.NewString()
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"group_id": groupID, "snapshot_id": snapshotID}).
			Debug("taking fresh group membership snapshot")
	}

	m, err := c.upstream.MembersOf(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.members.Set(groupID, m, c.ttl)
	return m, nil
}
