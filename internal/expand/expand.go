// Package expand turns pending Requests into per-recipient QueueEntry
// rows, resolving group targets against the party directory.
package expand

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/directory"
	"github.com/modfin/notifyd/internal/model"
	"github.com/modfin/notifyd/internal/store"
)

// Expander is the first step of every dispatcher run: it reads every
// pending request and inserts its queue rows, then moves exactly the
// requests it expanded to sending in one set operation. A request whose
// target could not be resolved stays pending.
type Expander struct {
	store store.Store
	dir   directory.Directory
	log   *logrus.Logger
}

func New(st store.Store, dir directory.Directory, log *logrus.Logger) *Expander {
	return &Expander{store: st, dir: dir, log: log}
}

// Run expands every request currently in status=pending. It is not
// re-entrant per request: a request moved out of pending by a concurrent
// run before this one reads it simply does not appear in the scan.
func (e *Expander) Run(ctx context.Context) error {
	pending, err := e.store.PendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("expand: list pending: %w", err)
	}

	expanded := make([]int64, 0, len(pending))
	for _, req := range pending {
		targets, err := e.targetsFor(ctx, req)
		if err != nil {
			e.log.WithError(err).WithField("request_id", req.RequestID).
				Warn("could not resolve targets, request stays pending")
			continue
		}
		if err := e.store.InsertQueueEntries(ctx, req.RequestID, targets); err != nil {
			return fmt.Errorf("expand: insert queue entries for request %d: %w", req.RequestID, err)
		}
		expanded = append(expanded, req.RequestID)
	}

	if len(expanded) == 0 {
		return nil
	}
	if err := e.store.TransitionPendingToSending(ctx, expanded...); err != nil {
		return fmt.Errorf("expand: pending->sending: %w", err)
	}
	return nil
}

// targetsFor resolves one request's party_to into the set of individual
// party ids it should fan out to.
//
// When expand_group=yes and the target is a group with zero approved
// members, this returns the group's own id as the sole target — an
// outer-join quirk preserved verbatim from the source rather than
// "fixed" into an empty result, since the source's own behavior is part
// of this system's documented contract.
func (e *Expander) targetsFor(ctx context.Context, req model.Request) ([]string, error) {
	if req.ExpandGroup == model.ExpandNo {
		return []string{req.PartyTo}, nil
	}

	party, err := e.dir.Resolve(ctx, req.PartyTo)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", req.PartyTo, err)
	}
	if party.Kind != directory.Group {
		return []string{req.PartyTo}, nil
	}

	members, err := e.dir.MembersOf(ctx, req.PartyTo)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", req.PartyTo, err)
	}
	if len(members) == 0 {
		return []string{req.PartyTo}, nil
	}
	return members, nil
}
