// Package directory defines the Party directory adapter (C1): resolving a
// party id to its display name, optional email and kind, and enumerating
// the approved members of a group. The directory itself is an external
// collaborator (spec.md, "Out of scope"); this package is the interface
// the rest of the service programs against, plus a caching decorator and
// an in-memory reference implementation for tests and small deployments.
package directory

import (
	"context"
	"fmt"
)

type Kind string

const (
	Individual Kind = "individual"
	Group      Kind = "group"
)

// Party is the directory's view of one party id.
type Party struct {
	ID    string
	Name  string
	Email *string // nil is a legal, surfaced absence of an email address
	Kind  Kind
}

// Directory resolves party ids and group membership. Implementations must
// have no side effects: resolve and members-of are pure reads.
type Directory interface {
	Resolve(ctx context.Context, partyID string) (Party, error)
	MembersOf(ctx context.Context, groupID string) ([]string, error)
}

var ErrNotFound = fmt.Errorf("directory: party not found")
