// Package store durably persists Requests, QueueEntries and the Job
// singleton (spec.md §3, §4.3) and provides the transactional primitives
// the Request API, Expander and Dispatcher are built on: single-row
// inserts, ordered scans, row-level updates, and the three set-based
// reconciliation updates.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/modfin/notifyd/internal/model"
)

var (
	// ErrRequestNotFound is returned when a request id has no row.
	ErrRequestNotFound = errors.New("store: request not found")
	// ErrJobMutationForbidden is returned by any attempt to insert or
	// delete the Job singleton row.
	ErrJobMutationForbidden = errors.New("store: job singleton cannot be inserted or deleted")
)

// DeliveryRow is one queue entry joined with its owning request, as read
// by the Dispatcher's delivery scan (spec.md §4.6). It carries no
// recipient email: that is resolved from the Party directory adapter, not
// the Store.
type DeliveryRow struct {
	RequestID   int64     `db:"request_id"`
	PartyFrom   string    `db:"party_from"`
	PartyTo     string    `db:"party_to"`
	Subject     string    `db:"subject"`
	RequestDate time.Time `db:"request_date"`
	MaxRetries  int       `db:"max_retries"`
	RetryCount  int       `db:"retry_count"`
}

// ReconcileCounts summarizes one reconciliation pass, for logging and
// metrics.
type ReconcileCounts struct {
	Sent           int
	Failed         int
	PartialFailure int
}

// Store is the persistence boundary every other component programs
// against. All methods are safe for concurrent use; overlapping
// dispatcher runs are expected (spec.md §5) and every row mutation here
// re-checks its own preconditions rather than trusting a caller's earlier
// read.
type Store interface {
	// InsertRequest allocates a fresh, strictly increasing request id
	// starting at 1000 and inserts req atomically: on any failure, no
	// row is left behind.
	InsertRequest(ctx context.Context, req model.Request) (int64, error)

	GetRequest(ctx context.Context, requestID int64) (model.Request, error)

	// InsertQueueEntries inserts one row per partyTo for requestID, used
	// by the Expander.
	InsertQueueEntries(ctx context.Context, requestID int64, partyTo []string) error

	// PendingRequests returns every request currently in status=pending,
	// for the Expander to fan out.
	PendingRequests(ctx context.Context) ([]model.Request, error)

	// TransitionPendingToSending moves pending requests to sending in one
	// set operation, after expansion has inserted their queue rows. With
	// no ids given it transitions every still-pending request; with ids
	// given it is scoped to exactly those (the Expander uses this to
	// leave a request whose targets it failed to resolve in pending
	// rather than sending it with no queue rows).
	TransitionPendingToSending(ctx context.Context, ids ...int64) error

	// DeliverableRows returns queue rows eligible for a delivery attempt:
	// is_successful=no, retry_count<max_retries, request.status=sending,
	// ordered by (request.party_from, queue.party_to) so that rows
	// sharing a sender and recipient are contiguous. Recipient email
	// filtering happens above this boundary, against the Party
	// directory.
	DeliverableRows(ctx context.Context) ([]DeliveryRow, error)

	// OpenMessage returns a reader over a request's message body. The
	// SQLite implementation reads the whole column into memory and wraps
	// it in a reader; it does not stream from the database.
	OpenMessage(ctx context.Context, requestID int64) (io.ReadCloser, error)

	// RecordAttempt applies the outcome of one delivery attempt to a
	// queue row: on success it is marked terminal; on failure retry_count
	// is incremented and the reply is recorded. The update re-checks
	// is_successful=no AND retry_count<max_retries AND
	// request.status=sending so a row already finalized by a concurrent
	// run is left untouched.
	RecordAttempt(ctx context.Context, requestID int64, partyTo string, success bool, replyCode *int, replyText *string) error

	// BulkRetryConnectionFailure folds every candidate row of every
	// sending, non-cancelled request forward by one retry, recording the
	// failing open() reply. Used when the dispatcher could not obtain an
	// SMTP session at all.
	BulkRetryConnectionFailure(ctx context.Context, replyCode int, replyText string) error

	// CancelRequest is scoped strictly to requestID (unlike the source
	// bug documented in spec.md §9.2): it forces every queue row of this
	// request to a non-retryable shape and sets the request to
	// cancelled. Idempotent; legal from any non-terminal state.
	CancelRequest(ctx context.Context, requestID int64) error

	// Reconcile applies the three set-based status derivations of
	// spec.md §4.6 and returns how many requests moved into each
	// terminal bucket.
	Reconcile(ctx context.Context, now time.Time) (ReconcileCounts, error)

	// AnyRequestActive reports whether any request is in {pending,
	// sending}, gating the dispatcher's early return.
	AnyRequestActive(ctx context.Context) (bool, error)

	// Job singleton access. Insert/delete are structurally impossible
	// through this interface; only the update methods below exist.
	GetJob(ctx context.Context) (model.Job, error)
	SetJobID(ctx context.Context, jobID *string) error
	ClearJobLastRun(ctx context.Context) error
	TouchJobLastRun(ctx context.Context, when time.Time) error

	Close() error
}
