// Package requestapi implements post_request and cancel_request (spec.md
// §4.4): input validation, atomic id allocation, and the cancel
// semantics scoped strictly to a single request id.
package requestapi

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/modfin/notifyd/internal/model"
	"github.com/modfin/notifyd/internal/store"
)

var (
	ErrEmptyPartyFrom = errors.New("requestapi: party_from must not be empty")
	ErrEmptyPartyTo   = errors.New("requestapi: party_to must not be empty")
	ErrSubjectTooLong = fmt.Errorf("requestapi: subject must be at most %d characters", model.MaxSubjectLen)
	ErrEmptyMessage   = errors.New("requestapi: message must not be empty")
	ErrNegativeRetries = errors.New("requestapi: max_retries must be >= 0")
)

// API is the Request API surface: post_request and cancel_request.
type API struct {
	store store.Store
}

func New(st store.Store) *API {
	return &API{store: st}
}

// PostInput is the input to post_request. MaxRetries is a pointer so a
// caller can distinguish "not specified, use the default" from an
// explicit 0 (no retries at all, a value spec.md permits).
type PostInput struct {
	PartyFrom   string
	PartyTo     string
	ExpandGroup bool
	Subject     string
	Message     string
	MaxRetries  *int
}

// PostRequest is post_request(party_from, party_to, expand_group,
// subject, message, max_retries=3) -> request_id. It validates its input
// before ever touching the Store, so a rejected request never allocates
// an id.
func (a *API) PostRequest(ctx context.Context, in PostInput) (int64, error) {
	if in.PartyFrom == "" {
		return 0, ErrEmptyPartyFrom
	}
	if in.PartyTo == "" {
		return 0, ErrEmptyPartyTo
	}
	if utf8.RuneCountInString(in.Subject) > model.MaxSubjectLen {
		return 0, ErrSubjectTooLong
	}
	if in.Message == "" {
		return 0, ErrEmptyMessage
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return 0, ErrNegativeRetries
	}

	maxRetries := model.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	req := model.Request{
		PartyFrom:   in.PartyFrom,
		PartyTo:     in.PartyTo,
		ExpandGroup: model.ExpandGroup(in.ExpandGroup),
		Subject:     in.Subject,
		Message:     in.Message,
		RequestDate: time.Now().UTC(),
		Status:      model.StatusPending,
		MaxRetries:  maxRetries,
	}

	id, err := a.store.InsertRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("requestapi: post_request: %w", err)
	}
	return id, nil
}

// CancelRequest is cancel_request(request_id): idempotent, legal from any
// non-terminal state, and scoped strictly to request_id (the source's own
// implementation shadows its request_id parameter with the column of the
// same name and ends up cancelling every request; this is not
// reproduced).
func (a *API) CancelRequest(ctx context.Context, requestID int64) error {
	if err := a.store.CancelRequest(ctx, requestID); err != nil {
		return fmt.Errorf("requestapi: cancel_request: %w", err)
	}
	return nil
}

// GetRequest returns a request's current row, for status inspection.
func (a *API) GetRequest(ctx context.Context, requestID int64) (model.Request, error) {
	return a.store.GetRequest(ctx, requestID)
}
