package requestapi

import (
	"context"
	"strings"
	"testing"

	"github.com/modfin/notifyd/internal/model"
	"github.com/modfin/notifyd/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPostRequest_DefaultsMaxRetries(t *testing.T) {
	st := newTestStore(t)
	api := New(st)
	ctx := context.Background()

	id, err := api.PostRequest(ctx, PostInput{
		PartyFrom: "alice", PartyTo: "bob", Subject: "hi", Message: "hello",
	})
	if err != nil {
		t.Fatalf("PostRequest: %v", err)
	}

	req, err := st.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.MaxRetries != model.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", req.MaxRetries, model.DefaultMaxRetries)
	}
	if req.Status != model.StatusPending {
		t.Errorf("Status = %s, want pending", req.Status)
	}
}

func TestPostRequest_ExplicitZeroRetriesHonored(t *testing.T) {
	st := newTestStore(t)
	api := New(st)
	ctx := context.Background()

	zero := 0
	id, err := api.PostRequest(ctx, PostInput{
		PartyFrom: "alice", PartyTo: "bob", Subject: "hi", Message: "hello",
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("PostRequest: %v", err)
	}
	req, _ := st.GetRequest(ctx, id)
	if req.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (explicit)", req.MaxRetries)
	}
}

func TestPostRequest_ValidationErrors(t *testing.T) {
	st := newTestStore(t)
	api := New(st)
	ctx := context.Background()

	tests := []struct {
		name string
		in   PostInput
		want error
	}{
		{"empty from", PostInput{PartyTo: "bob", Subject: "s", Message: "m"}, ErrEmptyPartyFrom},
		{"empty to", PostInput{PartyFrom: "alice", Subject: "s", Message: "m"}, ErrEmptyPartyTo},
		{"empty message", PostInput{PartyFrom: "alice", PartyTo: "bob", Subject: "s"}, ErrEmptyMessage},
		{"subject too long", PostInput{PartyFrom: "alice", PartyTo: "bob", Subject: strings.Repeat("x", model.MaxSubjectLen+1), Message: "m"}, ErrSubjectTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := api.PostRequest(ctx, tc.in)
			if err != tc.want {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCancelRequest_Idempotent(t *testing.T) {
	st := newTestStore(t)
	api := New(st)
	ctx := context.Background()

	id, err := api.PostRequest(ctx, PostInput{
		PartyFrom: "alice", PartyTo: "bob", Subject: "s", Message: "m",
	})
	if err != nil {
		t.Fatalf("PostRequest: %v", err)
	}

	if err := api.CancelRequest(ctx, id); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if err := api.CancelRequest(ctx, id); err != nil {
		t.Fatalf("second CancelRequest: %v", err)
	}

	req, err := api.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != model.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", req.Status)
	}
}

func TestCancelRequest_ScopedToSingleRequest(t *testing.T) {
	st := newTestStore(t)
	api := New(st)
	ctx := context.Background()

	target, err := api.PostRequest(ctx, PostInput{PartyFrom: "alice", PartyTo: "bob", Subject: "s", Message: "m"})
	if err != nil {
		t.Fatalf("PostRequest: %v", err)
	}
	other, err := api.PostRequest(ctx, PostInput{PartyFrom: "alice", PartyTo: "carol", Subject: "s", Message: "m"})
	if err != nil {
		t.Fatalf("PostRequest: %v", err)
	}

	if err := api.CancelRequest(ctx, target); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}

	otherReq, err := api.GetRequest(ctx, other)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if otherReq.Status != model.StatusPending {
		t.Errorf("unrelated request status = %s, want pending (cancel must not leak)", otherReq.Status)
	}
}
