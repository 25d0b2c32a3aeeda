package expand

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/directory"
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

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestExpander_IndividualTarget(t *testing.T) {
	st := newTestStore(t)
	dir := directory.NewMemory()
	ctx := context.Background()

	id, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "bob", ExpandGroup: false,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	if err := New(st, dir, silentLogger()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.DeliverableRows(ctx)
	if err != nil {
		t.Fatalf("DeliverableRows: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestID != id || rows[0].PartyTo != "bob" {
		t.Fatalf("rows = %+v, want one row to bob", rows)
	}

	req, _ := st.GetRequest(ctx, id)
	if req.Status != model.StatusSending {
		t.Errorf("request status = %s, want sending", req.Status)
	}
}

func TestExpander_GroupWithMembers(t *testing.T) {
	st := newTestStore(t)
	dir := directory.NewMemory()
	dir.PutParty(directory.Party{ID: "team", Kind: directory.Group})
	dir.PutMembers("team", []string{"bob", "carol", "dave"})
	ctx := context.Background()

	id, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "team", ExpandGroup: model.ExpandYes,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	if err := New(st, dir, silentLogger()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.DeliverableRows(ctx)
	if err != nil {
		t.Fatalf("DeliverableRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (one per member)", len(rows))
	}
	for _, r := range rows {
		if r.RequestID != id {
			t.Errorf("row for wrong request: %+v", r)
		}
	}
}

func TestExpander_ZeroMemberGroupOuterJoin(t *testing.T) {
	st := newTestStore(t)
	dir := directory.NewMemory()
	dir.PutParty(directory.Party{ID: "empty-team", Kind: directory.Group})
	// no members registered
	ctx := context.Background()

	id, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "empty-team", ExpandGroup: true,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	if err := New(st, dir, silentLogger()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.DeliverableRows(ctx)
	if err != nil {
		t.Fatalf("DeliverableRows: %v", err)
	}
	if len(rows) != 1 || rows[0].PartyTo != "empty-team" || rows[0].RequestID != id {
		t.Fatalf("rows = %+v, want a single row addressed to empty-team itself", rows)
	}
}

func TestExpander_UnresolvableTargetStaysPending(t *testing.T) {
	st := newTestStore(t)
	dir := directory.NewMemory()
	// "ghost" is never registered in the directory, so Resolve fails.
	ctx := context.Background()

	unresolvable, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "ghost", ExpandGroup: true,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	ok, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "bob", ExpandGroup: false,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	if err := New(st, dir, silentLogger()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req, err := st.GetRequest(ctx, unresolvable)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != model.StatusPending {
		t.Fatalf("request with unresolvable target status = %s, want pending", req.Status)
	}

	req, err = st.GetRequest(ctx, ok)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != model.StatusSending {
		t.Fatalf("resolvable request status = %s, want sending", req.Status)
	}

	rows, err := st.DeliverableRows(ctx)
	if err != nil {
		t.Fatalf("DeliverableRows: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestID != ok {
		t.Fatalf("rows = %+v, want only the resolvable request's row", rows)
	}
}

func TestExpander_NotReentrant(t *testing.T) {
	st := newTestStore(t)
	dir := directory.NewMemory()
	ctx := context.Background()

	id, err := st.InsertRequest(ctx, model.Request{
		PartyFrom: "alice", PartyTo: "bob", ExpandGroup: false,
		Subject: "s", Message: "m", RequestDate: time.Now().UTC(),
		Status: model.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	exp := New(st, dir, silentLogger())
	if err := exp.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := exp.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	rows, err := st.DeliverableRows(ctx)
	if err != nil {
		t.Fatalf("DeliverableRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("re-running expansion duplicated queue rows: %+v", rows)
	}
	_ = id
}
