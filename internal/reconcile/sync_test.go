package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/sqs"
)

type fakeStore struct {
	records   map[string]*db.PicRecord
	inserted  int
	insertErr error
}

func newFakeStore(existing ...*db.PicRecord) *fakeStore {
	f := &fakeStore{records: map[string]*db.PicRecord{}}
	for _, r := range existing {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeStore) ExistingPicIDs(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if _, ok := f.records[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPicRecords(_ context.Context, records []*db.PicRecord) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	n := 0
	for _, r := range records {
		if _, ok := f.records[r.ID]; ok {
			continue
		}
		f.records[r.ID] = r
		n++
	}
	f.inserted += n
	return n, nil
}

type staticSource struct {
	name  string
	items []Candidate
	err   error
	calls int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(context.Context, string) ([]Candidate, error) {
	s.calls++
	return s.items, s.err
}

func TestRun_CreateOnly(t *testing.T) {
	store := newFakeStore(&db.PicRecord{ID: "P1", Name: "Budi", DivisionID: "10"})
	src := &staticSource{name: "hr", items: []Candidate{
		{ID: "P1", Name: "Budi Santoso", DivisionID: "20"},
		{ID: "P2", Name: "Citra", DivisionID: "10", Mail: "citra@example.co.id"},
	}}

	s := New(store, []Source{src}, Config{}, nil, zap.NewNop())
	report, err := s.Run(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", report)
	}
	if store.records["P1"].Name != "Budi" || store.records["P1"].DivisionID != "10" {
		t.Fatalf("existing record was modified: %+v", store.records["P1"])
	}
	p2 := store.records["P2"]
	if p2.ApplicationID != "IPPCS" || p2.Source != "hr" || p2.Mail != "citra@example.co.id" {
		t.Fatalf("unexpected inserted record %+v", p2)
	}
}

func TestRun_DeduplicatesFirstWins(t *testing.T) {
	store := newFakeStore()
	first := &staticSource{name: "a", items: []Candidate{{ID: "P1", Name: "Andi", DivisionID: "10"}}}
	second := &staticSource{name: "b", items: []Candidate{
		{ID: "P1", Name: "Andi B", DivisionID: "11"},
		{ID: "P2", Name: "Budi", DivisionID: "10"},
	}}

	report, err := New(store, []Source{first, second}, Config{}, nil, zap.NewNop()).Run(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Fetched != 3 || report.Duplicates != 1 || report.Inserted != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if store.records["P1"].Name != "Andi" || store.records["P1"].Source != "a" {
		t.Fatalf("expected first occurrence to win, got %+v", store.records["P1"])
	}
}

func TestRun_DropsInvalidCandidates(t *testing.T) {
	store := newFakeStore()
	src := &staticSource{name: "hr", items: []Candidate{
		{ID: "P1", Name: "Andi", DivisionID: "10"},
		{ID: "P2", Name: "", DivisionID: "10"},
		{ID: "P3", Name: "Citra"},
	}}

	report, err := New(store, []Source{src}, Config{}, nil, zap.NewNop()).Run(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Invalid != 2 || report.Inserted != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRun_ToleratesFailingSource(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := newFakeStore()

	sources := []Source{
		&staticSource{name: "s1", items: []Candidate{{ID: "P1", Name: "A", DivisionID: "1"}}},
		&staticSource{name: "s2", items: []Candidate{{ID: "P2", Name: "B", DivisionID: "1"}}},
		&staticSource{name: "s3", err: errors.New("connection refused")},
		&staticSource{name: "s4", items: []Candidate{{ID: "P4", Name: "D", DivisionID: "2"}}},
		&staticSource{name: "s5", items: []Candidate{{ID: "P5", Name: "E", DivisionID: "2"}}},
	}

	report, err := New(store, sources, Config{}, nil, zap.New(core)).Run(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.FailedSources != 1 || report.Inserted != 4 {
		t.Fatalf("unexpected report %+v", report)
	}

	failures := logs.FilterMessage("pic source fetch failed").All()
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure log, got %d", len(failures))
	}
	if got := failures[0].ContextMap()["source"]; got != "s3" {
		t.Fatalf("expected failing source s3, got %v", got)
	}
}

func TestRun_SlowSourceTimesOut(t *testing.T) {
	store := newFakeStore()
	slow := sourceFunc{name: "slow", fn: func(ctx context.Context) ([]Candidate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	fast := &staticSource{name: "fast", items: []Candidate{{ID: "P1", Name: "A", DivisionID: "1"}}}

	report, err := New(store, []Source{slow, fast}, Config{SourceTimeout: 20 * time.Millisecond}, nil, zap.NewNop()).
		Run(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FailedSources != 1 || report.Inserted != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRun_StoreFailureIsReturned(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("deadlock detected")
	src := &staticSource{name: "hr", items: []Candidate{{ID: "P1", Name: "A", DivisionID: "1"}}}

	if _, err := New(store, []Source{src}, Config{}, nil, zap.NewNop()).Run(context.Background(), "IPPCS"); err == nil {
		t.Fatal("expected error")
	}
}

type sourceFunc struct {
	name string
	fn   func(ctx context.Context) ([]Candidate, error)
}

func (s sourceFunc) Name() string { return s.name }

func (s sourceFunc) Fetch(ctx context.Context, _ string) ([]Candidate, error) { return s.fn(ctx) }

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("applicationId") != "IPPCS" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]Candidate{{ID: "P1", Name: "Budi", DivisionID: "10", Mail: "budi@example.co.id"}})
	}))
	defer srv.Close()

	got, err := NewHTTPSource("hr", srv.URL+"/pics?active=1", srv.Client()).Fetch(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "P1" || got[0].DivisionID != "10" {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestHTTPSource_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPSource("hr", srv.URL, srv.Client()).Fetch(context.Background(), "IPPCS"); err == nil {
		t.Fatal("expected error for 503")
	}
}

type fakeReceiver struct {
	batches [][]sqs.Message
	deleted []string
}

func (f *fakeReceiver) Receive(context.Context, int32) ([]sqs.Message, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeReceiver) Delete(_ context.Context, h string) error {
	f.deleted = append(f.deleted, h)
	return nil
}

func TestQueueSource_DeletesOnlyAfterCommit(t *testing.T) {
	recv := &fakeReceiver{batches: [][]sqs.Message{
		{
			{ID: "m1", ReceiptHandle: "r1", Body: `{"applicationId":"IPPCS","pics":[{"id":"P1","name":"Budi","divisionId":"10"}]}`},
			{ID: "m2", ReceiptHandle: "r2", Body: `{"applicationId":"OTHER","pics":[{"id":"P9","name":"X","divisionId":"9"}]}`},
		},
		{
			{ID: "m3", ReceiptHandle: "r3", Body: `not json`},
		},
	}}
	src := NewQueueSource("queue", recv, zap.NewNop())

	got, err := src.Fetch(context.Background(), "IPPCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "P1" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if len(recv.deleted) != 0 {
		t.Fatal("messages must not be deleted before commit")
	}

	if err := src.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(recv.deleted) != 2 || recv.deleted[0] != "r1" || recv.deleted[1] != "r3" {
		t.Fatalf("expected r1 and r3 deleted, got %v", recv.deleted)
	}
}

func TestRun_CommitsQueueSourceAfterInsert(t *testing.T) {
	recv := &fakeReceiver{batches: [][]sqs.Message{{
		{ID: "m1", ReceiptHandle: "r1", Body: `{"pics":[{"id":"P1","name":"Budi","divisionId":"10"}]}`},
	}}}
	store := newFakeStore()
	store.insertErr = errors.New("connection reset")
	src := NewQueueSource("queue", recv, zap.NewNop())

	if _, err := New(store, []Source{src}, Config{}, nil, zap.NewNop()).Run(context.Background(), "IPPCS"); err == nil {
		t.Fatal("expected error")
	}
	if len(recv.deleted) != 0 {
		t.Fatal("failed run must not acknowledge queue messages")
	}
}

// visibilityQueue hides a received message for 120s and issues a fresh
// receipt handle on every delivery, like SQS.
type visibilityQueue struct {
	now      time.Time
	messages []*queuedMessage
	receipts int
}

type queuedMessage struct {
	msg            sqs.Message
	handle         string
	invisibleUntil time.Time
	deleted        bool
}

func (q *visibilityQueue) push(id, body string) {
	q.messages = append(q.messages, &queuedMessage{msg: sqs.Message{ID: id, Body: body}})
}

func (q *visibilityQueue) Receive(_ context.Context, max int32) ([]sqs.Message, error) {
	var out []sqs.Message
	for _, m := range q.messages {
		if int32(len(out)) == max {
			break
		}
		if m.deleted || q.now.Before(m.invisibleUntil) {
			continue
		}
		q.receipts++
		m.handle = fmt.Sprintf("rh-%s-%d", m.msg.ID, q.receipts)
		m.invisibleUntil = q.now.Add(120 * time.Second)
		msg := m.msg
		msg.ReceiptHandle = m.handle
		out = append(out, msg)
	}
	return out, nil
}

func (q *visibilityQueue) Delete(_ context.Context, handle string) error {
	for _, m := range q.messages {
		if m.handle == handle && !m.deleted {
			m.deleted = true
			return nil
		}
	}
	return fmt.Errorf("receipt handle %s is no longer valid", handle)
}

func TestQueueSource_SharedAcrossApplications(t *testing.T) {
	queue := &visibilityQueue{now: time.Date(2025, 7, 15, 8, 0, 0, 0, time.UTC)}
	queue.push("m1", `{"applicationId":"APPA","pics":[{"id":"A1","name":"Andi","divisionId":"10"}]}`)
	queue.push("m2", `{"applicationId":"APPB","pics":[{"id":"B1","name":"Budi","divisionId":"20"}]}`)

	store := newFakeStore()
	src := NewQueueSource("queue", queue, zap.NewNop())
	src.now = func() time.Time { return queue.now }
	s := New(store, []Source{src}, Config{}, nil, zap.NewNop())

	for _, app := range []string{"APPA", "APPB"} {
		report, err := s.Run(context.Background(), app)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", app, err)
		}
		if report.Inserted != 1 {
			t.Fatalf("%s: expected 1 insert, got %+v", app, report)
		}
	}

	if store.records["A1"] == nil || store.records["B1"] == nil {
		t.Fatalf("expected both applications synced, got %v", store.records)
	}
	if store.records["B1"].ApplicationID != "APPB" {
		t.Fatalf("B1 attributed to %s", store.records["B1"].ApplicationID)
	}
	for _, m := range queue.messages {
		if !m.deleted {
			t.Fatalf("message %s not acknowledged", m.msg.ID)
		}
	}
}

func TestQueueSource_ExpiredBufferWaitsForRedelivery(t *testing.T) {
	queue := &visibilityQueue{now: time.Date(2025, 7, 15, 8, 0, 0, 0, time.UTC)}
	queue.push("m2", `{"applicationId":"APPB","pics":[{"id":"B1","name":"Budi","divisionId":"20"}]}`)

	src := NewQueueSource("queue", queue, zap.NewNop())
	src.now = func() time.Time { return queue.now }

	if got, _ := src.Fetch(context.Background(), "APPA"); len(got) != 0 {
		t.Fatalf("APPA must not see APPB messages, got %+v", got)
	}

	queue.now = queue.now.Add(bufferHold + time.Second)
	if got, _ := src.Fetch(context.Background(), "APPB"); len(got) != 0 {
		t.Fatalf("expected stale buffer dropped, got %+v", got)
	}

	queue.now = queue.now.Add(30 * time.Second)
	got, err := src.Fetch(context.Background(), "APPB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "B1" {
		t.Fatalf("expected redelivered B1, got %+v", got)
	}
	if err := src.Commit(context.Background()); err != nil {
		t.Fatalf("commit with fresh handle: %v", err)
	}
}
