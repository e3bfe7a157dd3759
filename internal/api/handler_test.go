package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/campaign"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/scheduler"
)

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

type fakeGenerator struct {
	result *campaign.Result
	err    error
	calls  int
	got    []string
}

func (f *fakeGenerator) Generate(_ context.Context, period, app, createdBy string) (*campaign.Result, error) {
	f.calls++
	f.got = []string{period, app, createdBy}
	return f.result, f.err
}

type fakeJobs struct {
	runErr  error
	busy    bool
	ranJobs []string
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.ranJobs = append(f.ranJobs, name)
	return f.runErr
}

func (f *fakeJobs) Exclusive(ctx context.Context, name string, fn scheduler.JobFunc) error {
	if f.busy {
		return scheduler.ErrJobBusy
	}
	return fn(ctx, zap.NewNop())
}

type fakeRequeuer struct {
	candidate *db.NotificationCandidate
	err       error
	actor     string
}

func (f *fakeRequeuer) Requeue(_ context.Context, id uuid.UUID, actor string) (*db.NotificationCandidate, error) {
	f.actor = actor
	if f.err != nil {
		return nil, f.err
	}
	c := *f.candidate
	c.ID = id
	return &c, nil
}

type deps struct {
	health   fakeHealth
	gen      *fakeGenerator
	jobs     *fakeJobs
	requeuer *fakeRequeuer
}

func newTestRouter(d *deps) http.Handler {
	if d.gen == nil {
		d.gen = &fakeGenerator{}
	}
	if d.jobs == nil {
		d.jobs = &fakeJobs{}
	}
	if d.requeuer == nil {
		d.requeuer = &fakeRequeuer{candidate: &db.NotificationCandidate{RequestID: "R1"}}
	}
	h := NewHandler(zap.NewNop(), d.health, d.gen, d.jobs, d.requeuer)
	return NewRouter(h, zap.NewNop(), 5*time.Second)
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&deps{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	newTestRouter(&deps{health: fakeHealth{err: errors.New("pool closed")}}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&deps{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestGenerateCampaign(t *testing.T) {
	gen := &fakeGenerator{result: &campaign.Result{UarID: "UAR-072025-IPPCS", Period: "072025", Queued: 3}}
	router := newTestRouter(&deps{gen: gen})

	body := `{"period":"2025-07","applicationId":"IPPCS","createdBy":"admin"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/campaigns/generate", bytes.NewBufferString(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got campaign.Result
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UarID != "UAR-072025-IPPCS" || got.Queued != 3 {
		t.Fatalf("unexpected result %+v", got)
	}
	if gen.got[0] != "2025-07" || gen.got[1] != "IPPCS" || gen.got[2] != "admin" {
		t.Fatalf("unexpected generate args %v", gen.got)
	}
}

func TestGenerateCampaign_DefaultsCreatedByToActor(t *testing.T) {
	gen := &fakeGenerator{result: &campaign.Result{}}
	router := newTestRouter(&deps{gen: gen})

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/generate", bytes.NewBufferString(`{"period":"072025","applicationId":"IPPCS"}`))
	req.Header.Set("X-Actor", "ops.rina")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || gen.got[2] != "ops.rina" {
		t.Fatalf("expected actor as creator, got %d %v", rr.Code, gen.got)
	}
}

func TestGenerateCampaign_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{name: "malformed json", body: `{"period":`},
		{name: "missing period", body: `{"applicationId":"IPPCS"}`},
		{name: "missing application", body: `{"period":"072025"}`},
		{name: "unparseable period", body: `{"period":"July","applicationId":"IPPCS"}`, err: fmt.Errorf("%w: July", campaign.ErrInvalidPeriod)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{err: tt.err}
			rr := httptest.NewRecorder()
			newTestRouter(&deps{gen: gen}).ServeHTTP(rr,
				httptest.NewRequest(http.MethodPost, "/v1/campaigns/generate", bytes.NewBufferString(tt.body)))

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if p := decodeProblem(t, rr); p.Status != http.StatusBadRequest {
				t.Fatalf("unexpected problem %+v", p)
			}
		})
	}
}

func TestGenerateCampaign_Busy(t *testing.T) {
	gen := &fakeGenerator{}
	rr := httptest.NewRecorder()
	newTestRouter(&deps{gen: gen, jobs: &fakeJobs{busy: true}}).ServeHTTP(rr,
		httptest.NewRequest(http.MethodPost, "/v1/campaigns/generate", bytes.NewBufferString(`{"period":"072025","applicationId":"IPPCS"}`)))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if gen.calls != 0 {
		t.Fatal("generator must not run while the campaign job is busy")
	}
}

func TestGenerateCampaign_StoreFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("deadlock detected")}
	rr := httptest.NewRecorder()
	newTestRouter(&deps{gen: gen}).ServeHTTP(rr,
		httptest.NewRequest(http.MethodPost, "/v1/campaigns/generate", bytes.NewBufferString(`{"period":"072025","applicationId":"IPPCS"}`)))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if p := decodeProblem(t, rr); p.Type != "generation_failed" {
		t.Fatalf("unexpected problem %+v", p)
	}
}

func TestRunJob(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown", fmt.Errorf("%w: nope", scheduler.ErrUnknownJob), http.StatusNotFound},
		{"busy", scheduler.ErrJobBusy, http.StatusConflict},
		{"failed", errors.New("source down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{runErr: tt.err}
			rr := httptest.NewRecorder()
			newTestRouter(&deps{jobs: jobs}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/jobs/reconcile/run", nil))

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if len(jobs.ranJobs) != 1 || jobs.ranJobs[0] != "reconcile" {
				t.Fatalf("unexpected jobs run %v", jobs.ranJobs)
			}
		})
	}
}

func TestRequeueNotification(t *testing.T) {
	requeuer := &fakeRequeuer{candidate: &db.NotificationCandidate{RequestID: "R1"}}
	id := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+id.String()+"/requeue", nil)
	req.Header.Set("X-Actor", "ops.rina")
	rr := httptest.NewRecorder()
	newTestRouter(&deps{requeuer: requeuer}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != id.String() || got["status"] != db.StatusPending || got["request_id"] != "R1" {
		t.Fatalf("unexpected body %v", got)
	}
	if requeuer.actor != "ops.rina" {
		t.Fatalf("expected actor from header, got %q", requeuer.actor)
	}
}

func TestRequeueNotification_Errors(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		err    error
		status int
	}{
		{"invalid id", "not-a-uuid", nil, http.StatusBadRequest},
		{"not failed", uuid.NewString(), db.ErrNotFound, http.StatusNotFound},
		{"db error", uuid.NewString(), errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requeuer := &fakeRequeuer{err: tt.err}
			rr := httptest.NewRecorder()
			newTestRouter(&deps{requeuer: requeuer}).ServeHTTP(rr,
				httptest.NewRequest(http.MethodPost, "/v1/notifications/"+tt.id+"/requeue", nil))

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			decodeProblem(t, rr)
		})
	}
}
