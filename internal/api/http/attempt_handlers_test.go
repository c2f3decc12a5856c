package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/access"
	"github.com/stepprep/stepprep/internal/attempt"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/db"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/exam"

	_ "modernc.org/sqlite" // driver for "sqlite"
)

type testEnv struct {
	db       *sql.DB
	exams    *exam.SQLStore
	attempts *attempt.SQLStore
	access   *access.Store
	events   *eventlog.Log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })

	env := &testEnv{
		db:       dbh,
		exams:    exam.NewSQLStore(dbh),
		attempts: attempt.NewSQLStore(dbh),
		access:   access.NewStore(dbh),
		events:   eventlog.New(dbh),
	}
	ctx := context.Background()
	if _, err := dbh.ExecContext(ctx,
		`INSERT INTO users (id,email,created_at) VALUES ('u1','u1@example.com',0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	doc := exam.Exam{
		ID: "step1", Title: "Step 1 Practice", Version: 1,
		Sections: []exam.Section{{
			SectionID: "s1", Index: 0, Title: "Block 1",
			Questions: []exam.Question{
				{ID: "q1", Number: 1, Stem: "?", CorrectOptionID: "A",
					Options: []exam.Option{{Letter: "A", Text: "a"}, {Letter: "B", Text: "b"}}},
			},
		}},
	}
	if err := env.exams.UpsertExam(ctx, doc); err != nil {
		t.Fatalf("seed exam: %v", err)
	}
	return env
}

func (e *testEnv) grantAccess(t *testing.T) {
	t.Helper()
	if _, err := e.access.Grant(context.Background(), "u1", "step1",
		365*24*time.Hour, 4900, "usd", "pi_test"); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

// request builds an authenticated request the way the router middleware would.
func request(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := authmw.WithSubject(req.Context(), "u1")
	ctx = authmw.WithRole(ctx, "student")
	return req.WithContext(ctx)
}

func router(env *testEnv) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/exam/{examID}/access", AccessHandler(env.access))
	r.Post("/api/exam/{examID}/attempt", EnsureAttemptHandler(env.exams, env.attempts, env.access, env.events))
	r.Patch("/api/exam/{examID}/attempt", AttemptActionHandler(env.attempts, env.events))
	r.Get("/api/exam/{examID}/resume", ResumeHandler(env.attempts))
	r.Get("/api/exam/{examID}/section/{sectionID}", GetSectionHandler(env.exams, env.attempts, env.access, env.events))
	return r
}

func TestAccessEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := router(env)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodGet, "/api/exam/step1/access", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st access.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.HasAccess {
		t.Fatal("hasAccess true without a purchase")
	}

	env.grantAccess(t)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodGet, "/api/exam/step1/access", ""))
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.HasAccess || st.ValidUntil == nil {
		t.Fatalf("status = %+v, want access with validUntil", st)
	}
}

func TestEnsureAttemptRequiresPurchase(t *testing.T) {
	env := newTestEnv(t)
	r := router(env)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPost, "/api/exam/step1/attempt", ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without purchase = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPost, "/api/exam/unknown/attempt", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown exam = %d, want 404", rec.Code)
	}
}

func TestEnsureAttemptIdempotentOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t)
	r := router(env)

	post := func() attempt.Attempt {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, request(http.MethodPost, "/api/exam/step1/attempt", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var a attempt.Attempt
		if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return a
	}
	a1, a2 := post(), post()
	if a1.ID != a2.ID {
		t.Fatalf("repeat POST created a second attempt: %s vs %s", a1.ID, a2.ID)
	}

	// start is logged once
	evs, err := env.events.Recent(context.Background(), a1.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	starts := 0
	for _, e := range evs {
		if e.Type == eventlog.TypeAttemptStarted {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("AttemptStarted events = %d, want 1", starts)
	}
}

func TestAttemptActions(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t)
	r := router(env)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPost, "/api/exam/step1/attempt", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPatch, "/api/exam/step1/attempt", `{"action":"pause"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: %d, body %s", rec.Code, rec.Body.String())
	}
	var a attempt.Attempt
	_ = json.Unmarshal(rec.Body.Bytes(), &a)
	if a.PausedAt == nil {
		t.Fatal("pause did not set pausedAt")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPatch, "/api/exam/step1/attempt", `{"action":"resume"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	a = attempt.Attempt{}
	_ = json.Unmarshal(rec.Body.Bytes(), &a)
	if a.PausedAt != nil {
		t.Fatal("resume did not clear pausedAt")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPatch, "/api/exam/step1/attempt", `{"action":"defer"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPatch, "/api/exam/step1/attempt", `{"action":"finish"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("finish: %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &a)
	if a.FinishedAt == nil {
		t.Fatal("finish did not set finishedAt")
	}

	// no active attempt remains
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPatch, "/api/exam/step1/attempt", `{"action":"pause"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pause after finish: %d, want 404", rec.Code)
	}
}

func TestOpenSectionLogsOneStart(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t)
	r := router(env)

	open := func() attempt.Attempt {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, request(http.MethodGet, "/api/exam/step1/section/s1", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("open section: %d, body %s", rec.Code, rec.Body.String())
		}
		var body struct {
			Attempt attempt.Attempt `json:"attempt"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Attempt
	}
	a1, a2 := open(), open()
	if a1.ID != a2.ID {
		t.Fatalf("reopening started a new attempt: %s vs %s", a1.ID, a2.ID)
	}

	evs, err := env.events.Recent(context.Background(), a1.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	starts := 0
	for _, e := range evs {
		if e.Type == eventlog.TypeAttemptStarted {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("AttemptStarted events = %d, want 1", starts)
	}
}

func TestResumeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.grantAccess(t)
	r := router(env)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodGet, "/api/exam/step1/resume", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume probe: %d", rec.Code)
	}
	var st attempt.ResumeState
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.CanResume {
		t.Fatal("canResume true with no attempt")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodPost, "/api/exam/step1/attempt", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, request(http.MethodGet, "/api/exam/step1/resume", ""))
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.CanResume {
		t.Fatal("canResume false with an active attempt")
	}
}
