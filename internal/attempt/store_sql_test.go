package attempt_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/db"
	"github.com/stepprep/stepprep/internal/exam"

	_ "modernc.org/sqlite" // driver for "sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return dbh
}

// seed one user and a one-section exam; returns the section surrogate key
// and the question ids.
func seed(t *testing.T, dbh *sql.DB) (sectionPK string, questionIDs []string) {
	t.Helper()
	ctx := context.Background()

	if _, err := dbh.ExecContext(ctx,
		`INSERT INTO users (id,email,display_name,created_at) VALUES ('u1','u1@example.com','U One',0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	exams := exam.NewSQLStore(dbh)
	doc := exam.Exam{
		ID: "step1", Title: "Step 1 Practice", Version: 2,
		Sections: []exam.Section{{
			SectionID: "s1", Index: 0, Title: "Block 1",
			Questions: []exam.Question{
				{ID: "q1", Number: 1, Stem: "First?", CorrectOptionID: "A",
					Options: []exam.Option{{Letter: "A", Text: "yes"}, {Letter: "B", Text: "no"}}},
				{ID: "q2", Number: 2, Stem: "Second?", CorrectOptionID: "B",
					Options: []exam.Option{{Letter: "A", Text: "yes"}, {Letter: "B", Text: "no"}}},
			},
		}},
	}
	if err := exams.UpsertExam(ctx, doc); err != nil {
		t.Fatalf("seed exam: %v", err)
	}
	pk, err := exams.SectionPK(ctx, "step1", "s1")
	if err != nil {
		t.Fatalf("section pk: %v", err)
	}
	return pk, []string{"q1", "q2"}
}

func TestEnsureIdempotent(t *testing.T) {
	dbh := newTestDB(t)
	seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a1, err := store.Ensure(ctx, "u1", "step1", 2)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a2, err := store.Ensure(ctx, "u1", "step1", 2)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("ensure not idempotent: %s vs %s", a1.ID, a2.ID)
	}
	if a1.ExamVersion != 2 {
		t.Fatalf("exam version = %d, want 2", a1.ExamVersion)
	}

	// finishing frees the slot for a fresh attempt
	if _, err := store.Finish(ctx, a1.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	a3, err := store.Ensure(ctx, "u1", "step1", 2)
	if err != nil {
		t.Fatalf("ensure after finish: %v", err)
	}
	if a3.ID == a1.ID {
		t.Fatal("expected a new attempt after finish")
	}
}

func TestPauseResumeAccounting(t *testing.T) {
	dbh := newTestDB(t)
	seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, err := store.Ensure(ctx, "u1", "step1", 2)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	pausedAt := time.Now().Add(-3 * time.Minute)
	if _, err := store.Pause(ctx, a.ID, pausedAt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	a, err = store.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a.PausedAt != nil {
		t.Fatal("pausedAt not cleared by resume")
	}
	want := 3 * time.Minute
	got := time.Duration(a.TotalPausedMs) * time.Millisecond
	if got < want-2*time.Second || got > want+2*time.Second {
		t.Fatalf("total paused = %v, want ~%v", got, want)
	}

	// resume without a prior pause is a tolerated no-op
	before := a.TotalPausedMs
	a, err = store.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if a.TotalPausedMs != before {
		t.Fatalf("total paused changed on no-op resume: %d -> %d", before, a.TotalPausedMs)
	}
}

func TestDoublePauseOverwrites(t *testing.T) {
	dbh := newTestDB(t)
	seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, err := store.Ensure(ctx, "u1", "step1", 2)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	first := time.Now().Add(-10 * time.Minute)
	second := first.Add(5 * time.Minute)
	if _, err := store.Pause(ctx, a.ID, first); err != nil {
		t.Fatalf("pause 1: %v", err)
	}
	a, err = store.Pause(ctx, a.ID, second)
	if err != nil {
		t.Fatalf("pause 2: %v", err)
	}
	if a.PausedAt == nil || a.PausedAt.UnixMilli() != second.UnixMilli() {
		t.Fatalf("pausedAt = %v, want overwrite to %v", a.PausedAt, second)
	}
	// the 5 minutes between the two pauses is not counted until a resume
	if a.TotalPausedMs != 0 {
		t.Fatalf("total paused = %d before any resume, want 0", a.TotalPausedMs)
	}

	a, err = store.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := 5 * time.Minute
	got := time.Duration(a.TotalPausedMs) * time.Millisecond
	if got < want-2*time.Second || got > want+2*time.Second {
		t.Fatalf("total paused after resume = %v, want ~%v (from the second pause)", got, want)
	}
}

func TestAnswerRoundTrip(t *testing.T) {
	dbh := newTestDB(t)
	secPK, qs := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	as, err := store.EnsureSection(ctx, a.ID, secPK)
	if err != nil {
		t.Fatalf("ensure section: %v", err)
	}

	b := "B"
	if err := store.SaveAnswer(ctx, as.ID, qs[0], &b); err != nil {
		t.Fatalf("save answer: %v", err)
	}
	resps, err := store.Responses(ctx, as.ID)
	if err != nil {
		t.Fatalf("responses: %v", err)
	}
	if len(resps) != 1 || resps[0].Answer == nil || *resps[0].Answer != "B" {
		t.Fatalf("responses = %+v, want one answer B", resps)
	}

	// clearing sets the answer back to null, the row stays
	if err := store.SaveAnswer(ctx, as.ID, qs[0], nil); err != nil {
		t.Fatalf("clear answer: %v", err)
	}
	resps, _ = store.Responses(ctx, as.ID)
	if len(resps) != 1 || resps[0].Answer != nil {
		t.Fatalf("responses after clear = %+v, want one row with nil answer", resps)
	}
}

func TestFlagAndNoteIndependentOfAnswer(t *testing.T) {
	dbh := newTestDB(t)
	secPK, qs := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	as, _ := store.EnsureSection(ctx, a.ID, secPK)

	if err := store.SaveFlag(ctx, as.ID, qs[1], true); err != nil {
		t.Fatalf("flag: %v", err)
	}
	note := "revisit the physio here"
	if err := store.SaveNote(ctx, as.ID, qs[1], &note); err != nil {
		t.Fatalf("note: %v", err)
	}

	resps, _ := store.Responses(ctx, as.ID)
	if len(resps) != 1 {
		t.Fatalf("want a single upserted row, got %d", len(resps))
	}
	r := resps[0]
	if !r.Flagged || r.Note == nil || *r.Note != note || r.Answer != nil {
		t.Fatalf("row = %+v, want flagged+noted with nil answer", r)
	}

	n, err := store.AnsweredCount(ctx, as.ID)
	if err != nil {
		t.Fatalf("answered count: %v", err)
	}
	if n != 0 {
		t.Fatalf("answered count = %d, want 0 (flag/note are not answers)", n)
	}
}

func TestProgressAndComplete(t *testing.T) {
	dbh := newTestDB(t)
	secPK, _ := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	as, _ := store.EnsureSection(ctx, a.ID, secPK)
	if as.CurrentQuestionIndex != 0 {
		t.Fatalf("new section attempt index = %d, want 0", as.CurrentQuestionIndex)
	}

	if err := store.SetProgress(ctx, as.ID, 7); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if err := store.CompleteSection(ctx, as.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	as, _ = store.GetSection(ctx, as.ID)
	if as.CurrentQuestionIndex != 7 || as.FinishedAt == nil {
		t.Fatalf("section attempt = %+v, want index 7 and finished", as)
	}
}

func TestEnsureSectionIdempotent(t *testing.T) {
	dbh := newTestDB(t)
	secPK, _ := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	as1, _ := store.EnsureSection(ctx, a.ID, secPK)
	as2, _ := store.EnsureSection(ctx, a.ID, secPK)
	if as1.ID != as2.ID {
		t.Fatalf("ensure section not idempotent: %s vs %s", as1.ID, as2.ID)
	}
}

func TestReconcileStale(t *testing.T) {
	dbh := newTestDB(t)
	secPK, qs := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	// nothing to reconcile with answers absent
	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	if _, err := store.ReconcileStale(ctx, "u1", "step1"); !errors.Is(err, attempt.ErrNotFound) {
		t.Fatalf("reconcile without answers: %v, want ErrNotFound", err)
	}

	as, _ := store.EnsureSection(ctx, a.ID, secPK)
	ans := "A"
	if err := store.SaveAnswer(ctx, as.ID, qs[0], &ans); err != nil {
		t.Fatalf("save answer: %v", err)
	}
	got, err := store.ReconcileStale(ctx, "u1", "step1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.ID != a.ID || got.FinishedAt == nil {
		t.Fatalf("reconciled = %+v, want %s finished", got, a.ID)
	}
}

func TestResumeProbe(t *testing.T) {
	dbh := newTestDB(t)
	secPK, _ := seed(t, dbh)
	store := attempt.NewSQLStore(dbh)
	ctx := context.Background()

	st, err := store.ResumeFor(ctx, "u1", "step1")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if st.CanResume {
		t.Fatal("canResume true with no attempt")
	}

	a, _ := store.Ensure(ctx, "u1", "step1", 2)
	as, _ := store.EnsureSection(ctx, a.ID, secPK)
	_ = store.SetProgress(ctx, as.ID, 4)

	st, err = store.ResumeFor(ctx, "u1", "step1")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !st.CanResume || st.SectionID != "s1" || st.QuestionNumber != 5 {
		t.Fatalf("probe = %+v, want resume at s1 question 5", st)
	}
	if st.TimeElapsedMs < 0 {
		t.Fatalf("elapsed = %d, want >= 0", st.TimeElapsedMs)
	}
}
