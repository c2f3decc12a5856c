package attempt

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("attempt not found")
	ErrSectionNotFound = errors.New("section attempt not found")
	ErrFinished        = errors.New("attempt already finished")
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

const attemptCols = `id,user_id,exam_id,exam_version,started_at,paused_at,total_paused_ms,finished_at`

func scanAttempt(row interface{ Scan(...any) error }) (Attempt, error) {
	var a Attempt
	var started int64
	var paused, finished sql.NullInt64
	err := row.Scan(&a.ID, &a.UserID, &a.ExamID, &a.ExamVersion,
		&started, &paused, &a.TotalPausedMs, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, err
	}
	a.StartedAt = time.UnixMilli(started)
	if paused.Valid {
		t := time.UnixMilli(paused.Int64)
		a.PausedAt = &t
	}
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		a.FinishedAt = &t
	}
	return a, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Attempt, error) {
	return scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id))
}

// Active returns the single unfinished attempt for (user, exam).
func (s *SQLStore) Active(ctx context.Context, userID, examID string) (Attempt, error) {
	return scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE user_id=$1 AND exam_id=$2 AND finished_at IS NULL`,
		userID, examID))
}

// Ensure finds the active attempt for (user, exam) or creates one stamped
// with the exam version. Two racing calls are resolved by the partial unique
// index on (user_id, exam_id) WHERE finished_at IS NULL: the loser re-reads
// the winner's row.
func (s *SQLStore) Ensure(ctx context.Context, userID, examID string, examVersion int) (Attempt, error) {
	if a, err := s.Active(ctx, userID, examID); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Attempt{}, err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO attempts
		(id,user_id,exam_id,exam_version,started_at,total_paused_ms)
		VALUES ($1,$2,$3,$4,$5,0)`,
		id, userID, examID, examVersion, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return s.Active(ctx, userID, examID)
		}
		return Attempt{}, err
	}
	return s.Get(ctx, id)
}

// Pause stamps pausedAt. Pausing an already-paused attempt overwrites the
// timestamp; paused time only accrues when Resume runs.
func (s *SQLStore) Pause(ctx context.Context, id string, at time.Time) (Attempt, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET paused_at=$1 WHERE id=$2 AND finished_at IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return Attempt{}, err
	}
	if err := mustAffect(res); err != nil {
		return Attempt{}, err
	}
	return s.Get(ctx, id)
}

// Resume folds the elapsed pause into total_paused_ms and clears pausedAt.
// Resuming a non-paused attempt is a no-op, not an error.
func (s *SQLStore) Resume(ctx context.Context, id string) (Attempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attempt{}, err
	}
	defer tx.Rollback()

	a, err := scanAttempt(tx.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id))
	if err != nil {
		return Attempt{}, err
	}
	if a.FinishedAt != nil {
		return Attempt{}, ErrFinished
	}
	if a.PausedAt != nil {
		elapsed := time.Since(*a.PausedAt).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE attempts SET paused_at=NULL, total_paused_ms=total_paused_ms+$1 WHERE id=$2`,
			elapsed, id)
		if err != nil {
			return Attempt{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Attempt{}, err
	}
	return s.Get(ctx, id)
}

// Finish is terminal.
func (s *SQLStore) Finish(ctx context.Context, id string) (Attempt, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET finished_at=$1, paused_at=NULL WHERE id=$2 AND finished_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return Attempt{}, err
	}
	if err := mustAffect(res); err != nil {
		return Attempt{}, err
	}
	return s.Get(ctx, id)
}

// LatestFinished returns the most recently finished attempt for (user, exam).
func (s *SQLStore) LatestFinished(ctx context.Context, userID, examID string) (Attempt, error) {
	return scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts
		 WHERE user_id=$1 AND exam_id=$2 AND finished_at IS NOT NULL
		 ORDER BY finished_at DESC LIMIT 1`, userID, examID))
}

// ReconcileStale finishes an abandoned active attempt that already has at
// least one recorded answer, so results can be computed for it. This is the
// explicit form of the finalize-on-read behavior the results surface needs.
// Returns the reconciled attempt, or ErrNotFound when there is nothing to do.
func (s *SQLStore) ReconcileStale(ctx context.Context, userID, examID string) (Attempt, error) {
	a, err := s.Active(ctx, userID, examID)
	if err != nil {
		return Attempt{}, err
	}
	var answered int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM responses r
		JOIN attempt_sections s ON s.id = r.attempt_section_id
		WHERE s.attempt_id=$1 AND r.answer IS NOT NULL`, a.ID).Scan(&answered)
	if err != nil {
		return Attempt{}, err
	}
	if answered == 0 {
		return Attempt{}, ErrNotFound
	}
	return s.Finish(ctx, a.ID)
}

/* ---------------- section attempts ---------------- */

func scanSection(row interface{ Scan(...any) error }) (AttemptSection, error) {
	var as AttemptSection
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&as.ID, &as.AttemptID, &as.SectionPK, &started, &finished, &as.CurrentQuestionIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AttemptSection{}, ErrSectionNotFound
		}
		return AttemptSection{}, err
	}
	as.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		as.FinishedAt = &t
	}
	return as, nil
}

const sectionCols = `id,attempt_id,section_pk,started_at,finished_at,current_question_index`

func (s *SQLStore) GetSection(ctx context.Context, id string) (AttemptSection, error) {
	return scanSection(s.db.QueryRowContext(ctx,
		`SELECT `+sectionCols+` FROM attempt_sections WHERE id=$1`, id))
}

// EnsureSection finds or creates the (attempt, section) row; creation stamps
// startedAt and a zero question index. Races resolve through the unique
// constraint like Ensure does.
func (s *SQLStore) EnsureSection(ctx context.Context, attemptID, sectionPK string) (AttemptSection, error) {
	find := func() (AttemptSection, error) {
		return scanSection(s.db.QueryRowContext(ctx,
			`SELECT `+sectionCols+` FROM attempt_sections WHERE attempt_id=$1 AND section_pk=$2`,
			attemptID, sectionPK))
	}
	if as, err := find(); err == nil {
		return as, nil
	} else if !errors.Is(err, ErrSectionNotFound) {
		return AttemptSection{}, err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO attempt_sections
		(id,attempt_id,section_pk,started_at,current_question_index)
		VALUES ($1,$2,$3,$4,0)`,
		id, attemptID, sectionPK, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return find()
		}
		return AttemptSection{}, err
	}
	return s.GetSection(ctx, id)
}

func (s *SQLStore) SectionsForAttempt(ctx context.Context, attemptID string) ([]AttemptSection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sectionCols+` FROM attempt_sections WHERE attempt_id=$1 ORDER BY started_at`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttemptSection
	for rows.Next() {
		as, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	return out, rows.Err()
}

// SetProgress persists the 0-based resume pointer. No bounds check against
// the section length.
func (s *SQLStore) SetProgress(ctx context.Context, sectionAttemptID string, index int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempt_sections SET current_question_index=$1 WHERE id=$2`,
		index, sectionAttemptID)
	if err != nil {
		return err
	}
	return mustAffectSection(res)
}

// CompleteSection stamps finishedAt on the section attempt. Advancing to the
// next section or finishing the parent attempt is the caller's concern.
func (s *SQLStore) CompleteSection(ctx context.Context, sectionAttemptID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempt_sections SET finished_at=$1 WHERE id=$2`,
		time.Now().UnixMilli(), sectionAttemptID)
	if err != nil {
		return err
	}
	return mustAffectSection(res)
}

/* ---------------- responses ---------------- */

// SaveAnswer upserts the response for (sectionAttempt, question) and sets its
// answer; nil clears a previous selection. Flag and note are untouched.
func (s *SQLStore) SaveAnswer(ctx context.Context, sectionAttemptID, questionID string, answer *string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO responses
		(id,attempt_section_id,question_id,answer,updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (attempt_section_id,question_id)
		DO UPDATE SET answer=EXCLUDED.answer, updated_at=EXCLUDED.updated_at`,
		uuid.NewString(), sectionAttemptID, questionID, answer, time.Now().UnixMilli())
	return err
}

// SaveFlag upserts the flagged state; an answer is not required first.
func (s *SQLStore) SaveFlag(ctx context.Context, sectionAttemptID, questionID string, flagged bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO responses
		(id,attempt_section_id,question_id,flagged,updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (attempt_section_id,question_id)
		DO UPDATE SET flagged=EXCLUDED.flagged, updated_at=EXCLUDED.updated_at`,
		uuid.NewString(), sectionAttemptID, questionID, flagged, time.Now().UnixMilli())
	return err
}

// SaveNote upserts the free-text note; nil clears it.
func (s *SQLStore) SaveNote(ctx context.Context, sectionAttemptID, questionID string, note *string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO responses
		(id,attempt_section_id,question_id,note,updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (attempt_section_id,question_id)
		DO UPDATE SET note=EXCLUDED.note, updated_at=EXCLUDED.updated_at`,
		uuid.NewString(), sectionAttemptID, questionID, note, time.Now().UnixMilli())
	return err
}

func scanResponse(row interface{ Scan(...any) error }) (Response, error) {
	var r Response
	var answer, note sql.NullString
	var updated int64
	if err := row.Scan(&r.ID, &r.AttemptSectionID, &r.QuestionID, &answer, &r.Flagged, &note, &updated); err != nil {
		return Response{}, err
	}
	if answer.Valid {
		r.Answer = &answer.String
	}
	if note.Valid {
		r.Note = &note.String
	}
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

const responseCols = `id,attempt_section_id,question_id,answer,flagged,note,updated_at`

func (s *SQLStore) Responses(ctx context.Context, sectionAttemptID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+responseCols+` FROM responses WHERE attempt_section_id=$1`, sectionAttemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ResponsesForAttempt(ctx context.Context, attemptID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id,r.attempt_section_id,r.question_id,r.answer,r.flagged,r.note,r.updated_at
		FROM responses r
		JOIN attempt_sections s ON s.id = r.attempt_section_id
		WHERE s.attempt_id=$1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnsweredCount is the number of questions in the section attempt with a
// non-null answer; the completion warning works off this.
func (s *SQLStore) AnsweredCount(ctx context.Context, sectionAttemptID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE attempt_section_id=$1 AND answer IS NOT NULL`,
		sectionAttemptID).Scan(&n)
	return n, err
}

/* ---------------- resume probe ---------------- */

// ResumeFor reports whether (user, exam) has an attempt to pick back up and
// where: the lowest-indexed unfinished section attempt, its saved question
// pointer, and net elapsed time.
func (s *SQLStore) ResumeFor(ctx context.Context, userID, examID string) (ResumeState, error) {
	a, err := s.Active(ctx, userID, examID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResumeState{}, nil
		}
		return ResumeState{}, err
	}

	st := ResumeState{
		CanResume:     true,
		AttemptID:     a.ID,
		TimeElapsedMs: a.Elapsed(time.Now()).Milliseconds(),
		Paused:        a.PausedAt != nil,
	}

	var sectionID string
	var idx int
	err = s.db.QueryRowContext(ctx, `
		SELECT sec.section_id, attsec.current_question_index
		FROM attempt_sections attsec
		JOIN sections sec ON sec.id = attsec.section_pk
		WHERE attsec.attempt_id=$1 AND attsec.finished_at IS NULL
		ORDER BY sec.idx LIMIT 1`, a.ID).Scan(&sectionID, &idx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no open section yet (or all completed): resume at the attempt level
		return st, nil
	case err != nil:
		return ResumeState{}, err
	}
	st.SectionID = sectionID
	st.QuestionNumber = idx + 1
	return st, nil
}

/* ---------------- admin listing ---------------- */

type ListOpts struct {
	ExamID string
	UserID string
	Status string // active|finished
	Limit  int
	Offset int
}

func (s *SQLStore) List(ctx context.Context, opts ListOpts) ([]Attempt, error) {
	q := `SELECT ` + attemptCols + ` FROM attempts WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += " AND " + strings.Replace(clause, "?", placeholder(n), 1)
		args = append(args, v)
	}
	if opts.ExamID != "" {
		add("exam_id=?", opts.ExamID)
	}
	if opts.UserID != "" {
		add("user_id=?", opts.UserID)
	}
	switch opts.Status {
	case "active":
		q += " AND finished_at IS NULL"
	case "finished":
		q += " AND finished_at IS NOT NULL"
	}
	q += " ORDER BY started_at DESC"
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	n++
	q += " LIMIT " + placeholder(n)
	args = append(args, limit)
	n++
	q += " OFFSET " + placeholder(n)
	args = append(args, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mustAffectSection(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSectionNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
