package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("exam not found")

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// UpsertExam syncs the stored exam to the document in one transaction.
// Sections are matched on their stable section_id, questions and options on
// their ids, and updated in place: surrogate keys survive a re-import, so
// attempt sections and responses recorded against the previous version stay
// attached. Only content dropped from the document is deleted.
func (s *SQLStore) UpsertExam(ctx context.Context, e Exam) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO exams (id,title,version,created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, version=EXCLUDED.version`,
		e.ID, e.Title, e.Version, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	staleSections, err := idsByKey(tx.QueryContext(ctx,
		`SELECT section_id, id FROM sections WHERE exam_id=$1`, e.ID))
	if err != nil {
		return err
	}
	staleQuestions, err := idSet(tx.QueryContext(ctx,
		`SELECT id FROM questions WHERE exam_id=$1`, e.ID))
	if err != nil {
		return err
	}

	for _, sec := range e.Sections {
		secPK, exists := staleSections[sec.SectionID]
		if exists {
			delete(staleSections, sec.SectionID)
			_, err = tx.ExecContext(ctx,
				`UPDATE sections SET idx=$1, title=$2 WHERE id=$3`,
				sec.Index, sec.Title, secPK)
		} else {
			secPK = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO sections (id,exam_id,section_id,idx,title)
				VALUES ($1,$2,$3,$4,$5)`,
				secPK, e.ID, sec.SectionID, sec.Index, sec.Title)
		}
		if err != nil {
			return err
		}

		for _, q := range sec.Questions {
			qID := q.ID
			if qID == "" {
				qID = uuid.NewString()
			}
			images, err := json.Marshal(q.Images)
			if err != nil {
				return err
			}
			var matrix sql.NullString
			if q.Matrix != nil {
				buf, err := json.Marshal(q.Matrix)
				if err != nil {
					return err
				}
				matrix = sql.NullString{String: string(buf), Valid: true}
			}
			category := q.Category
			if category == "" {
				category = "General"
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO questions
				(id,section_pk,exam_id,number,stem,info,images_json,matrix_json,category,correct_option_id,explanation)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				ON CONFLICT (id) DO UPDATE SET
					section_pk=EXCLUDED.section_pk, number=EXCLUDED.number,
					stem=EXCLUDED.stem, info=EXCLUDED.info,
					images_json=EXCLUDED.images_json, matrix_json=EXCLUDED.matrix_json,
					category=EXCLUDED.category,
					correct_option_id=EXCLUDED.correct_option_id,
					explanation=EXCLUDED.explanation`,
				qID, secPK, e.ID, q.Number, q.Stem, q.Info, string(images), matrix,
				category, q.CorrectOptionID, q.Explanation)
			if err != nil {
				return err
			}
			delete(staleQuestions, qID)

			if err := syncOptions(ctx, tx, qID, q.Options); err != nil {
				return err
			}
		}
	}

	for id := range staleQuestions {
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id=$1`, id); err != nil {
			return err
		}
	}
	for _, pk := range staleSections {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id=$1`, pk); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func syncOptions(ctx context.Context, tx *sql.Tx, questionID string, opts []Option) error {
	stale, err := idsByKey(tx.QueryContext(ctx,
		`SELECT letter, id FROM options WHERE question_id=$1`, questionID))
	if err != nil {
		return err
	}
	for _, o := range opts {
		oID, exists := stale[o.Letter]
		if exists {
			delete(stale, o.Letter)
		} else {
			oID = o.ID
			if oID == "" {
				oID = uuid.NewString()
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO options (id,question_id,letter,text,value)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (question_id, letter) DO UPDATE SET text=EXCLUDED.text, value=EXCLUDED.value`,
			oID, questionID, o.Letter, o.Text, o.Value)
		if err != nil {
			return err
		}
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM options WHERE id=$1`, id); err != nil {
			return err
		}
	}
	return nil
}

func idsByKey(rows *sql.Rows, err error) (map[string]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := map[string]string{}
	for rows.Next() {
		var k, id string
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		m[k] = id
	}
	return m, rows.Err()
}

func idSet(rows *sql.Rows, err error) (map[string]struct{}, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		m[id] = struct{}{}
	}
	return m, rows.Err()
}

// GetExam returns the exam with its section outline, no questions.
func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	var e Exam
	err := s.db.QueryRowContext(ctx, `SELECT id,title,version FROM exams WHERE id=$1`, id).
		Scan(&e.ID, &e.Title, &e.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Exam{}, ErrNotFound
		}
		return Exam{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,section_id,idx,title FROM sections WHERE exam_id=$1 ORDER BY idx`, id)
	if err != nil {
		return Exam{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.SectionID, &sec.Index, &sec.Title); err != nil {
			return Exam{}, err
		}
		e.Sections = append(e.Sections, sec)
	}
	return e, rows.Err()
}

func (s *SQLStore) ListExams(ctx context.Context) ([]ExamSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.title, e.version,
		       (SELECT COUNT(*) FROM sections s WHERE s.exam_id=e.id),
		       (SELECT COUNT(*) FROM questions q WHERE q.exam_id=e.id)
		FROM exams e ORDER BY e.title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ExamSummary{}
	for rows.Next() {
		var es ExamSummary
		if err := rows.Scan(&es.ID, &es.Title, &es.Version, &es.SectionCount, &es.QuestionCount); err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// GetSection loads one section with its questions and options, ordered by
// question number. withKeys=false strips the correct option and explanation
// for the taking surface; review passes true.
func (s *SQLStore) GetSection(ctx context.Context, examID, sectionID string, withKeys bool) (Section, error) {
	var sec Section
	err := s.db.QueryRowContext(ctx,
		`SELECT id,section_id,idx,title FROM sections WHERE exam_id=$1 AND section_id=$2`,
		examID, sectionID).
		Scan(&sec.ID, &sec.SectionID, &sec.Index, &sec.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Section{}, ErrNotFound
		}
		return Section{}, err
	}
	qs, err := s.questionsFor(ctx, sec.ID, withKeys)
	if err != nil {
		return Section{}, err
	}
	sec.Questions = qs
	return sec, nil
}

// GetSectionByPK is GetSection keyed on the surrogate id, always with keys.
func (s *SQLStore) GetSectionByPK(ctx context.Context, sectionPK string) (Section, error) {
	var sec Section
	err := s.db.QueryRowContext(ctx,
		`SELECT id,section_id,idx,title FROM sections WHERE id=$1`, sectionPK).
		Scan(&sec.ID, &sec.SectionID, &sec.Index, &sec.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Section{}, ErrNotFound
		}
		return Section{}, err
	}
	qs, err := s.questionsFor(ctx, sec.ID, true)
	if err != nil {
		return Section{}, err
	}
	sec.Questions = qs
	return sec, nil
}

// SectionPK resolves the surrogate key for (exam, stable section id).
func (s *SQLStore) SectionPK(ctx context.Context, examID, sectionID string) (string, error) {
	var pk string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sections WHERE exam_id=$1 AND section_id=$2`, examID, sectionID).Scan(&pk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return pk, nil
}

func (s *SQLStore) QuestionCount(ctx context.Context, sectionPK string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE section_pk=$1`, sectionPK).Scan(&n)
	return n, err
}

func (s *SQLStore) questionsFor(ctx context.Context, sectionPK string, withKeys bool) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,number,stem,info,images_json,matrix_json,category,correct_option_id,explanation
		FROM questions WHERE section_pk=$1 ORDER BY number`, sectionPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var qs []Question
	for rows.Next() {
		var q Question
		var images string
		var matrix sql.NullString
		if err := rows.Scan(&q.ID, &q.Number, &q.Stem, &q.Info, &images, &matrix,
			&q.Category, &q.CorrectOptionID, &q.Explanation); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(images), &q.Images); err != nil {
			q.Images = nil
		}
		if matrix.Valid {
			var m Matrix
			if err := json.Unmarshal([]byte(matrix.String), &m); err == nil {
				q.Matrix = &m
			}
		}
		if !withKeys {
			q.CorrectOptionID = ""
			q.Explanation = ""
		}
		qs = append(qs, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range qs {
		opts, err := s.optionsFor(ctx, qs[i].ID)
		if err != nil {
			return nil, err
		}
		qs[i].Options = opts
	}
	return qs, nil
}

func (s *SQLStore) optionsFor(ctx context.Context, questionID string) ([]Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,letter,text,value FROM options WHERE question_id=$1 ORDER BY letter`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var opts []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Letter, &o.Text, &o.Value); err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}
