package results

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/exam"
)

type CategoryResult struct {
	Name    string `json:"name"`
	Percent int    `json:"percent"`
	Correct int    `json:"correct"`
	Total   int    `json:"total"`
}

type Results struct {
	ExamID         string           `json:"examId"`
	ExamTitle      string           `json:"examTitle"`
	AttemptID      string           `json:"attemptId"`
	OverallPercent int              `json:"overallPercent"`
	CorrectAnswers int              `json:"correctAnswers"`
	TotalQuestions int              `json:"totalQuestions"`
	Duration       string           `json:"duration"`
	DurationMs     int64            `json:"durationMs"`
	Categories     []CategoryResult `json:"categories"`
	CompletedAt    time.Time        `json:"completedAt"`
}

type Service struct {
	db    *sql.DB
	exams *exam.SQLStore
}

func NewService(db *sql.DB, exams *exam.SQLStore) *Service {
	return &Service{db: db, exams: exams}
}

// Score aggregates a finished attempt: every recorded response counts toward
// the total, a response is correct when its answer equals the question's
// correct option id exactly. Duration is wall time net of paused time; it is
// reported as computed, even if pause accounting drove it negative.
func (s *Service) Score(ctx context.Context, a attempt.Attempt) (Results, error) {
	e, err := s.exams.GetExam(ctx, a.ExamID)
	if err != nil {
		return Results{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT q.category, q.correct_option_id, r.answer
		FROM responses r
		JOIN attempt_sections asec ON asec.id = r.attempt_section_id
		JOIN questions q ON q.id = r.question_id
		WHERE asec.attempt_id=$1`, a.ID)
	if err != nil {
		return Results{}, err
	}
	defer rows.Close()

	type tally struct{ correct, total int }
	byCategory := map[string]*tally{}
	total, correct := 0, 0
	for rows.Next() {
		var category, correctID string
		var answer sql.NullString
		if err := rows.Scan(&category, &correctID, &answer); err != nil {
			return Results{}, err
		}
		if category == "" {
			category = "General"
		}
		t := byCategory[category]
		if t == nil {
			t = &tally{}
			byCategory[category] = t
		}
		total++
		t.total++
		if answer.Valid && answer.String == correctID {
			correct++
			t.correct++
		}
	}
	if err := rows.Err(); err != nil {
		return Results{}, err
	}

	cats := make([]CategoryResult, 0, len(byCategory))
	for name, t := range byCategory {
		cats = append(cats, CategoryResult{
			Name:    name,
			Percent: percent(t.correct, t.total),
			Correct: t.correct,
			Total:   t.total,
		})
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })

	completed := time.Now()
	if a.FinishedAt != nil {
		completed = *a.FinishedAt
	}
	dur := a.Elapsed(completed)

	return Results{
		ExamID:         e.ID,
		ExamTitle:      e.Title,
		AttemptID:      a.ID,
		OverallPercent: percent(correct, total),
		CorrectAnswers: correct,
		TotalQuestions: total,
		Duration:       FormatDuration(dur),
		DurationMs:     dur.Milliseconds(),
		Categories:     cats,
		CompletedAt:    completed,
	}, nil
}

// percent rounds correct/total to a whole percentage; an empty attempt scores 0.
func percent(correct, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

// FormatDuration renders "{h}h {m}m" at an hour or more, "{m}m" below.
func FormatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	if mins >= 60 {
		return fmt.Sprintf("%dh %dm", mins/60, mins%60)
	}
	return fmt.Sprintf("%dm", mins)
}
