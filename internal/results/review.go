package results

import (
	"context"
	"time"

	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/exam"
)

// Review is the read-only join of a finished attempt against the full exam
// content: every question with its key and explanation plus what the user
// selected, flagged, and noted.
type Review struct {
	ExamID     string          `json:"examId"`
	ExamTitle  string          `json:"examTitle"`
	AttemptID  string          `json:"attemptId"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Sections   []ReviewSection `json:"sections"`
}

type ReviewSection struct {
	SectionID string           `json:"sectionId"`
	Title     string           `json:"title"`
	Index     int              `json:"index"`
	Questions []ReviewQuestion `json:"questions"`
}

type ReviewQuestion struct {
	ID              string        `json:"id"`
	Number          int           `json:"number"`
	Stem            string        `json:"stem"`
	Info            string        `json:"info,omitempty"`
	Images          []string      `json:"images,omitempty"`
	Matrix          *exam.Matrix  `json:"matrix,omitempty"`
	Category        string        `json:"category,omitempty"`
	Options         []exam.Option `json:"options"`
	CorrectOptionID string        `json:"correctOptionId"`
	Explanation     string        `json:"explanation,omitempty"`
	SelectedAnswer  *string       `json:"selectedAnswer"`
	Flagged         bool          `json:"flagged"`
	Note            *string       `json:"note,omitempty"`
}

type responseLookup map[string]attempt.Response // questionID -> response

// BuildReview formats one attempt for display. Sections come out in display
// order, questions in ascending number order.
func (s *Service) BuildReview(ctx context.Context, attempts *attempt.SQLStore, a attempt.Attempt) (Review, error) {
	e, err := s.exams.GetExam(ctx, a.ExamID)
	if err != nil {
		return Review{}, err
	}
	resps, err := attempts.ResponsesForAttempt(ctx, a.ID)
	if err != nil {
		return Review{}, err
	}
	byQuestion := responseLookup{}
	for _, r := range resps {
		byQuestion[r.QuestionID] = r
	}

	rev := Review{
		ExamID:     e.ID,
		ExamTitle:  e.Title,
		AttemptID:  a.ID,
		FinishedAt: a.FinishedAt,
	}
	for _, sec := range e.Sections {
		full, err := s.exams.GetSection(ctx, e.ID, sec.SectionID, true)
		if err != nil {
			return Review{}, err
		}
		rs := ReviewSection{SectionID: sec.SectionID, Title: sec.Title, Index: sec.Index}
		for _, q := range full.Questions {
			rq := ReviewQuestion{
				ID:              q.ID,
				Number:          q.Number,
				Stem:            q.Stem,
				Info:            q.Info,
				Images:          q.Images,
				Matrix:          q.Matrix,
				Category:        q.Category,
				Options:         q.Options,
				CorrectOptionID: q.CorrectOptionID,
				Explanation:     q.Explanation,
			}
			if r, ok := byQuestion[q.ID]; ok {
				rq.SelectedAnswer = r.Answer
				rq.Flagged = r.Flagged
				rq.Note = r.Note
			}
			rs.Questions = append(rs.Questions, rq)
		}
		rev.Sections = append(rev.Sections, rs)
	}
	return rev, nil
}
