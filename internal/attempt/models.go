package attempt

import (
	"bytes"
	"encoding/json"
	"time"
)

// Attempt is one user's run through an entire exam.
// States: active (FinishedAt nil) → paused (PausedAt set) → active → finished.
type Attempt struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ExamID        string     `json:"exam_id"`
	ExamVersion   int        `json:"exam_version"`
	StartedAt     time.Time  `json:"started_at"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	TotalPausedMs int64      `json:"total_paused_ms"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (a Attempt) Active() bool { return a.FinishedAt == nil }

// Elapsed is wall time on the attempt net of completed pauses. While paused,
// the clock stops at PausedAt.
func (a Attempt) Elapsed(now time.Time) time.Duration {
	end := now
	if a.PausedAt != nil {
		end = *a.PausedAt
	}
	if a.FinishedAt != nil {
		end = *a.FinishedAt
	}
	return end.Sub(a.StartedAt) - time.Duration(a.TotalPausedMs)*time.Millisecond
}

// AttemptSection is the portion of an Attempt scoped to one section; at most
// one exists per (attempt, section).
type AttemptSection struct {
	ID                   string     `json:"id"`
	AttemptID            string     `json:"attempt_id"`
	SectionPK            string     `json:"section_pk"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	CurrentQuestionIndex int        `json:"current_question_index"`
}

// Response records one question's answer, flag, and note within a section
// attempt; fields update independently.
type Response struct {
	ID               string    `json:"id"`
	AttemptSectionID string    `json:"attempt_section_id"`
	QuestionID       string    `json:"question_id"`
	Answer           *string   `json:"answer"`
	Flagged          bool      `json:"flagged"`
	Note             *string   `json:"note,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OptionRef decodes a selected-option value from a request body. Older
// clients sent {"optionId":"B"} instead of "B"; both shapes are accepted here,
// once, so the rest of the code only ever sees a plain identifier.
type OptionRef struct {
	ID *string
}

func (o *OptionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		o.ID = nil
		return nil
	}
	if data[0] == '{' {
		var legacy struct {
			OptionID *string `json:"optionId"`
		}
		if err := json.Unmarshal(data, &legacy); err != nil {
			return err
		}
		o.ID = legacy.OptionID
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.ID = &s
	return nil
}

func (o OptionRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.ID)
}

// ResumeState is the resumability probe for (user, exam).
type ResumeState struct {
	CanResume      bool   `json:"canResume"`
	AttemptID      string `json:"attemptId,omitempty"`
	SectionID      string `json:"sectionId,omitempty"` // stable section identifier
	QuestionNumber int    `json:"questionNumber,omitempty"`
	TimeElapsedMs  int64  `json:"timeElapsed"`
	Paused         bool   `json:"paused"`
}
