package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/access"
	"github.com/stepprep/stepprep/internal/attempt"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/exam"
)

// GET /api/exam/{examID}/section/{sectionID} — section content (keys
// stripped), the active attempt, its section attempt, and recorded responses.
// Opening a section lazily creates both the attempt and the section attempt.
func GetSectionHandler(exams *exam.SQLStore, attempts *attempt.SQLStore, acc *access.Store, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		examID := chi.URLParam(r, "examID")
		sectionID := chi.URLParam(r, "sectionID")

		e, err := exams.GetExam(r.Context(), examID)
		if err != nil {
			httpError(w, err)
			return
		}
		st, err := acc.Check(r.Context(), sub, examID)
		if err != nil {
			httpError(w, err)
			return
		}
		if !st.HasAccess {
			http.Error(w, "purchase required", http.StatusForbidden)
			return
		}

		sec, err := exams.GetSection(r.Context(), examID, sectionID, false)
		if err != nil {
			httpError(w, err)
			return
		}

		_, findErr := attempts.Active(r.Context(), sub, examID)
		a, err := attempts.Ensure(r.Context(), sub, examID, e.Version)
		if err != nil {
			httpError(w, err)
			return
		}
		if errors.Is(findErr, attempt.ErrNotFound) {
			_ = events.Append(r.Context(), eventlog.TypeAttemptStarted, a.ID,
				map[string]string{"user_id": sub, "exam_id": examID})
		}
		as, err := attempts.EnsureSection(r.Context(), a.ID, sec.ID)
		if err != nil {
			httpError(w, err)
			return
		}
		resps, err := attempts.Responses(r.Context(), as.ID)
		if err != nil {
			httpError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"section":        sec,
			"attempt":        a,
			"sectionAttempt": as,
			"responses":      resps,
		})
	}
}

type sectionActionRequest struct {
	Action               string            `json:"action"`
	QuestionID           string            `json:"questionId,omitempty"`
	OptionID             attempt.OptionRef `json:"optionId,omitempty"`
	Flag                 bool              `json:"flag,omitempty"`
	Note                 *string           `json:"note,omitempty"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex,omitempty"`
}

// POST /api/exam/{examID}/section/{sectionID}
// { "action": "answer|flag|note|progress|complete", ... }
func SectionActionHandler(exams *exam.SQLStore, attempts *attempt.SQLStore, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		examID := chi.URLParam(r, "examID")
		sectionID := chi.URLParam(r, "sectionID")

		var req sectionActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}

		secPK, err := exams.SectionPK(r.Context(), examID, sectionID)
		if err != nil {
			httpError(w, err)
			return
		}
		a, err := attempts.Active(r.Context(), sub, examID)
		if err != nil {
			httpError(w, err)
			return
		}
		as, err := attempts.EnsureSection(r.Context(), a.ID, secPK)
		if err != nil {
			httpError(w, err)
			return
		}

		resp := map[string]any{"ok": true}
		switch req.Action {
		case "answer":
			if req.QuestionID == "" {
				http.Error(w, "questionId required", 400)
				return
			}
			err = attempts.SaveAnswer(r.Context(), as.ID, req.QuestionID, req.OptionID.ID)
		case "flag":
			if req.QuestionID == "" {
				http.Error(w, "questionId required", 400)
				return
			}
			err = attempts.SaveFlag(r.Context(), as.ID, req.QuestionID, req.Flag)
		case "note":
			if req.QuestionID == "" {
				http.Error(w, "questionId required", 400)
				return
			}
			err = attempts.SaveNote(r.Context(), as.ID, req.QuestionID, req.Note)
		case "progress":
			err = attempts.SetProgress(r.Context(), as.ID, req.CurrentQuestionIndex)
		case "complete":
			// advisory only: report unanswered questions, never block
			var answered, total int
			if answered, err = attempts.AnsweredCount(r.Context(), as.ID); err == nil {
				if total, err = exams.QuestionCount(r.Context(), secPK); err == nil {
					resp["unanswered"] = total - answered
					err = attempts.CompleteSection(r.Context(), as.ID)
				}
			}
			if err == nil {
				_ = events.Append(r.Context(), eventlog.TypeSectionCompleted, as.ID,
					map[string]string{"attempt_id": a.ID, "section_id": sectionID})
			}
		default:
			http.Error(w, "unknown action", 400)
			return
		}
		if err != nil {
			httpError(w, err)
			return
		}

		as, err = attempts.GetSection(r.Context(), as.ID)
		if err != nil {
			httpError(w, err)
			return
		}
		resp["sectionAttempt"] = as
		writeJSON(w, http.StatusOK, resp)
	}
}
