package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/access"
	"github.com/stepprep/stepprep/internal/attempt"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/exam"
)

// POST /api/exam/{examID}/attempt — find-or-create the active attempt.
// Requires a valid purchase.
func EnsureAttemptHandler(exams *exam.SQLStore, attempts *attempt.SQLStore, acc *access.Store, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		examID := chi.URLParam(r, "examID")

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
		writeJSON(w, http.StatusOK, a)
	}
}

// PATCH /api/exam/{examID}/attempt  { "action": "pause|resume|finish", "pausedAt"?: RFC3339 }
func AttemptActionHandler(attempts *attempt.SQLStore, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		examID := chi.URLParam(r, "examID")

		var req struct {
			Action   string     `json:"action"`
			PausedAt *time.Time `json:"pausedAt,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}

		a, err := attempts.Active(r.Context(), sub, examID)
		if err != nil {
			httpError(w, err)
			return
		}

		switch req.Action {
		case "pause":
			at := time.Now()
			if req.PausedAt != nil {
				at = *req.PausedAt
			}
			a, err = attempts.Pause(r.Context(), a.ID, at)
			if err == nil {
				_ = events.Append(r.Context(), eventlog.TypeAttemptPaused, a.ID, nil)
			}
		case "resume":
			a, err = attempts.Resume(r.Context(), a.ID)
			if err == nil {
				_ = events.Append(r.Context(), eventlog.TypeAttemptResumed, a.ID, nil)
			}
		case "finish":
			a, err = attempts.Finish(r.Context(), a.ID)
			if err == nil {
				_ = events.Append(r.Context(), eventlog.TypeAttemptFinished, a.ID, nil)
			}
		default:
			http.Error(w, "unknown action", 400)
			return
		}
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// GET /api/exam/{examID}/resume
func ResumeHandler(attempts *attempt.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		st, err := attempts.ResumeFor(r.Context(), sub, chi.URLParam(r, "examID"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
