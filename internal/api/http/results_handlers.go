package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/attempt"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/results"
)

// GET /api/exam/{examID}/results — scores the most recent finished attempt.
// An abandoned active attempt with recorded answers is first reconciled
// (finished) so it can be the one scored; that transition is audited.
func ResultsHandler(attempts *attempt.SQLStore, svc *results.Service, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		examID := chi.URLParam(r, "examID")

		if a, err := attempts.ReconcileStale(r.Context(), sub, examID); err == nil {
			_ = events.Append(r.Context(), eventlog.TypeAttemptReconciled, a.ID, nil)
		} else if !errors.Is(err, attempt.ErrNotFound) {
			httpError(w, err)
			return
		}

		a, err := attempts.LatestFinished(r.Context(), sub, examID)
		if err != nil {
			httpError(w, err)
			return
		}
		res, err := svc.Score(r.Context(), a)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GET /api/exam/{examID}/review?attemptId=
// Without attemptId, reviews the most recent finished attempt. A specific
// attempt must belong to the caller unless the caller is an admin.
func ReviewHandler(attempts *attempt.SQLStore, svc *results.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		role := authmw.RoleFromContext(r.Context())
		examID := chi.URLParam(r, "examID")

		var a attempt.Attempt
		var err error
		if id := r.URL.Query().Get("attemptId"); id != "" {
			a, err = attempts.Get(r.Context(), id)
			if err == nil && a.UserID != sub && role != "admin" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if err == nil && a.ExamID != examID {
				err = attempt.ErrNotFound
			}
		} else {
			a, err = attempts.LatestFinished(r.Context(), sub, examID)
		}
		if err != nil {
			httpError(w, err)
			return
		}

		rev, err := svc.BuildReview(r.Context(), attempts, a)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rev)
	}
}

// GET /api/exam/{examID}/question-stats — cross-user success rates.
func QuestionStatsHandler(svc *results.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.QuestionStats(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
