package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/access"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/exam"
)

// GET /api/exams
func ListExamsHandler(exams *exam.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := exams.ListExams(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /api/exam/{examID} — exam outline, no question content.
func GetExamHandler(exams *exam.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := exams.GetExam(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// GET /api/exam/{examID}/access — {hasAccess, validUntil}
func AccessHandler(store *access.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		st, err := store.Check(r.Context(), sub, chi.URLParam(r, "examID"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
