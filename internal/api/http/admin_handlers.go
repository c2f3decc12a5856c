package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/exam"
)

// PUT /api/admin/exams — upsert a full exam document.
func ImportExamHandler(exams *exam.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e exam.Exam
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		if e.ID == "" || e.Title == "" {
			http.Error(w, "id and title required", 400)
			return
		}
		if e.Version <= 0 {
			e.Version = 1
		}
		for i := range e.Sections {
			if e.Sections[i].SectionID == "" {
				http.Error(w, "every section needs a section_id", 400)
				return
			}
		}
		if err := exams.UpsertExam(r.Context(), e); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": e.ID})
	}
}

// GET /api/admin/attempts?exam_id=&user_id=&status=&limit=&offset=
func AdminListAttemptsHandler(attempts *attempt.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := attempts.List(r.Context(), attempt.ListOpts{
			ExamID: strings.TrimSpace(q.Get("exam_id")),
			UserID: strings.TrimSpace(q.Get("user_id")),
			Status: strings.TrimSpace(q.Get("status")),
			Limit:  parseIntDefault(q.Get("limit"), 50),
			Offset: parseIntDefault(q.Get("offset"), 0),
		})
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /api/admin/events/{key} — audit trail for one attempt or purchase.
func AdminEventsHandler(events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := events.Recent(r.Context(), chi.URLParam(r, "key"),
			parseIntDefault(r.URL.Query().Get("limit"), 50))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
