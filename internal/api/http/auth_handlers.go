package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stepprep/stepprep/internal/auth"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/eventlog"
)

type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	User        auth.User `json:"user"`
}

// POST /api/auth/register  { "email": "...", "password": "...", "display_name": "..." }
func RegisterHandler(users *auth.UserStore, a *authmw.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		if !strings.Contains(req.Email, "@") || len(req.Password) < 8 {
			http.Error(w, "valid email and password of 8+ characters required", 400)
			return
		}
		u, err := users.Register(r.Context(), req.Email, req.Password, req.DisplayName)
		if err != nil {
			httpError(w, err)
			return
		}
		tok, err := a.IssueJWT(u.ID, u.Role)
		if err != nil {
			http.Error(w, "issue token", 500)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{AccessToken: tok, User: u})
	}
}

// POST /api/auth/login  { "email": "...", "password": "..." }
func LoginHandler(users *auth.UserStore, a *authmw.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		u, err := users.Authenticate(r.Context(), req.Email, req.Password)
		if err != nil {
			httpError(w, err)
			return
		}
		tok, err := a.IssueJWT(u.ID, u.Role)
		if err != nil {
			http.Error(w, "issue token", 500)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{AccessToken: tok, User: u})
	}
}

// POST /api/auth/recover  { "email": "...", "password": "..." }
// Reactivates a soft-deleted credential account. OAuth-only accounts recover
// through the Google flow with intent=recover.
func RecoverHandler(users *auth.UserStore, a *authmw.AuthService, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		u, err := users.Authenticate(r.Context(), req.Email, req.Password)
		if err == nil {
			// already active, nothing to recover; treat as a normal login
			tok, terr := a.IssueJWT(u.ID, u.Role)
			if terr != nil {
				http.Error(w, "issue token", 500)
				return
			}
			writeJSON(w, http.StatusOK, sessionResponse{AccessToken: tok, User: u})
			return
		}
		if !errors.Is(err, auth.ErrAccountDeleted) {
			httpError(w, err)
			return
		}

		u, err = users.ByEmail(r.Context(), req.Email)
		if err != nil {
			httpError(w, err)
			return
		}
		if err := users.Recover(r.Context(), u.ID); err != nil {
			httpError(w, err)
			return
		}
		_ = events.Append(r.Context(), eventlog.TypeAccountRecovered, u.ID, nil)

		u, err = users.ByID(r.Context(), u.ID)
		if err != nil {
			httpError(w, err)
			return
		}
		tok, err := a.IssueJWT(u.ID, u.Role)
		if err != nil {
			http.Error(w, "issue token", 500)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{AccessToken: tok, User: u})
	}
}
