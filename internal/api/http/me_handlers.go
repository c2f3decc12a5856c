package http

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stepprep/stepprep/internal/auth"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/storage"
)

// GET /api/me
func MeHandler(users *auth.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := users.ByID(r.Context(), authmw.SubjectFromContext(r.Context()))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

// PATCH /api/me  { "display_name": "...", "email_opt_in": true }
func UpdateMeHandler(users *auth.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		var req struct {
			DisplayName string `json:"display_name"`
			EmailOptIn  bool   `json:"email_opt_in"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		if err := users.UpdateProfile(r.Context(), sub, req.DisplayName, req.EmailOptIn); err != nil {
			httpError(w, err)
			return
		}
		u, err := users.ByID(r.Context(), sub)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

// POST /api/me/password  { "old_password": "...", "new_password": "..." }
func ChangePasswordHandler(users *auth.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		var req struct {
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if len(req.NewPassword) < 8 {
			http.Error(w, "new password of 8+ characters required", 400)
			return
		}
		u, err := users.ByID(r.Context(), sub)
		if err != nil {
			httpError(w, err)
			return
		}
		if _, err := users.Authenticate(r.Context(), u.Email, req.OldPassword); err != nil {
			http.Error(w, "incorrect old password", http.StatusForbidden)
			return
		}
		if err := users.SetPassword(r.Context(), sub, req.NewPassword); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /api/me/avatar (multipart, field "file")
func AvatarUploadHandler(users *auth.UserStore, bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file required", 400)
			return
		}
		defer f.Close()

		ext := strings.ToLower(path.Ext(hdr.Filename))
		switch ext {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		default:
			http.Error(w, "unsupported image type", 400)
			return
		}
		prev := ""
		if u, err := users.ByID(r.Context(), sub); err == nil {
			prev = u.AvatarKey
		}

		key := "avatars/" + sub + ext
		if _, err := bs.Put(key, io.LimitReader(f, 5<<20)); err != nil {
			http.Error(w, "store error", 500)
			return
		}
		if err := users.SetAvatar(r.Context(), sub, key); err != nil {
			httpError(w, err)
			return
		}
		// drop the superseded blob when the extension changed
		if prev != "" && prev != key {
			_ = bs.Delete(prev)
		}
		writeJSON(w, http.StatusOK, map[string]string{"avatar_key": key})
	}
}

// GET /api/avatars/{userID} serves the stored avatar blob.
func AvatarGetHandler(users *auth.UserStore, bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "userID")
		u, err := users.ByID(r.Context(), id)
		if err != nil || u.AvatarKey == "" {
			http.Error(w, "not found", 404)
			return
		}
		rc, err := bs.Get(u.AvatarKey)
		if err != nil {
			http.Error(w, "not found", 404)
			return
		}
		defer rc.Close()
		_, _ = io.Copy(w, rc)
	}
}

// DELETE /api/me — soft delete; the row stays for recovery.
func DeleteMeHandler(users *auth.UserStore, events *eventlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		if err := users.Delete(r.Context(), sub); err != nil {
			httpError(w, err)
			return
		}
		_ = events.Append(r.Context(), eventlog.TypeAccountDeleted, sub, nil)
		w.WriteHeader(http.StatusNoContent)
	}
}
