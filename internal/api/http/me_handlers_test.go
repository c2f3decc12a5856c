package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stepprep/stepprep/internal/auth"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/storage"
)

func avatarRequest(t *testing.T, filename string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write([]byte("imgdata")); err != nil {
		t.Fatalf("write: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/me/avatar", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	ctx := authmw.WithSubject(req.Context(), "u1")
	ctx = authmw.WithRole(ctx, "student")
	return req.WithContext(ctx)
}

func TestAvatarReplacementDropsOldBlob(t *testing.T) {
	env := newTestEnv(t)
	users := auth.NewUserStore(env.db)
	bs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	h := AvatarUploadHandler(users, bs)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, avatarRequest(t, "face.png"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first upload: %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AvatarKey string `json:"avatar_key"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.AvatarKey != "avatars/u1.png" {
		t.Fatalf("key = %q, want avatars/u1.png", resp.AvatarKey)
	}
	if rc, err := bs.Get("avatars/u1.png"); err != nil {
		t.Fatalf("blob missing after upload: %v", err)
	} else {
		rc.Close()
	}

	// re-upload with another extension: the key changes, the old blob goes
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, avatarRequest(t, "face.jpg"))
	if rec.Code != http.StatusOK {
		t.Fatalf("second upload: %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.AvatarKey != "avatars/u1.jpg" {
		t.Fatalf("key = %q, want avatars/u1.jpg", resp.AvatarKey)
	}

	u, err := users.ByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if u.AvatarKey != "avatars/u1.jpg" {
		t.Fatalf("stored key = %q, want avatars/u1.jpg", u.AvatarKey)
	}
	if _, err := bs.Get("avatars/u1.png"); err == nil {
		t.Fatal("stale blob survived the replacement")
	}
	if rc, err := bs.Get("avatars/u1.jpg"); err != nil {
		t.Fatalf("new blob missing: %v", err)
	} else {
		rc.Close()
	}
}

func TestAvatarUploadRejectsBadType(t *testing.T) {
	env := newTestEnv(t)
	users := auth.NewUserStore(env.db)
	bs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	h := AvatarUploadHandler(users, bs)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, avatarRequest(t, "notes.pdf"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pdf upload: %d, want 400", rec.Code)
	}
}
