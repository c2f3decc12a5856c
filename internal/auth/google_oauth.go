package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/config"
)

func googleOAuthConfig(cfg config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// /api/auth/google/login → redirect to Google OAuth.
// ?intent=recover marks that a soft-deleted account should be reactivated
// on successful sign-in instead of rejected.
func GoogleLoginHandler(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := r.URL.Query().Get("redirect")
		if next == "" {
			base := cfg.PublicURL
			if base == "" {
				base = "/"
			}
			next = base + "/"
		}

		// Only allow same-origin as PUBLIC_URL or localhost (dev).
		if u, err := url.Parse(next); err == nil {
			if base, err2 := url.Parse(cfg.PublicURL); err2 == nil && base.Host != "" {
				if !(u.Host == "" || (u.Scheme == base.Scheme && u.Host == base.Host) || strings.HasPrefix(u.Host, "localhost")) {
					http.Error(w, "bad redirect", http.StatusBadRequest)
					return
				}
			}
		}

		state := fmt.Sprintf("s-%d", time.Now().UnixNano())
		http.SetCookie(w, &http.Cookie{
			Name:     "pp_oauth_state",
			Value:    state,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
			Expires:  time.Now().Add(10 * time.Minute),
		})
		http.SetCookie(w, &http.Cookie{
			Name:     "pp_post_auth_redirect",
			Value:    url.QueryEscape(next),
			Path:     "/",
			HttpOnly: false,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
			Expires:  time.Now().Add(10 * time.Minute),
		})
		if r.URL.Query().Get("intent") == "recover" {
			http.SetCookie(w, &http.Cookie{
				Name:     "pp_oauth_intent",
				Value:    "recover",
				Path:     "/",
				HttpOnly: true,
				Secure:   true,
				SameSite: http.SameSiteNoneMode,
				Expires:  time.Now().Add(10 * time.Minute),
			})
		}

		authURL := googleOAuthConfig(cfg).AuthCodeURL(state, oauth2.AccessTypeOffline)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// /api/auth/google/callback → exchange code, verify id_token, upsert user,
// mint internal JWT, redirect back with the token in the fragment.
func GoogleCallbackHandler(a *authmw.AuthService, users *UserStore, cfg config.Config) http.HandlerFunc {
	type tokenInfo struct {
		Iss           string `json:"iss"`
		Aud           string `json:"aud"`
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("pp_oauth_state"); err != nil || c.Value == "" || c.Value != r.URL.Query().Get("state") {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		tok, err := googleOAuthConfig(cfg).Exchange(r.Context(), code)
		if err != nil {
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			return
		}
		rawID, _ := tok.Extra("id_token").(string)
		if rawID == "" {
			http.Error(w, "no id_token", http.StatusBadGateway)
			return
		}

		resp, err := http.Get("https://oauth2.googleapis.com/tokeninfo?id_token=" + url.QueryEscape(rawID))
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			http.Error(w, "id_token verification failed", http.StatusBadGateway)
			return
		}
		var ti tokenInfo
		err = json.NewDecoder(resp.Body).Decode(&ti)
		resp.Body.Close()
		if err != nil || ti.Aud != cfg.GoogleClientID || ti.Sub == "" {
			http.Error(w, "bad id_token", http.StatusUnauthorized)
			return
		}
		if ti.EmailVerified != "true" {
			http.Error(w, "email not verified", http.StatusForbidden)
			return
		}

		u, err := users.UpsertGoogle(r.Context(), ti.Sub, ti.Email, ti.Name, ti.Picture)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !u.Usable() {
			if c, err := r.Cookie("pp_oauth_intent"); err == nil && c.Value == "recover" {
				if err := users.Recover(r.Context(), u.ID); err != nil {
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
			} else {
				http.Error(w, "account deleted", http.StatusForbidden)
				return
			}
		}

		jwtStr, err := a.IssueJWT(u.ID, u.Role)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}

		next := "/"
		if c, err := r.Cookie("pp_post_auth_redirect"); err == nil {
			if v, err := url.QueryUnescape(c.Value); err == nil && v != "" {
				next = v
			}
		}
		http.Redirect(w, r, next+"#token="+url.QueryEscape(jwtStr), http.StatusFound)
	}
}
