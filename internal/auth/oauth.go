package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	LoginPath             = "/auth/login"
	CallbackPath          = "/auth/callback"

	stateCookie = "oauth_state"
)

// OAuth2Config is the authorization-code client for the provider, with the
// callback under BaseURL.
func (a *Authorizer) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  a.metadata.AuthorizationEndpoint,
			TokenURL: a.metadata.TokenEndpoint,
		},
		RedirectURL: strings.TrimSuffix(a.cfg.BaseURL, "/") + CallbackPath,
		Scopes:      a.cfg.Scopes,
	}
}

// ProtectedResourceHandler serves the RFC 9728 metadata for the endpoint.
func (a *Authorizer) ProtectedResourceHandler(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"resource":                 a.ResourceURL(endpoint),
			"authorization_servers":    []string{a.metadata.Issuer},
			"scopes_supported":         a.cfg.Scopes,
			"bearer_methods_supported": []string{"header"},
		})
	}
}

// LoginHandler starts the authorization-code flow.
func (a *Authorizer) LoginHandler(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     CallbackPath,
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(a.cfg.BaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	url := a.OAuth2Config().AuthCodeURL(state, oauth2.SetAuthURLParam("audience", a.cfg.Audience))
	http.Redirect(w, r, url, http.StatusFound)
}

// CallbackHandler checks state, exchanges the code and returns the token
// response so the caller can use the access token as a bearer.
func (a *Authorizer) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": e, "error_description": q.Get("error_description")})
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(q.Get("state"))) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_state"})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: CallbackPath, MaxAge: -1})

	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_code"})
		return
	}

	tok, err := a.OAuth2Config().Exchange(r.Context(), code)
	if err != nil {
		a.logger.Error("code exchange failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "exchange_failed"})
		return
	}

	resp := map[string]any{
		"access_token": tok.AccessToken,
		"token_type":   tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		resp["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp["id_token"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
