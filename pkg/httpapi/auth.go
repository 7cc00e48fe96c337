package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	oauthStateCookie  = "hv_oauth_state"
	sessionCookieName = "hv_session"
)

// handleAuthLogin starts the authorization-code flow against the
// configured IdP, stamping a random state value into a short-lived
// cookie so handleAuthCallback can detect CSRF (spec §4.8, §6 OIDC flow).
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.OIDC.AuthorizeURL == "" {
		writeError(w, r, http.StatusServiceUnavailable, "oidc login is not configured")
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		MaxAge:   300,
		SameSite: http.SameSiteLaxMode,
	})

	scopes := s.OIDC.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {s.OIDC.ClientID},
		"redirect_uri":  {s.OIDC.RedirectURL},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
	}

	dest := s.OIDC.AuthorizeURL
	if strings.Contains(dest, "?") {
		dest += "&" + q.Encode()
	} else {
		dest += "?" + q.Encode()
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// tokenResponse is the subset of a standard OIDC token endpoint
// response this handler cares about.
type tokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleAuthCallback completes the authorization-code exchange,
// validates the returned ID token through the same JWKS-backed
// validator bearer tokens use, and establishes a cookie session for
// browser clients that cannot hold a bearer token themselves.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeError(w, r, http.StatusBadRequest, "oidc error: "+errParam)
		return
	}

	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != state {
		writeError(w, r, http.StatusBadRequest, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "missing authorization code")
		return
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {s.OIDC.RedirectURL},
		"client_id":     {s.OIDC.ClientID},
		"client_secret": {s.OIDC.ClientSecret},
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.OIDC.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "building token request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "token exchange failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		writeError(w, r, http.StatusBadGateway, "token endpoint returned "+resp.Status)
		return
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.IDToken == "" {
		writeError(w, r, http.StatusBadGateway, "malformed token response")
		return
	}

	identity, err := s.Validator.ValidateToken(tok.IDToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "id token rejected: "+err.Error())
		return
	}

	sessionID := s.Sessions.Create(*identity)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleAuthToken returns the caller's resolved identity, letting a
// session-cookie-holding browser client discover its own roles and
// permission without decoding a bearer token itself.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	authN := &authenticator{validator: s.Validator, sessions: s.Sessions}
	identity, err := authN.identify(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// handleAuthLogout clears the caller's session, both server-side and
// via an expired cookie.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.Sessions.Clear(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
