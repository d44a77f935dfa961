package api

import (
	"html"
	"net/http"
	"strings"

	"github.com/mailtriage/email-agent/pkg/auth"
)

const (
	stateCookieName   = "email_agent_oauth_state"
	stateCookieMaxAge = 600
)

func authFailedPage(msg string) string {
	return "<h2>Authentication Failed</h2><p>" + html.EscapeString(msg) + "</p>" +
		`<p><a href="/auth/login">Try again</a></p>`
}

func (s *Server) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   !s.settings.IsDevelopment(),
		SameSite: http.SameSiteLaxMode,
	}
}

// Login sends the browser to Microsoft with a fresh state value, which is
// also kept in a short-lived cookie for the callback to check.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	state, err := auth.NewState()
	if err != nil {
		writeHTML(w, http.StatusInternalServerError, authFailedPage("Could not start sign-in."))
		return
	}
	http.SetCookie(w, s.cookie(stateCookieName, state, stateCookieMaxAge))
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// Callback completes the authorization code flow and opens a session.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.WithContext(ctx)
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = "Unknown error"
		}
		log.Error("auth.callback.error", map[string]interface{}{"error": e, "error_description": desc})
		writeHTML(w, http.StatusBadRequest, authFailedPage(desc))
		return
	}

	code := q.Get("code")
	if code == "" {
		log.Error("auth.callback.no_code")
		writeHTML(w, http.StatusBadRequest, authFailedPage("No authorization code received."))
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || !auth.SecureCompare(stateCookie.Value, q.Get("state")) {
		log.Error("auth.callback.state_mismatch")
		writeHTML(w, http.StatusBadRequest, authFailedPage("Sign-in request expired or was tampered with."))
		return
	}
	http.SetCookie(w, s.cookie(stateCookieName, "", -1))

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		writeHTML(w, http.StatusInternalServerError, authFailedPage(
			"Could not exchange authorization code for tokens. "+
				"This may be a configuration issue (client secret, redirect URI, or permissions)."))
		return
	}

	cookieValue, err := s.sessions.Create(auth.Session{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.ExpiresAt(s.now()),
		UserName:       tok.Claims.Name,
		UserEmail:      tok.Claims.Email,
	})
	if err != nil {
		log.WithError(err).Error("auth.session_create_failed")
		writeHTML(w, http.StatusInternalServerError, authFailedPage("Could not create a session."))
		return
	}

	http.SetCookie(w, s.cookie(auth.CookieName, cookieValue, s.settings.SessionMaxAgeSeconds))

	user := tok.Claims.Email
	if user == "" {
		user = tok.Claims.Name
	}
	if user == "" {
		user = "unknown"
	}
	log.Info("auth.login.success", map[string]interface{}{
		"user":        user,
		"cookie_size": len(cookieValue),
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout drops the session and signs the browser out of Microsoft too, so
// the next login is not silently re-established by SSO.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil {
		s.sessions.Delete(c.Value)
	}
	http.SetCookie(w, s.cookie(auth.CookieName, "", -1))

	s.logger.WithContext(r.Context()).Info("auth.logout")
	postLogout := strings.TrimRight(s.settings.AppBaseURL, "/") + "/auth/login"
	http.Redirect(w, r, s.oauth.LogoutURL(postLogout), http.StatusFound)
}
