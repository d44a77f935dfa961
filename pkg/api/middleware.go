package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/ratelimit"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	cookieKey
)

const sessionExpiredDetail = "Session expired, please log in again"

var publicPrefixes = []string{"/auth/", "/health", "/ready", "/static/"}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestContext tags the request with a short id and the signed-in user,
// echoes the id in X-Request-ID and logs one line per request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()[:8]

		user := "anonymous"
		ctx := r.Context()
		if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
			if sess, err := s.sessions.Get(c.Value); err == nil {
				user = sess.Identity()
				ctx = context.WithValue(ctx, sessionKey, sess)
				ctx = context.WithValue(ctx, cookieKey, c.Value)
			}
		}
		ctx = logging.WithRequest(ctx, requestID, user)

		w.Header().Set("X-Request-ID", requestID)
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		s.logger.WithContext(ctx).Info("http.request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": rw.status,
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	})
}

// rateLimitKey buckets signed-in callers by session. Anything else, forged
// cookies included, shares the client address bucket.
func (s *Server) rateLimitKey(r *http.Request) string {
	if cookie, _ := r.Context().Value(cookieKey).(string); cookie != "" {
		return "session:" + cookie
	}
	if s.settings.TrustProxy {
		return "ip:" + ratelimit.ForwardedKeyFunc(r)
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// rateLimit throttles /api/ and /pages/. It runs after requestContext so
// the session is already resolved.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	limited := s.limiter.Middleware(s.rateLimitKey)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/pages/") {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authGate lets public paths through. Without a session the JSON API gets
// a 401 and everything else is sent to the login page.
func (s *Server) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range publicPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		if sessionFrom(r.Context()) == nil {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			http.Redirect(w, r, "/auth/login", http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFrom(ctx context.Context) *auth.Session {
	sess, _ := ctx.Value(sessionKey).(*auth.Session)
	return sess
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *auth.Session)

// withSession resolves the caller's session, refreshing the access token
// when it is about to expire.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := sessionFrom(ctx)
		if sess == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		if sess.TokenExpired(s.now()) {
			log := s.logger.WithContext(ctx)
			log.Info("auth.token_expired_refreshing")
			if sess.RefreshToken == "" {
				writeError(w, http.StatusUnauthorized, sessionExpiredDetail)
				return
			}
			tok, err := s.oauth.Refresh(ctx, sess.RefreshToken)
			if err != nil {
				writeError(w, http.StatusUnauthorized, sessionExpiredDetail)
				return
			}

			refreshed := *sess
			refreshed.AccessToken = tok.AccessToken
			refreshed.RefreshToken = tok.RefreshToken
			refreshed.TokenExpiresAt = tok.ExpiresAt(s.now())
			if cookie, _ := ctx.Value(cookieKey).(string); cookie != "" {
				if err := s.sessions.Update(cookie, refreshed); err != nil {
					log.Warn("auth.session_update_failed", map[string]interface{}{"error": err.Error()})
				}
			}
			sess = &refreshed
			log.Info("auth.token_refreshed")
		}

		h(w, r, sess)
	}
}
