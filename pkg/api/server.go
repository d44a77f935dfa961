// Package api is the HTTP surface of the email agent: OAuth sign-in, the
// JSON API, and the server-rendered HTMX pages.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mailtriage/email-agent/pkg/agent"
	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/config"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/metrics"
	"github.com/mailtriage/email-agent/pkg/models"
	"github.com/mailtriage/email-agent/pkg/ratelimit"
	"github.com/mailtriage/email-agent/pkg/tracing"
)

// Mailbox is the slice of the Graph client the handlers use.
type Mailbox interface {
	FetchInbox(ctx context.Context, q graph.InboxQuery) ([]*models.Email, error)
	FetchSentToRecipient(ctx context.Context, recipient string, maxEmails int) ([]models.SentEmail, error)
	FetchRecentSent(ctx context.Context, maxEmails int) ([]models.SentEmail, error)
	CheckConversationsResponded(ctx context.Context, conversationIDs []string) map[string]bool
	GetMessage(ctx context.Context, id string) (*models.Email, error)
	MarkAsRead(ctx context.Context, id string) error
	SendEmail(ctx context.Context, to, subject, bodyHTML string) error
}

// MailboxFactory opens a mailbox for one user's access token.
type MailboxFactory func(accessToken string) Mailbox

// TierStatus reports whether the tier configuration has been loaded.
type TierStatus interface {
	Loaded() bool
}

// Options wires a Server. Settings, Engine, Sessions, OAuth and Mailbox are
// required.
type Options struct {
	Settings *config.Settings
	Engine   *agent.Engine
	Tiers    TierStatus
	Sessions *auth.Store
	OAuth    auth.Provider
	Mailbox  MailboxFactory
	Metrics  *metrics.Metrics
	Tracing  *tracing.Provider
	Limiter  *ratelimit.Limiter
	Logger   *logging.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	settings *config.Settings
	engine   *agent.Engine
	tiers    TierStatus
	sessions *auth.Store
	oauth    auth.Provider
	mailbox  MailboxFactory
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
	limiter  *ratelimit.Limiter
	logger   *logging.Logger
	audit    *logging.Auditor
	pages    *pageRenderer
	now      func() time.Time
}

// NewServer validates opts and parses the page templates.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Settings == nil:
		return nil, errors.New("api: settings are required")
	case opts.Engine == nil:
		return nil, errors.New("api: agent engine is required")
	case opts.Sessions == nil:
		return nil, errors.New("api: session store is required")
	case opts.OAuth == nil:
		return nil, errors.New("api: oauth provider is required")
	case opts.Mailbox == nil:
		return nil, errors.New("api: mailbox factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	pages, err := newPageRenderer()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.Named("api")
	return &Server{
		settings: opts.Settings,
		engine:   opts.Engine,
		tiers:    opts.Tiers,
		sessions: opts.Sessions,
		oauth:    opts.OAuth,
		mailbox:  opts.Mailbox,
		metrics:  opts.Metrics,
		tracing:  opts.Tracing,
		limiter:  opts.Limiter,
		logger:   logger,
		audit:    logging.NewAuditor(logger),
		pages:    pages,
		now:      time.Now,
	}, nil
}

// Handler returns the router with the full middleware chain. Unmatched
// paths and methods skip auth and rate limiting but are still traced,
// counted and logged.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)

	var ambient []mux.MiddlewareFunc
	if s.tracing != nil {
		ambient = append(ambient, tracing.HTTPMiddleware(s.tracing))
	}
	if s.metrics != nil {
		ambient = append(ambient, s.metrics.Middleware)
	}
	ambient = append(ambient, s.requestContext)

	r.Use(ambient...)
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}
	r.Use(s.authGate)

	r.NotFoundHandler = wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	}), ambient)
	r.MethodNotAllowedHandler = wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	}), ambient)
	return r
}

// wrap applies mws so that the first one is outermost, as mux.Router.Use does.
func wrap(h http.Handler, mws []mux.MiddlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].Middleware(h)
	}
	return h
}

// RegisterRoutes registers all routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Probes
	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/ready", s.Ready).Methods("GET")

	// Sign-in
	r.HandleFunc("/auth/login", s.Login).Methods("GET")
	r.HandleFunc("/auth/callback", s.Callback).Methods("GET")
	r.HandleFunc("/auth/logout", s.Logout).Methods("GET")

	// JSON API (specific routes before parameterized ones)
	r.HandleFunc("/api/emails/inbox", s.withSession(s.GetInbox)).Methods("GET")
	r.HandleFunc("/api/emails/{id}", s.withSession(s.GetEmail)).Methods("GET")
	r.HandleFunc("/api/emails/{id}/read", s.withSession(s.MarkRead)).Methods("POST")
	r.HandleFunc("/api/emails/{id}/send", s.withSession(s.SendReply)).Methods("POST")
	r.HandleFunc("/api/agent/draft", s.withSession(s.GenerateDraft)).Methods("POST")
	r.HandleFunc("/api/agent/summarize/{id}", s.withSession(s.Summarize)).Methods("POST")

	// Pages and HTMX fragments
	r.HandleFunc("/", s.withSession(s.Dashboard)).Methods("GET")
	r.HandleFunc("/pages/email/{id}", s.withSession(s.EmailDetailPage)).Methods("GET")
	r.HandleFunc("/pages/inbox-content", s.withSession(s.InboxContent)).Methods("GET")
	r.HandleFunc("/pages/email-inline/{id}", s.withSession(s.EmailInline)).Methods("GET")
	r.HandleFunc("/pages/draft/{id}", s.withSession(s.DraftFragment)).Methods("POST")
	r.HandleFunc("/pages/mark-read/{id}", s.withSession(s.MarkReadFragment)).Methods("POST")
}
