package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtriage/email-agent/pkg/agent"
	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/config"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/llm"
	"github.com/mailtriage/email-agent/pkg/metrics"
	"github.com/mailtriage/email-agent/pkg/models"
	"github.com/mailtriage/email-agent/pkg/ratelimit"
)

const testTiers = `
tier_1:
  emails: ["vip@example.com"]
tier_2:
  emails: ["director@example.com"]
tier_3:
  emails: ["analyst@example.com"]
filtered_senders:
  - "noreply@automated.com"
`

type fakeMailbox struct {
	mu sync.Mutex

	inbox      []*models.Email
	inboxErr   error
	messages   map[string]*models.Email
	toSender   []models.SentEmail
	recent     []models.SentEmail
	responded  map[string]bool
	markErr    error
	sendErr    error
	markedRead []string
	sent       []string
	lastQuery  graph.InboxQuery
}

func (m *fakeMailbox) FetchInbox(ctx context.Context, q graph.InboxQuery) ([]*models.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = q
	if m.inboxErr != nil {
		return nil, m.inboxErr
	}
	out := make([]*models.Email, 0, len(m.inbox))
	for _, e := range m.inbox {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *fakeMailbox) FetchSentToRecipient(ctx context.Context, recipient string, max int) ([]models.SentEmail, error) {
	return m.toSender, nil
}

func (m *fakeMailbox) FetchRecentSent(ctx context.Context, max int) ([]models.SentEmail, error) {
	return m.recent, nil
}

func (m *fakeMailbox) CheckConversationsResponded(ctx context.Context, ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = m.responded[id]
	}
	return out
}

func (m *fakeMailbox) GetMessage(ctx context.Context, id string) (*models.Email, error) {
	e, ok := m.messages[id]
	if !ok {
		return nil, graph.ErrMessageNotFound
	}
	c := *e
	return &c, nil
}

func (m *fakeMailbox) MarkAsRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.markedRead = append(m.markedRead, id)
	return nil
}

func (m *fakeMailbox) SendEmail(ctx context.Context, to, subject, bodyHTML string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

type fakeProvider struct {
	exchangeErr error
	refreshErr  error
	refreshed   int
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://login.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*auth.TokenResult, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &auth.TokenResult{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		ExpiresIn:    time.Hour,
		Claims:       auth.Claims{Name: "Pat Doe", Email: "pat@example.com"},
	}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*auth.TokenResult, error) {
	p.refreshed++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &auth.TokenResult{AccessToken: "new-access", RefreshToken: refreshToken, ExpiresIn: time.Hour}, nil
}

func (p *fakeProvider) LogoutURL(post string) string {
	return "https://login.example.com/logout?post_logout_redirect_uri=" + url.QueryEscape(post)
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Text: f.text, InputTokens: 100, OutputTokens: 20, TotalTokens: 120}, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	mailbox  *fakeMailbox
	provider *fakeProvider
	llm      *fakeCompleter
	sessions *auth.Store
	tokens   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tiers, err := agent.ParseTierConfig([]byte(testTiers))
	require.NoError(t, err)

	env := &testEnv{
		mailbox:  &fakeMailbox{messages: map[string]*models.Email{}},
		provider: &fakeProvider{},
		llm:      &fakeCompleter{text: "SUMMARY: Needs a decision on the budget."},
	}
	env.sessions, err = auth.NewStore("test-secret", auth.StoreOptions{})
	require.NoError(t, err)

	settings := &config.Settings{
		AzureClientID:        "client",
		AnthropicAPIKey:      "key",
		TierConfigPath:       "config/tiers.yaml",
		AppEnv:               "development",
		AppBaseURL:           "http://localhost:8000",
		SessionMaxAgeSeconds: 3600,
	}

	engine := agent.NewEngine(tiers, env.llm, agent.EngineConfig{}, nil, nil)
	env.server, err = NewServer(Options{
		Settings: settings,
		Engine:   engine,
		Tiers:    loadedTiers(true),
		Sessions: env.sessions,
		OAuth:    env.provider,
		Mailbox: func(token string) Mailbox {
			env.tokens = append(env.tokens, token)
			return env.mailbox
		},
	})
	require.NoError(t, err)
	env.handler = env.server.Handler()
	return env
}

type loadedTiers bool

func (l loadedTiers) Loaded() bool { return bool(l) }

func (env *testEnv) login(t *testing.T, s auth.Session) *http.Cookie {
	t.Helper()
	value, err := env.sessions.Create(s)
	require.NoError(t, err)
	return &http.Cookie{Name: auth.CookieName, Value: value}
}

func (env *testEnv) validSession(t *testing.T) *http.Cookie {
	return env.login(t, auth.Session{
		AccessToken:    "token-1",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: time.Now().Add(time.Hour),
		UserName:       "Pat Doe",
		UserEmail:      "pat@example.com",
	})
}

func (env *testEnv) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func email(id, sender string, read bool, conv string) *models.Email {
	return &models.Email{
		ID:               id,
		Subject:          "Subject " + id,
		SenderName:       "Sender " + id,
		SenderEmail:      sender,
		BodyPreview:      "preview " + id,
		Body:             "body " + id,
		ReceivedDateTime: "2024-06-01T17:30:00Z",
		Importance:       "normal",
		ConversationID:   conv,
		IsRead:           read,
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.server.tiers = loadedTiers(false)
	rec = env.do(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.False(t, body.Checks["tier_config_loaded"])
	assert.True(t, body.Checks["anthropic_key_set"])
}

func TestAuthGate(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantLoc  string
	}{
		{"api returns 401", "GET", "/api/emails/inbox", http.StatusUnauthorized, ""},
		{"dashboard redirects", "GET", "/", http.StatusTemporaryRedirect, "/auth/login"},
		{"fragment redirects", "GET", "/pages/inbox-content", http.StatusTemporaryRedirect, "/auth/login"},
		{"health is public", "GET", "/health", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantLoc != "" {
				assert.Equal(t, tt.wantLoc, rec.Header().Get("Location"))
			}
		})
	}

	rec := env.do(httptest.NewRequest("GET", "/api/emails/inbox", nil), &http.Cookie{Name: auth.CookieName, Value: "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Not authenticated"}`, rec.Body.String())
}

func TestLoginAndCallback(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest("GET", "/auth/login", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie)
	assert.Equal(t, state, stateCookie.Value)

	t.Run("state mismatch", func(t *testing.T) {
		rec := env.do(httptest.NewRequest("GET", "/auth/callback?code=abc&state=other", nil), stateCookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("provider error", func(t *testing.T) {
		rec := env.do(httptest.NewRequest("GET", "/auth/callback?error=access_denied&error_description=%3Cb%3Enope", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "&lt;b&gt;nope")
	})

	t.Run("missing code", func(t *testing.T) {
		rec := env.do(httptest.NewRequest("GET", "/auth/callback?state="+state, nil), stateCookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success", func(t *testing.T) {
		rec := env.do(httptest.NewRequest("GET", "/auth/callback?code=abc&state="+url.QueryEscape(state), nil), stateCookie)
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))

		var session *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == auth.CookieName {
				session = c
			}
		}
		require.NotNil(t, session)
		assert.True(t, session.HttpOnly)
		assert.Equal(t, 3600, session.MaxAge)

		stored, err := env.sessions.Get(session.Value)
		require.NoError(t, err)
		assert.Equal(t, "access-abc", stored.AccessToken)
		assert.Equal(t, "pat@example.com", stored.UserEmail)
	})

	t.Run("exchange failure", func(t *testing.T) {
		env.provider.exchangeErr = errors.New("invalid_grant")
		defer func() { env.provider.exchangeErr = nil }()
		rec := env.do(httptest.NewRequest("GET", "/auth/callback?code=abc&state="+url.QueryEscape(state), nil), stateCookie)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	require.Equal(t, 1, env.sessions.Len())

	rec := env.do(httptest.NewRequest("GET", "/auth/logout", nil), cookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), url.QueryEscape("http://localhost:8000/auth/login"))
	assert.Equal(t, 0, env.sessions.Len())
}

func TestGetInboxTriage(t *testing.T) {
	env := newTestEnv(t)
	env.mailbox.inbox = []*models.Email{
		email("std-unread", "analyst@example.com", false, "c1"),
		email("vip-answered", "vip@example.com", false, "c2"),
		email("default-read", "someone@else.com", true, "c3"),
		email("blocked", "noreply@automated.com", false, "c4"),
		email("vip-open", "vip@example.com", true, "c5"),
		email("director", "director@example.com", false, "c6"),
		{ID: "invite", Subject: "Accepted: Sync", SenderEmail: "x@y.com", MeetingMessageType: "meetingAccepted"},
	}
	env.mailbox.responded = map[string]bool{"c2": true}

	rec := env.do(httptest.NewRequest("GET", "/api/emails/inbox?time_window=7%20days", nil), env.validSession(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InboxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	var ids []string
	for _, e := range resp.Emails {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"vip-open", "director", "std-unread"}, ids)
	assert.Equal(t, "VVIP", resp.Emails[0].TierName)
	assert.Equal(t, "Needs a decision on the budget.", resp.Emails[0].Summary)
	assert.Equal(t, "Pat Doe", resp.UserName)

	assert.Equal(t, models.FilterSummary{
		TotalInWindow:    7,
		Actionable:       3,
		CalendarInvites:  1,
		BlockedSenders:   1,
		AlreadyResponded: 1,
		AlreadyRead:      1,
	}, resp.FilterSummary)

	assert.Equal(t, "7 days", env.mailbox.lastQuery.TimeWindow)
	assert.Equal(t, graph.DefaultMaxInbox, env.mailbox.lastQuery.MaxEmails)
	assert.Equal(t, 3, env.llm.calls, "only the final list is summarized")
	assert.Equal(t, []string{"token-1"}, env.tokens)
}

func TestGetInboxDefaultsAndErrors(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)

	rec := env.do(httptest.NewRequest("GET", "/api/emails/inbox", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "24 hours", env.mailbox.lastQuery.TimeWindow)
	assert.Contains(t, rec.Body.String(), `"emails":[]`)

	env.mailbox.inboxErr = errors.New("graph down")
	rec = env.do(httptest.NewRequest("GET", "/api/emails/inbox", nil), cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "graph down")
}

func TestGetEmail(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	env.mailbox.messages["m1"] = email("m1", "vip@example.com", false, "c1")

	rec := env.do(httptest.NewRequest("GET", "/api/emails/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var got EmailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Subject m1", got.Subject)
	assert.Equal(t, "body m1", got.Body)

	rec = env.do(httptest.NewRequest("GET", "/api/emails/missing", nil), cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadAndSend(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)

	rec := env.do(httptest.NewRequest("POST", "/api/emails/m1/read", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","email_id":"m1"}`, rec.Body.String())

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", `{"to_email":"vip@example.com","subject":"RE: Hi","body_html":"<p>Thanks</p>"}`, http.StatusOK},
		{"bad email", `{"to_email":"not-an-email","subject":"RE: Hi","body_html":"x"}`, http.StatusBadRequest},
		{"missing fields", `{"to_email":"vip@example.com"}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest("POST", "/api/emails/m2/send", strings.NewReader(tt.body)), cookie)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"vip@example.com|RE: Hi"}, env.mailbox.sent)
	assert.Equal(t, []string{"m1", "m2"}, env.mailbox.markedRead)

	env.mailbox.sendErr = errors.New("boom")
	rec = env.do(httptest.NewRequest("POST", "/api/emails/m3/send",
		strings.NewReader(`{"to_email":"a@b.com","subject":"s","body_html":"b"}`)), cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGenerateDraft(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	env.llm.text = "Hi Sam,\n\nSounds good."
	env.mailbox.messages["m1"] = email("m1", "vip@example.com", false, "c1")
	env.mailbox.messages["nosender"] = email("nosender", "", false, "c2")
	env.mailbox.toSender = []models.SentEmail{{Subject: "Earlier", Body: "Cheers, Pat"}}

	rec := env.do(httptest.NewRequest("POST", "/api/agent/draft",
		bytes.NewBufferString(`{"email_id":"m1","key_points":"agree"}`)), cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "m1", got.EmailID)
	assert.Equal(t, models.StyleSpecific, got.StyleSource)
	assert.Equal(t, 1, got.StyleEmailCount)
	assert.Contains(t, got.Draft, "AI-generated")

	rec = env.do(httptest.NewRequest("POST", "/api/agent/draft", bytes.NewBufferString(`{}`)), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email_id")

	rec = env.do(httptest.NewRequest("POST", "/api/agent/draft", bytes.NewBufferString(`{"email_id":"gone"}`)), cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest("POST", "/api/agent/draft", bytes.NewBufferString(`{"email_id":"nosender"}`)), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummarize(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	env.mailbox.messages["m1"] = email("m1", "vip@example.com", false, "c1")

	rec := env.do(httptest.NewRequest("POST", "/api/agent/summarize/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"email_id":"m1","summary":"Needs a decision on the budget."}`, rec.Body.String())

	env.llm.err = errors.New("down")
	rec = env.do(httptest.NewRequest("POST", "/api/agent/summarize/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Email from Sender m1 regarding Subject m1")
}

func TestTokenRefresh(t *testing.T) {
	env := newTestEnv(t)
	expired := auth.Session{
		AccessToken:    "old",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: time.Now().Add(time.Minute),
		UserEmail:      "pat@example.com",
	}

	cookie := env.login(t, expired)
	rec := env.do(httptest.NewRequest("POST", "/api/emails/m1/read", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"new-access"}, env.tokens)

	stored, err := env.sessions.Get(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)

	env.provider.refreshErr = errors.New("invalid_grant")
	cookie = env.login(t, expired)
	rec = env.do(httptest.NewRequest("POST", "/api/emails/m1/read", nil), cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Session expired, please log in again"}`, rec.Body.String())

	expired.RefreshToken = ""
	cookie = env.login(t, expired)
	rec = env.do(httptest.NewRequest("GET", "/", nil), cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 2, env.provider.refreshed)
}

func TestDashboardPage(t *testing.T) {
	env := newTestEnv(t)
	env.server.now = func() time.Time { return time.Date(2024, 6, 1, 16, 0, 0, 0, time.UTC) } // 9am Pacific

	rec := env.do(httptest.NewRequest("GET", "/?time_window=4%20hours", nil), env.validSession(t))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "Good morning, Pat Doe")
	assert.Contains(t, body, `hx-include="#window-form"`)
	assert.Contains(t, body, `<option value="4 hours" selected>`)
}

func TestGreeting(t *testing.T) {
	pdt := func(hour int) time.Time { return time.Date(2024, 6, 1, hour, 30, 0, 0, pacific) }
	tests := []struct {
		hour int
		want string
	}{
		{4, "Hello"},
		{5, "Good morning"},
		{11, "Good morning"},
		{12, "Good afternoon"},
		{16, "Good afternoon"},
		{17, "Good evening"},
		{20, "Good evening"},
		{21, "Hello"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, greeting(pdt(tt.hour)), "hour %d", tt.hour)
	}
}

func TestInboxContentFragment(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	env.mailbox.inbox = []*models.Email{
		email("a", "vip@example.com", false, "c1"),
		email("b", "someone@else.com", false, "c2"),
	}
	env.mailbox.inbox[0].Subject = "<script>alert(1)</script>"

	rec := env.do(httptest.NewRequest("GET", "/pages/inbox-content", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `href="/pages/email/a"`)
	assert.Contains(t, body, `href="/pages/email/b"`)
	assert.Contains(t, body, "2 of 2 emails need attention")
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Less(t, strings.Index(body, `href="/pages/email/a"`), strings.Index(body, `href="/pages/email/b"`))

	env.mailbox.inboxErr = errors.New("graph <down>")
	rec = env.do(httptest.NewRequest("GET", "/pages/inbox-content", nil), cookie)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error loading inbox: graph &lt;down&gt;")
}

func TestFragmentTargetsAreRelative(t *testing.T) {
	const graphID = "AAMkAGI2TG93AAA="
	env := newTestEnv(t)
	cookie := env.validSession(t)
	env.mailbox.inbox = []*models.Email{email(graphID, "vip@example.com", false, "c1")}
	env.mailbox.messages[graphID] = email(graphID, "vip@example.com", false, "c1")

	pages := map[string]*httptest.ResponseRecorder{
		"list":   env.do(httptest.NewRequest("GET", "/pages/inbox-content", nil), cookie),
		"detail": env.do(httptest.NewRequest("GET", "/pages/email/"+graphID, nil), cookie),
		"draft":  env.do(httptest.NewRequest("POST", "/pages/draft/"+graphID, nil), cookie),
	}
	for name, rec := range pages {
		require.Equal(t, http.StatusOK, rec.Code, name)
		body := rec.Body.String()
		assert.NotContains(t, body, `hx-target="#`, name)
		assert.NotContains(t, body, `hx-indicator="#`, name)
		assert.NotContains(t, body, `id="email-`, name)
		assert.NotContains(t, body, `id="draft-`, name)
	}

	list := pages["list"].Body.String()
	assert.Contains(t, list, `class="email-card`)
	assert.Contains(t, list, `hx-target="next .email-body"`)
	assert.Contains(t, list, `hx-target="next .draft-slot" hx-indicator="next .drafting"`)
	assert.Contains(t, list, `hx-target="closest .email-card" hx-swap="outerHTML"`)
	assert.Contains(t, pages["detail"].Body.String(), `hx-target="next .draft-slot"`)
	assert.Contains(t, pages["draft"].Body.String(), `hx-target="closest .draft-slot"`)
}

func TestSendScriptEscapesDraftText(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest("GET", "/", nil), env.validSession(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `body_html: escapeHTML(body).replace(`)
	assert.Contains(t, rec.Body.String(), `panel.closest(".email-card")`)
}

func TestEmailFragments(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.validSession(t)
	m := email("m1", "vip@example.com", false, "c1")
	m.BodyHTML = `<p onclick="x()">Hello</p>`
	m.Subject = `Budget "Q3"`
	env.mailbox.messages["m1"] = m

	rec := env.do(httptest.NewRequest("GET", "/pages/email-inline/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sandbox=""`)
	assert.NotContains(t, rec.Body.String(), `<p onclick`)

	rec = env.do(httptest.NewRequest("GET", "/pages/email-inline/missing", nil), cookie)
	assert.Contains(t, rec.Body.String(), "Could not load email.")

	rec = env.do(httptest.NewRequest("GET", "/pages/email/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Budget &#34;Q3&#34;")

	rec = env.do(httptest.NewRequest("POST", "/pages/draft/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data-subject="Budget &#34;Q3&#34;"`)
	assert.Contains(t, rec.Body.String(), `data-sender="vip@example.com"`)

	rec = env.do(httptest.NewRequest("POST", "/pages/mark-read/m1", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	env.mailbox.markErr = errors.New("nope")
	rec = env.do(httptest.NewRequest("POST", "/pages/mark-read/m1", nil), cookie)
	assert.Contains(t, rec.Body.String(), "Failed to mark as read.")
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())
}

func TestRateLimitIgnoresForgedCookies(t *testing.T) {
	env := newTestEnv(t)
	limiter := ratelimit.NewLimiter(0.0001, 1)
	env.server.limiter = limiter
	env.handler = env.server.Handler()

	limited := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/api/emails/inbox", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := env.do(req, &http.Cookie{Name: auth.CookieName, Value: fmt.Sprintf("forged-%d", i)})
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 49, limited)
	assert.Equal(t, 1, limiter.Len())

	// A signed-in user has their own bucket.
	rec := env.do(httptest.NewRequest("GET", "/api/emails/inbox", nil), env.validSession(t))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, limiter.Len())
}

func TestRateLimitTrustsProxyAppendedHop(t *testing.T) {
	env := newTestEnv(t)
	env.server.settings.TrustProxy = true
	env.server.limiter = ratelimit.NewLimiter(0.0001, 1)
	env.handler = env.server.Handler()

	send := func(xff string) int {
		req := httptest.NewRequest("GET", "/api/emails/inbox", nil)
		req.Header.Set("X-Forwarded-For", xff)
		return env.do(req).Code
	}
	assert.Equal(t, http.StatusUnauthorized, send("198.51.100.1, 192.0.2.10"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.2, 192.0.2.10"))
	assert.Equal(t, http.StatusUnauthorized, send("198.51.100.1, 192.0.2.11"))
}

func TestMethodNotAllowedRunsAmbientMiddleware(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.New()
	env.server.metrics = m
	env.handler = env.server.Handler()

	rec := env.do(httptest.NewRequest("POST", "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"detail":"Method Not Allowed"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, scrape.Body.String(),
		`email_agent_http_requests_total{method="POST",route="unmatched",status="405"} 1`)
}
