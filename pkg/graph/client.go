// Package graph is a small Microsoft Graph mail client. It only speaks the
// handful of endpoints the triage service needs and returns pkg/models
// types.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/models"
	"github.com/mailtriage/email-agent/pkg/retry"
	"github.com/mailtriage/email-agent/pkg/tracing"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	inboxSelectFields   = "id,subject,sender,from,body,bodyPreview,receivedDateTime,importance,hasAttachments,webLink,conversationId,isRead"
	messageSelectFields = "id,subject,sender,body,bodyPreview,receivedDateTime,importance,hasAttachments,webLink,conversationId,isRead"
	sentSelectFields    = "id,subject,body,bodyPreview,sentDateTime,toRecipients"

	sentItemsPath = "/me/mailFolders/sentItems/messages"
	pageSize      = 50

	// DefaultMaxInbox caps one inbox fetch.
	DefaultMaxInbox = 200
	// DefaultMaxSent caps sent-mail style lookups.
	DefaultMaxSent = 100

	sentToRecipientPages = 5
	recentSentPages      = 2
)

// ErrMessageNotFound is returned when Graph answers 404 for a message id.
var ErrMessageNotFound = errors.New("message not found")

// APIError is a non-2xx Graph response.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API error (HTTP %d)", e.Code)
}

// StatusCode lets retry.IsRetryable classify the error.
func (e *APIError) StatusCode() int { return e.Code }

// Options configure a Client. Zero values take defaults.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Retry       retry.Config
	Concurrency int
	Logger      *logging.Logger
}

// Client talks to Graph on behalf of one signed-in user.
type Client struct {
	base        string
	token       string
	http        *http.Client
	retry       retry.Config
	concurrency int
	logger      *logging.Logger
	audit       *logging.Auditor
}

// NewClient returns a client that authenticates with token.
func NewClient(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Config{MaxAttempts: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	logger := opts.Logger.Named("graph")
	return &Client{
		base:        strings.TrimRight(opts.BaseURL, "/"),
		token:       token,
		http:        opts.HTTPClient,
		retry:       opts.Retry,
		concurrency: opts.Concurrency,
		logger:      logger,
		audit:       logging.NewAuditor(logger),
	}
}

// do sends one request and decodes a JSON response into out (when non-nil).
// GETs are retried on throttling, 5xx and network failures.
func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	cfg := c.retry
	if method != http.MethodGet {
		cfg.MaxAttempts = 1
	}

	err := retry.Do(ctx, cfg, func(int) error {
		err := c.once(ctx, method, rawURL, payload, out)
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Err
	}
	return err
}

func (c *Client) once(ctx context.Context, method, rawURL string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return &APIError{Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type page struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// GetCurrentUser returns the signed-in user's display name and address.
func (c *Client) GetCurrentUser(ctx context.Context) (*models.User, error) {
	var me struct {
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	params := url.Values{"$select": {"displayName,mail,userPrincipalName"}}
	if err := c.do(ctx, http.MethodGet, c.endpoint("/me", params), nil, &me); err != nil {
		c.logger.WithContext(ctx).Warn("graph.get_user.failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	user := &models.User{Name: me.DisplayName, Email: me.Mail}
	if user.Name == "" {
		user.Name = "Unknown"
	}
	if user.Email == "" {
		user.Email = me.UserPrincipalName
	}
	if user.Email == "" {
		user.Email = "Unknown"
	}
	return user, nil
}

// InboxQuery selects which inbox messages to fetch.
type InboxQuery struct {
	TimeWindow string // "24 hours", "7 days", "All"
	UnreadOnly bool
	MaxEmails  int
}

// FetchInbox returns inbox messages newest first, following pagination up
// to MaxEmails. If a later page fails the messages read so far are
// returned without an error.
func (c *Client) FetchInbox(ctx context.Context, q InboxQuery) ([]*models.Email, error) {
	if q.MaxEmails <= 0 {
		q.MaxEmails = DefaultMaxInbox
	}
	ctx, span := tracing.StartSpan(ctx, "graph.fetch_inbox", attribute.String("graph.time_window", q.TimeWindow))
	start := time.Now()

	var filters []string
	if q.UnreadOnly {
		filters = append(filters, "isRead eq false")
	}
	if cutoff, ok := ParseTimeWindow(q.TimeWindow, time.Now()); ok {
		filters = append(filters, "receivedDateTime ge "+cutoff.Format("2006-01-02T15:04:05Z"))
	}

	params := url.Values{
		"$orderby": {"receivedDateTime desc"},
		"$top":     {fmt.Sprint(min(pageSize, q.MaxEmails))},
		"$select":  {inboxSelectFields},
	}
	if len(filters) > 0 {
		params.Set("$filter", strings.Join(filters, " and "))
	}

	var emails []*models.Email
	next := c.endpoint("/me/messages", params)
	pages := 0
	for next != "" && len(emails) < q.MaxEmails {
		var p page
		if err := c.do(ctx, http.MethodGet, next, nil, &p); err != nil {
			c.logger.WithContext(ctx).WithError(err).Error("graph.fetch_inbox.error", map[string]interface{}{
				"page":          pages,
				"emails_so_far": len(emails),
			})
			if pages == 0 {
				tracing.EndSpan(span, err)
				return nil, fmt.Errorf("fetch inbox: %w", err)
			}
			break
		}
		pages++
		for _, raw := range p.Value {
			if len(emails) >= q.MaxEmails {
				break
			}
			email, err := ParseMessage(raw)
			if err != nil {
				c.logger.WithContext(ctx).WithError(err).Error("graph.parse_message.failed")
				continue
			}
			emails = append(emails, email)
		}
		next = p.NextLink
	}

	c.audit.Info(ctx, "graph.inbox.fetched", map[string]interface{}{
		"time_window":    q.TimeWindow,
		"unread_only":    q.UnreadOnly,
		"emails_fetched": len(emails),
		"pages":          pages,
		"latency_ms":     time.Since(start).Milliseconds(),
	})
	tracing.EndSpan(span, nil)
	return emails, nil
}

// ParseTimeWindow turns "<n> hours" or "<n> days" into a UTC cutoff before
// now. "All", empty and unparseable windows report ok=false.
func ParseTimeWindow(window string, now time.Time) (cutoff time.Time, ok bool) {
	window = strings.TrimSpace(window)
	if window == "" || strings.EqualFold(window, "all") {
		return time.Time{}, false
	}
	parts := strings.Fields(window)
	if len(parts) != 2 {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}

	unit := strings.ToLower(parts[1])
	switch {
	case strings.Contains(unit, "hour"):
		return now.UTC().Add(-time.Duration(n) * time.Hour), true
	case strings.Contains(unit, "day"):
		return now.UTC().AddDate(0, 0, -n), true
	}
	return time.Time{}, false
}

// FetchSentToRecipient scans recent sent mail for messages addressed to
// recipient. Graph cannot filter on toRecipients, so matching is done
// here over at most five pages.
func (c *Client) FetchSentToRecipient(ctx context.Context, recipient string, maxEmails int) ([]models.SentEmail, error) {
	if maxEmails <= 0 {
		maxEmails = DefaultMaxSent
	}
	want := strings.ToLower(strings.TrimSpace(recipient))
	start := time.Now()

	matched, pages, err := c.scanSent(ctx, sentToRecipientPages, maxEmails, func(s sentMessage) bool {
		for _, r := range s.ToRecipients {
			if strings.ToLower(r.EmailAddress.Address) == want {
				return true
			}
		}
		return false
	})
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("graph.fetch_sent_to.error", map[string]interface{}{
			"recipient_domain": domainOf(want),
			"page":             pages,
			"matched_so_far":   len(matched),
		})
	}

	c.audit.Info(ctx, "graph.sent_to_recipient.fetched", map[string]interface{}{
		"recipient_domain": domainOf(want),
		"matched":          len(matched),
		"pages":            pages,
		"latency_ms":       time.Since(start).Milliseconds(),
	})
	if err != nil && pages == 0 {
		return nil, err
	}
	return matched, nil
}

// FetchRecentSent returns the most recent sent mail to anyone, up to two
// pages.
func (c *Client) FetchRecentSent(ctx context.Context, maxEmails int) ([]models.SentEmail, error) {
	if maxEmails <= 0 {
		maxEmails = DefaultMaxSent
	}
	start := time.Now()

	sent, pages, err := c.scanSent(ctx, recentSentPages, maxEmails, nil)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("graph.fetch_recent_sent.error", map[string]interface{}{
			"page": pages,
		})
	}

	c.audit.Info(ctx, "graph.recent_sent.fetched", map[string]interface{}{
		"count":      len(sent),
		"pages":      pages,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	if err != nil && pages == 0 {
		return nil, err
	}
	return sent, nil
}

type sentMessage struct {
	ID   string `json:"id"`
	Body struct {
		Content string `json:"content"`
	} `json:"body"`
	Subject      string `json:"subject"`
	BodyPreview  string `json:"bodyPreview"`
	SentDateTime string `json:"sentDateTime"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
}

func (c *Client) scanSent(ctx context.Context, maxPages, maxEmails int, match func(sentMessage) bool) ([]models.SentEmail, int, error) {
	params := url.Values{
		"$orderby": {"sentDateTime desc"},
		"$top":     {fmt.Sprint(pageSize)},
		"$select":  {sentSelectFields},
	}

	var out []models.SentEmail
	next := c.endpoint(sentItemsPath, params)
	pages := 0
	for next != "" && len(out) < maxEmails && pages < maxPages {
		var p page
		if err := c.do(ctx, http.MethodGet, next, nil, &p); err != nil {
			return out, pages, err
		}
		pages++
		for _, raw := range p.Value {
			var s sentMessage
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			if match != nil && !match(s) {
				continue
			}
			out = append(out, models.SentEmail{
				ID:           s.ID,
				Subject:      s.Subject,
				Body:         s.Body.Content,
				BodyPreview:  s.BodyPreview,
				SentDateTime: s.SentDateTime,
			})
			if len(out) >= maxEmails {
				break
			}
		}
		next = p.NextLink
	}
	return out, pages, nil
}

// CheckConversationsResponded reports, per non-empty conversation id,
// whether the sent folder holds a message in that thread. Lookups that
// fail count as not responded so the email stays visible.
func (c *Client) CheckConversationsResponded(ctx context.Context, conversationIDs []string) map[string]bool {
	responded := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		if id != "" {
			responded[id] = false
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for id := range responded {
		id := id
		g.Go(func() error {
			params := url.Values{
				"$filter": {fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(id, "'", "''"))},
				"$top":    {"1"},
				"$select": {"id"},
			}
			var p page
			if err := c.do(gctx, http.MethodGet, c.endpoint(sentItemsPath, params), nil, &p); err != nil {
				c.logger.WithContext(ctx).Debug("graph.conversation_check.failed", map[string]interface{}{"error": err.Error()})
				return nil
			}
			if len(p.Value) > 0 {
				mu.Lock()
				responded[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, v := range responded {
		if v {
			count++
		}
	}
	c.audit.Info(ctx, "graph.conversations.checked", map[string]interface{}{
		"total":     len(responded),
		"responded": count,
	})
	return responded
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, id string) (*models.Email, error) {
	params := url.Values{"$select": {messageSelectFields}}
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, c.endpoint("/me/messages/"+url.PathEscape(id), params), nil, &raw)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return ParseMessage(raw)
}

// MarkAsRead sets isRead on a message.
func (c *Client) MarkAsRead(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodPatch, c.endpoint("/me/messages/"+url.PathEscape(id), nil), map[string]bool{"isRead": true}, nil)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("graph.mark_read.failed", map[string]interface{}{"email_id": id})
		return err
	}
	c.audit.Info(ctx, "graph.email.marked_read", map[string]interface{}{"email_id": id})
	return nil
}

type sendMailRequest struct {
	Message outgoingMessage `json:"message"`
}

type outgoingMessage struct {
	Subject      string      `json:"subject"`
	Body         itemBody    `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// SendEmail sends an HTML message to a single recipient.
func (c *Client) SendEmail(ctx context.Context, to, subject, bodyHTML string) error {
	var rcpt recipient
	rcpt.EmailAddress.Address = to
	req := sendMailRequest{Message: outgoingMessage{
		Subject:      subject,
		Body:         itemBody{ContentType: "html", Content: bodyHTML},
		ToRecipients: []recipient{rcpt},
	}}

	if err := c.do(ctx, http.MethodPost, c.endpoint("/me/sendMail", nil), req, nil); err != nil {
		fields := map[string]interface{}{}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			fields["status_code"] = apiErr.Code
		}
		c.logger.WithContext(ctx).WithError(err).Error("graph.send.failed", fields)
		return err
	}
	c.audit.Info(ctx, "graph.email.sent", map[string]interface{}{"recipient_domain": domainOf(to)})
	return nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "unknown"
}
