package api

import (
	"errors"
	"html"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/gorilla/mux"

	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/models"
)

var pacific = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// greeting picks the salutation for the hour in Pacific time.
func greeting(now time.Time) string {
	switch h := now.In(pacific).Hour(); {
	case h >= 5 && h < 12:
		return "Good morning"
	case h >= 12 && h < 17:
		return "Good afternoon"
	case h >= 17 && h < 21:
		return "Good evening"
	default:
		return "Hello"
	}
}

type dashboardData struct {
	UserName   string
	UserEmail  string
	Greeting   string
	TimeWindow string
}

type emailPageData struct {
	UserName  string
	UserEmail string
	Email     *models.Email
}

type emailListData struct {
	Emails        []models.ListItem
	FilterSummary models.FilterSummary
}

type draftPanelData struct {
	Draft           string
	StyleSource     string
	StyleEmailCount int
	TokensUsed      int
	EmailID         string
	SenderEmail     string
	Subject         string
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data interface{}) {
	if err := s.pages.render(w, status, name, data); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("page.render_failed", map[string]interface{}{"template": name})
		errorFragment(w, http.StatusInternalServerError, "Could not render page.")
	}
}

// Dashboard renders the main page; the inbox itself loads via HTMX.
func (s *Server) Dashboard(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	s.renderPage(w, r, http.StatusOK, "dashboard.html", dashboardData{
		UserName:   sess.UserName,
		UserEmail:  sess.UserEmail,
		Greeting:   greeting(s.now()),
		TimeWindow: timeWindow(r.URL.Query().Get("time_window")),
	})
}

// EmailDetailPage renders one email on its own page.
func (s *Server) EmailDetailPage(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	id := mux.Vars(r)["id"]
	email, err := s.mailbox(sess.AccessToken).GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, graph.ErrMessageNotFound) {
			errorFragment(w, http.StatusNotFound, "Email not found.")
			return
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("email.page_error", map[string]interface{}{"email_id": id})
		errorFragment(w, http.StatusInternalServerError, "Could not load email.")
		return
	}
	s.renderPage(w, r, http.StatusOK, "email_detail.html", emailPageData{
		UserName:  sess.UserName,
		UserEmail: sess.UserEmail,
		Email:     email,
	})
}

// InboxContent runs triage and returns the email list fragment.
func (s *Server) InboxContent(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	window := timeWindow(r.URL.Query().Get("time_window"))

	res, err := s.triage(ctx, s.mailbox(sess.AccessToken), window)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("inbox.page_error")
		writeHTML(w, http.StatusInternalServerError,
			`<div class="bg-red-50 border border-red-200 rounded-lg p-4 text-red-700">Error loading inbox: `+html.EscapeString(err.Error())+`</div>`)
		return
	}

	items := make([]models.ListItem, 0, len(res.Emails))
	for _, e := range res.Emails {
		items = append(items, e.ToListItem())
	}

	s.audit.Info(ctx, "inbox.page_loaded", map[string]interface{}{
		"time_window": window,
		"total":       res.Summary.TotalInWindow,
		"shown":       len(items),
	})

	s.renderPage(w, r, http.StatusOK, "email_list.html", emailListData{
		Emails:        items,
		FilterSummary: res.Summary,
	})
}

// EmailInline returns the email body to expand in place.
func (s *Server) EmailInline(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	email, err := s.mailbox(sess.AccessToken).GetMessage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, graph.ErrMessageNotFound) {
			errorFragment(w, http.StatusOK, "Could not load email.")
			return
		}
		errorFragment(w, http.StatusOK, "Error: "+err.Error())
		return
	}
	s.renderPage(w, r, http.StatusOK, "email_inline.html", email)
}

// DraftFragment drafts a reply and returns the draft panel.
func (s *Server) DraftFragment(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	email, resp, err := s.draftFor(ctx, s.mailbox(sess.AccessToken), sess, id, "", "")
	switch {
	case errors.Is(err, graph.ErrMessageNotFound):
		errorFragment(w, http.StatusOK, "Could not load email.")
		return
	case errors.Is(err, errNoSender):
		errorFragment(w, http.StatusOK, "Cannot determine sender.")
		return
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).Error("draft.page_error", map[string]interface{}{"email_id": id})
		errorFragment(w, http.StatusInternalServerError, "Error generating draft: "+err.Error())
		return
	}

	s.renderPage(w, r, http.StatusOK, "draft_panel.html", draftPanelData{
		Draft:           resp.Draft,
		StyleSource:     resp.StyleSource,
		StyleEmailCount: resp.StyleEmailCount,
		TokensUsed:      resp.TokensUsed,
		EmailID:         id,
		SenderEmail:     email.SenderEmail,
		Subject:         email.Subject,
	})
}

// MarkReadFragment marks an email read; the empty response lets HTMX drop
// the card.
func (s *Server) MarkReadFragment(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if err := s.mailbox(sess.AccessToken).MarkAsRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		errorFragment(w, http.StatusOK, "Failed to mark as read.")
		return
	}
	writeHTML(w, http.StatusOK, "")
}
