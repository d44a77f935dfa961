package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/models"
)

// inboxEmail is one triaged email in the JSON inbox.
type inboxEmail struct {
	models.ListItem
	Body           string `json:"body"`
	BodyHTML       string `json:"body_html"`
	WebLink        string `json:"web_link"`
	ConversationID string `json:"conversation_id"`
	IsRead         bool   `json:"is_read"`
}

// InboxResponse is the body of GET /api/emails/inbox.
type InboxResponse struct {
	Emails        []inboxEmail         `json:"emails"`
	FilterSummary models.FilterSummary `json:"filter_summary"`
	UserName      string               `json:"user_name"`
}

// EmailResponse is a single email's full content.
type EmailResponse struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	SenderName       string `json:"sender_name"`
	SenderEmail      string `json:"sender_email"`
	Body             string `json:"body"`
	BodyHTML         string `json:"body_html"`
	BodyPreview      string `json:"body_preview"`
	ReceivedDateTime string `json:"received_datetime"`
	Importance       string `json:"importance"`
	HasAttachments   bool   `json:"has_attachments"`
	WebLink          string `json:"web_link"`
	IsRead           bool   `json:"is_read"`
}

// GetInbox fetches, filters, prioritizes and summarizes the inbox.
func (s *Server) GetInbox(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	window := timeWindow(r.URL.Query().Get("time_window"))

	res, err := s.triage(ctx, s.mailbox(sess.AccessToken), window)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("inbox.load_failed")
		writeError(w, http.StatusInternalServerError, "Failed to load inbox: "+err.Error())
		return
	}

	emails := make([]inboxEmail, 0, len(res.Emails))
	for _, e := range res.Emails {
		emails = append(emails, inboxEmail{
			ListItem:       e.ToListItem(),
			Body:           e.Body,
			BodyHTML:       e.BodyHTML,
			WebLink:        e.WebLink,
			ConversationID: e.ConversationID,
			IsRead:         e.IsRead,
		})
	}

	s.audit.Info(ctx, "inbox.loaded", map[string]interface{}{
		"time_window":        window,
		"total":              res.Summary.TotalInWindow,
		"shown":              len(emails),
		"filtered_calendar":  res.Summary.CalendarInvites,
		"filtered_sender":    res.Summary.BlockedSenders,
		"filtered_responded": res.Summary.AlreadyResponded,
		"filtered_read":      res.Summary.AlreadyRead,
	})

	writeJSON(w, http.StatusOK, InboxResponse{
		Emails:        emails,
		FilterSummary: res.Summary,
		UserName:      sess.UserName,
	})
}

// GetEmail returns one email's full content.
func (s *Server) GetEmail(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	id := mux.Vars(r)["id"]
	e, err := s.mailbox(sess.AccessToken).GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, graph.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "Email not found or could not be parsed")
			return
		}
		s.logger.WithContext(r.Context()).WithError(err).Error("email.fetch_failed", map[string]interface{}{"email_id": id})
		writeError(w, http.StatusInternalServerError, "Failed to fetch email")
		return
	}

	writeJSON(w, http.StatusOK, EmailResponse{
		ID:               e.ID,
		Subject:          e.Subject,
		SenderName:       e.SenderName,
		SenderEmail:      e.SenderEmail,
		Body:             e.Body,
		BodyHTML:         e.BodyHTML,
		BodyPreview:      e.BodyPreview,
		ReceivedDateTime: e.ReceivedDateTime,
		Importance:       e.Importance,
		HasAttachments:   e.HasAttachments,
		WebLink:          e.WebLink,
		IsRead:           e.IsRead,
	})
}

// MarkRead marks an email as read in Outlook.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	id := mux.Vars(r)["id"]
	if err := s.mailbox(sess.AccessToken).MarkAsRead(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mark email as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "email_id": id})
}

// SendReply sends a reply and marks the original as read.
func (s *Server) SendReply(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mb := s.mailbox(sess.AccessToken)
	if err := mb.SendEmail(ctx, req.ToEmail, req.Subject, req.BodyHTML); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to send email")
		return
	}
	if err := mb.MarkAsRead(ctx, id); err != nil {
		s.logger.WithContext(ctx).Warn("email.mark_read_after_send_failed", map[string]interface{}{"email_id": id})
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "to": req.ToEmail, "subject": req.Subject})
}
