package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mailtriage/email-agent/pkg/agent"
	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/models"
)

var errNoSender = errors.New("cannot determine sender email address")

// DraftResponse is the body of POST /api/agent/draft.
type DraftResponse struct {
	models.DraftResponse
	EmailID string `json:"email_id"`
}

// draftFor fetches the email and the user's style examples, then drafts a
// reply. Past mail to this sender is preferred; recent mail to anyone is
// the fallback.
func (s *Server) draftFor(ctx context.Context, mb Mailbox, sess *auth.Session, emailID, keyPoints, extra string) (*models.Email, *models.DraftResponse, error) {
	email, err := mb.GetMessage(ctx, emailID)
	if err != nil {
		return nil, nil, err
	}
	if email.SenderEmail == "" {
		return email, nil, errNoSender
	}

	s.audit.Info(ctx, "draft.fetching_style", map[string]interface{}{
		"email_id":      emailID,
		"sender_domain": domainOf(email.SenderEmail),
	})

	toSender, err := mb.FetchSentToRecipient(ctx, email.SenderEmail, graph.DefaultMaxSent)
	if err != nil {
		toSender = nil
	}
	var recent []models.SentEmail
	if len(toSender) == 0 {
		if recent, err = mb.FetchRecentSent(ctx, graph.DefaultMaxSent); err != nil {
			recent = nil
		}
	}

	userName := sess.UserName
	if userName == "" {
		userName = "the user"
	}
	resp := s.engine.DraftReply(ctx, agent.DraftInput{
		Email:             email,
		SentToSender:      toSender,
		AllSent:           recent,
		UserName:          userName,
		KeyPoints:         keyPoints,
		AdditionalContext: extra,
	})
	return email, resp, nil
}

// GenerateDraft drafts a reply in the user's style.
func (s *Server) GenerateDraft(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()

	var req models.DraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, resp, err := s.draftFor(ctx, s.mailbox(sess.AccessToken), sess, req.EmailID, req.KeyPoints, req.AdditionalContext)
	switch {
	case errors.Is(err, graph.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Email not found")
		return
	case errors.Is(err, errNoSender):
		writeError(w, http.StatusBadRequest, "Cannot determine sender email address")
		return
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).Error("draft.endpoint_failed", map[string]interface{}{"email_id": req.EmailID})
		writeError(w, http.StatusInternalServerError, "Failed to generate draft: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DraftResponse{DraftResponse: *resp, EmailID: req.EmailID})
}

// Summarize regenerates the summary of one email.
func (s *Server) Summarize(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	email, err := s.mailbox(sess.AccessToken).GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, graph.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "Email not found")
			return
		}
		s.logger.WithContext(ctx).WithError(err).Error("summarize.endpoint_failed", map[string]interface{}{"email_id": id})
		writeError(w, http.StatusInternalServerError, "Failed to summarize email")
		return
	}

	summary := s.engine.SummarizeEmail(ctx, email)
	writeJSON(w, http.StatusOK, map[string]string{"email_id": id, "summary": summary})
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return "unknown"
}
