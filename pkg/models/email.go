package models

// Filter reasons
const (
	FilterReasonSender   = "filtered_sender"
	FilterReasonCalendar = "calendar_invite"
)

// Style sources for drafted replies
const (
	StyleSpecific = "specific" // past emails to this sender
	StyleGeneral  = "general"  // recent sent emails to anyone
	StyleNone     = "none"
)

// Email is a mailbox message plus what the triage pipeline adds to it.
type Email struct {
	ID                 string `json:"id"`
	Subject            string `json:"subject"`
	SenderName         string `json:"sender_name"`
	SenderEmail        string `json:"sender_email"`
	BodyPreview        string `json:"body_preview"`
	Body               string `json:"body"`
	BodyHTML           string `json:"body_html"`
	ReceivedDateTime   string `json:"received_datetime"`
	Importance         string `json:"importance"`
	HasAttachments     bool   `json:"has_attachments"`
	WebLink            string `json:"web_link"`
	ConversationID     string `json:"conversation_id"`
	IsRead             bool   `json:"is_read"`
	MeetingMessageType string `json:"meeting_message_type"`

	Tier            Tier   `json:"tier"`
	Summary         string `json:"summary,omitempty"`
	Draft           string `json:"draft,omitempty"`
	StyleSource     string `json:"style_source,omitempty"`
	StyleEmailCount int    `json:"style_email_count,omitempty"`
}

// FilterResult says whether an email was removed from triage and why.
type FilterResult struct {
	Filtered bool   `json:"filtered"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// SentEmail is a message from the user's sent folder, used as writing-style
// context for drafts.
type SentEmail struct {
	ID           string `json:"id,omitempty"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	BodyPreview  string `json:"body_preview"`
	SentDateTime string `json:"sent_datetime"`
}

// DraftRequest asks for a reply draft to one email.
type DraftRequest struct {
	EmailID           string `json:"email_id" validate:"required"`
	KeyPoints         string `json:"key_points"`
	AdditionalContext string `json:"additional_context"`
}

// DraftResponse is the generated draft plus how it was produced.
type DraftResponse struct {
	Draft           string `json:"draft"`
	StyleSource     string `json:"style_source"`
	StyleEmailCount int    `json:"style_email_count"`
	TokensUsed      int    `json:"tokens_used"`
}

// SendRequest is the body of a send-reply call.
type SendRequest struct {
	ToEmail  string `json:"to_email" validate:"required,email"`
	Subject  string `json:"subject" validate:"required"`
	BodyHTML string `json:"body_html" validate:"required"`
}

// User identifies the signed-in mailbox owner.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ListItem is the compact form of an email shown in the triaged inbox.
type ListItem struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	SenderName       string `json:"sender_name"`
	SenderEmail      string `json:"sender_email"`
	BodyPreview      string `json:"body_preview"`
	Summary          string `json:"summary"`
	ReceivedDateTime string `json:"received_datetime"`
	Importance       string `json:"importance"`
	HasAttachments   bool   `json:"has_attachments"`
	Tier             int    `json:"tier"`
	TierName         string `json:"tier_name"`
}

// ToListItem projects e for the inbox list; unclassified emails are shown
// as the default tier.
func (e *Email) ToListItem() ListItem {
	tier := e.Tier
	if tier == TierUnset {
		tier = TierDefault
	}
	return ListItem{
		ID:               e.ID,
		Subject:          e.Subject,
		SenderName:       e.SenderName,
		SenderEmail:      e.SenderEmail,
		BodyPreview:      e.BodyPreview,
		Summary:          e.Summary,
		ReceivedDateTime: e.ReceivedDateTime,
		Importance:       e.Importance,
		HasAttachments:   e.HasAttachments,
		Tier:             int(tier),
		TierName:         tier.String(),
	}
}

// FilterSummary counts what happened to the emails in a time window.
type FilterSummary struct {
	TotalInWindow    int `json:"total_in_window"`
	Actionable       int `json:"actionable"`
	CalendarInvites  int `json:"calendar_invites"`
	BlockedSenders   int `json:"blocked_senders"`
	AlreadyResponded int `json:"already_responded"`
	AlreadyRead      int `json:"already_read"`
}
