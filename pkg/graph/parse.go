package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mailtriage/email-agent/pkg/models"
)

var unknownID atomic.Uint64

// ParseMessage converts a raw Graph message into an Email. Missing or
// oddly shaped fields fall back to defaults so one bad message never sinks
// a whole page; only input that is not a JSON object is an error.
func ParseMessage(raw json.RawMessage) (*models.Email, error) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("parse message: not an object")
	}

	sender := object(msg["sender"])
	addr := object(sender["emailAddress"])

	body := object(msg["body"])
	content := str(body["content"])
	preview := str(msg["bodyPreview"])

	e := &models.Email{
		ID:                 str(msg["id"]),
		Subject:            str(msg["subject"]),
		SenderName:         str(addr["name"]),
		SenderEmail:        str(addr["address"]),
		BodyPreview:        preview,
		ReceivedDateTime:   str(msg["receivedDateTime"]),
		Importance:         str(msg["importance"]),
		HasAttachments:     boolean(msg["hasAttachments"]),
		WebLink:            str(msg["webLink"]),
		ConversationID:     str(msg["conversationId"]),
		IsRead:             boolean(msg["isRead"]),
		MeetingMessageType: str(msg["meetingMessageType"]),
	}

	switch strings.ToLower(str(body["contentType"])) {
	case "html":
		e.BodyHTML = content
		e.Body = preview
	case "text":
		e.Body = content
	default:
		e.Body = preview
	}

	if e.ID == "" {
		e.ID = fmt.Sprintf("unknown_%d", unknownID.Add(1))
	}
	if e.Subject == "" {
		e.Subject = "No Subject"
	}
	if e.SenderName == "" {
		e.SenderName = "Unknown"
	}
	if e.Importance == "" {
		e.Importance = "normal"
	}
	return e, nil
}

func object(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func boolean(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
