package agent

import (
	"fmt"
	"strings"

	"github.com/mailtriage/email-agent/pkg/models"
)

var calendarSubjectPrefixes = []string{
	"accepted:",
	"declined:",
	"tentative:",
	"canceled:",
	"cancelled:",
	"updated invitation:",
	"invitation:",
	"meeting request:",
	"meeting canceled:",
	"meeting cancelled:",
}

var calendarBodyPatterns = []string{
	"begin:vcalendar",
	"microsoft teams meeting",
	"join microsoft teams meeting",
	"teams.microsoft.com/l/meetup-join",
	"zoom.us/j/",
	"join zoom meeting",
	"webex.com/meet",
	"meet.google.com/",
	"calendly.com/",
	"when: ",
	"location: microsoft teams",
	"join the meeting",
	"click here to join the meeting",
}

// IsCalendarInvite reports whether e is an automated meeting message:
// Graph marked it as one, the subject has a calendar response prefix, or the
// body carries calendar data or a meeting join link. Mail that only talks
// about scheduling is kept.
func IsCalendarInvite(e *models.Email) bool {
	if e.MeetingMessageType != "" {
		return true
	}

	subject := strings.ToLower(e.Subject)
	for _, p := range calendarSubjectPrefixes {
		if strings.HasPrefix(subject, p) {
			return true
		}
	}

	body := strings.ToLower(e.Body + " " + e.BodyPreview + " " + e.BodyHTML)
	for _, p := range calendarBodyPatterns {
		if strings.Contains(body, p) {
			return true
		}
	}
	return false
}

// CheckFilters runs the sender filter, then the calendar filter.
func CheckFilters(e *models.Email, tiers TierLookup) models.FilterResult {
	if tiers.IsFilteredSender(e.SenderEmail) {
		return models.FilterResult{
			Filtered: true,
			Reason:   models.FilterReasonSender,
			Detail:   fmt.Sprintf("Blocked sender: %s (%s)", e.SenderName, e.SenderEmail),
		}
	}

	if IsCalendarInvite(e) {
		return models.FilterResult{
			Filtered: true,
			Reason:   models.FilterReasonCalendar,
			Detail:   fmt.Sprintf("Calendar invite: %s - %s", e.SenderName, truncateRunes(e.Subject, 50)),
		}
	}

	return models.FilterResult{}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
