package agent

import (
	"regexp"
	"strings"

	"github.com/mailtriage/email-agent/pkg/models"
)

// Prompt templates. Placeholders are {name}; fill them with render, which
// substitutes in a single pass so email text containing braces is left
// alone.
const (
	summarizeSystem = "You are an email assistant that summarizes emails concisely. " +
		"Always respond in the exact format requested. " +
		"Be direct and factual — no filler phrases."

	draftSystem = "You are {user_name}'s email assistant. " +
		"Your ONLY job is to draft email responses. " +
		"NEVER ask for clarification or say you need more information. " +
		"ALWAYS output a ready-to-send email draft based on whatever information is provided. " +
		"Be professional, concise, and helpful."

	summarizeUser = `Summarize the following email in 2-3 sentences:

Email Subject: {subject}
Sender: {sender_name}
Importance (from Outlook): {importance}
Preview: {body_preview}

Respond in this exact format:
SUMMARY: [2-3 sentence summary]`

	draftUser = `Draft an email response to the following email.

Original Email:
Subject: {subject}
From: {sender_name}
Body: {body}

Additional guidance (if any):
- Key points: {key_points}
- Context: {additional_context}
{style_block}
IMPORTANT: You MUST draft the email response now. Do not ask for clarification ` +
		`or more information. Work with what you have. If the email body is truncated, ` +
		`respond to what's visible. If no key points are specified, draft a professional, ` +
		`helpful response based on the email content.

Output ONLY the email body text. No subject line, no "Dear X" greeting unless ` +
		`appropriate, no "Best regards" signature unless the style examples show ` +
		`{user_name} uses them.`

	styleBlockSpecific = `
--- {user_name_upper}'S PAST EMAILS TO THIS PERSON (use for style/tone guidance) ---
{style_context}
--- END PAST EMAILS ---

Match {user_name}'s tone, style, and formatting from the examples above. ` +
		`This shows how {user_name} typically communicates with THIS specific person. ` +
		`Do NOT add sign-offs like 'Best regards' unless {user_name} typically uses them.`

	styleBlockGeneral = `
--- {user_name_upper}'S RECENT SENT EMAILS (use for general style/tone guidance) ---
{style_context}
--- END PAST EMAILS ---

These are {user_name}'s recent emails to various people. Use them to understand ` +
		`their general writing style, tone, and formatting preferences. Adapt the tone ` +
		`appropriately for the current recipient. ` +
		`Do NOT add sign-offs like 'Best regards' unless {user_name} typically uses them.`
)

const (
	defaultKeyPoints = "None specified - use your judgment"
	defaultContext   = "None specified"

	// DefaultStyleContextChars bounds the style examples sent per draft.
	DefaultStyleContextChars = 6000

	summaryPreviewRunes = 500
)

func render(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// SummarizePrompts returns the system and user prompts for summarizing e.
func SummarizePrompts(e *models.Email) (system, user string) {
	return summarizeSystem, render(summarizeUser, map[string]string{
		"subject":      e.Subject,
		"sender_name":  e.SenderName,
		"importance":   e.Importance,
		"body_preview": truncateRunes(e.BodyPreview, summaryPreviewRunes),
	})
}

// DraftPrompts returns the system and user prompts for replying to e.
func DraftPrompts(e *models.Email, userName, keyPoints, additionalContext, styleBlock string) (system, user string) {
	if keyPoints == "" {
		keyPoints = defaultKeyPoints
	}
	if additionalContext == "" {
		additionalContext = defaultContext
	}
	body := e.Body
	if body == "" {
		body = e.BodyPreview
	}
	system = render(draftSystem, map[string]string{"user_name": userName})
	user = render(draftUser, map[string]string{
		"subject":            e.Subject,
		"sender_name":        e.SenderName,
		"body":               body,
		"key_points":         keyPoints,
		"additional_context": additionalContext,
		"style_block":        styleBlock,
		"user_name":          userName,
	})
	return system, user
}

// ParseSummary extracts the text after "SUMMARY:" up to the first blank
// line. Responses without the marker are returned trimmed.
func ParseSummary(raw string) string {
	_, after, found := strings.Cut(raw, "SUMMARY:")
	if !found {
		return strings.TrimSpace(raw)
	}
	after = strings.TrimSpace(after)
	first, _, _ := strings.Cut(after, "\n\n")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return after
}

// BuildStyleBlock returns the style section for the draft prompt, or "" when
// there is no context to show.
func BuildStyleBlock(source, styleContext, userName string) string {
	if styleContext == "" {
		return ""
	}
	vars := map[string]string{
		"user_name_upper": strings.ToUpper(userName),
		"user_name":       userName,
		"style_context":   styleContext,
	}
	switch source {
	case models.StyleSpecific:
		return render(styleBlockSpecific, vars)
	case models.StyleGeneral:
		return render(styleBlockGeneral, vars)
	default:
		return ""
	}
}

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// FormatStyleContext condenses sent emails into at most maxChars of
// "---\nSubject: ...\n<body>\n" entries. Bodies fall back to the preview,
// have HTML tags removed, and empty ones are skipped. The first entry that
// would overflow stops the scan.
func FormatStyleContext(sent []models.SentEmail, maxChars int) string {
	var parts []string
	total := 0
	for _, s := range sent {
		body := s.Body
		if body == "" {
			body = s.BodyPreview
		}
		body = strings.TrimSpace(htmlTag.ReplaceAllString(body, ""))
		if body == "" {
			continue
		}

		subject := s.Subject
		if subject == "" {
			subject = "No Subject"
		}
		entry := "---\nSubject: " + subject + "\n" + body + "\n"

		n := len([]rune(entry))
		if total+n > maxChars {
			break
		}
		parts = append(parts, entry)
		total += n
	}
	return strings.Join(parts, "\n")
}

// Disclaimer is the line appended to every drafted reply.
func Disclaimer(userName string) string {
	return "Note: This response was AI-generated and reviewed by " + userName
}

// EnsureDisclaimer appends the italic disclaimer unless the draft already
// mentions being AI-generated.
func EnsureDisclaimer(draft, userName string) string {
	if strings.Contains(strings.ToLower(draft), "ai-generated") {
		return draft
	}
	return draft + "\n\n*" + Disclaimer(userName) + "*"
}
