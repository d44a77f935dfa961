package api

import (
	"context"
	"sort"

	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/models"
)

const defaultTimeWindow = "24 hours"

type triageResult struct {
	Emails  []*models.Email
	Summary models.FilterSummary
}

// triage turns a raw inbox window into the list worth the user's time:
// filter and classify, drop VIP/important threads that already have a
// reply, drop lower tiers already read, then summarize what is left.
// Summaries are only generated for the final list.
func (s *Server) triage(ctx context.Context, mb Mailbox, window string) (*triageResult, error) {
	raw, err := mb.FetchInbox(ctx, graph.InboxQuery{
		TimeWindow: window,
		MaxEmails:  graph.DefaultMaxInbox,
	})
	if err != nil {
		return nil, err
	}

	actionable, filtered := s.engine.ProcessInbox(ctx, raw)

	var responsive, rest []*models.Email
	for _, e := range actionable {
		if e.Tier.Responsive() {
			responsive = append(responsive, e)
		} else {
			rest = append(rest, e)
		}
	}

	alreadyResponded := 0
	var convIDs []string
	for _, e := range responsive {
		if e.ConversationID != "" {
			convIDs = append(convIDs, e.ConversationID)
		}
	}
	if len(convIDs) > 0 {
		responded := mb.CheckConversationsResponded(ctx, convIDs)
		kept := responsive[:0:0]
		for _, e := range responsive {
			if responded[e.ConversationID] {
				alreadyResponded++
				continue
			}
			kept = append(kept, e)
		}
		responsive = kept
	}

	alreadyRead := 0
	var unread []*models.Email
	for _, e := range rest {
		if e.IsRead {
			alreadyRead++
			continue
		}
		unread = append(unread, e)
	}

	final := append(responsive, unread...)
	sort.SliceStable(final, func(i, j int) bool { return final[i].Tier < final[j].Tier })

	s.engine.SummarizeBatch(ctx, final)

	summary := models.FilterSummary{
		TotalInWindow:    len(raw),
		Actionable:       len(final),
		AlreadyResponded: alreadyResponded,
		AlreadyRead:      alreadyRead,
	}
	for _, f := range filtered {
		switch f.Result.Reason {
		case models.FilterReasonCalendar:
			summary.CalendarInvites++
		case models.FilterReasonSender:
			summary.BlockedSenders++
		}
	}

	s.metrics.RecordTriage("actionable", len(final))
	s.metrics.RecordTriage("already_responded", alreadyResponded)
	s.metrics.RecordTriage("already_read", alreadyRead)

	return &triageResult{Emails: final, Summary: summary}, nil
}

func timeWindow(q string) string {
	if q == "" {
		return defaultTimeWindow
	}
	return q
}
