package agent

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mailtriage/email-agent/pkg/llm"
	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/metrics"
	"github.com/mailtriage/email-agent/pkg/models"
)

// Default token limits and summary fan-out.
const (
	DefaultMaxTokensSummary   = 200
	DefaultMaxTokensDraft     = 500
	DefaultSummaryConcurrency = 5
)

// EngineConfig holds the engine's limits.
type EngineConfig struct {
	MaxTokensSummary   int
	MaxTokensDraft     int
	SummaryConcurrency int
}

// FilteredEmail is an email removed from triage along with the reason.
type FilteredEmail struct {
	Email  *models.Email
	Result models.FilterResult
}

// DraftInput is everything needed to draft a reply.
type DraftInput struct {
	Email *models.Email
	// SentToSender are the user's past emails to this sender.
	SentToSender []models.SentEmail
	// AllSent are recent emails to anyone, used when SentToSender is empty.
	AllSent           []models.SentEmail
	UserName          string
	KeyPoints         string
	AdditionalContext string
}

// Engine classifies, summarizes and drafts replies to emails. It never
// talks to the mailbox itself.
type Engine struct {
	tiers   TierLookup
	llm     llm.Completer
	cfg     EngineConfig
	logger  *logging.Logger
	audit   *logging.Auditor
	metrics *metrics.Metrics
}

// NewEngine builds an engine. Zero limits take the defaults.
func NewEngine(tiers TierLookup, completer llm.Completer, cfg EngineConfig, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxTokensSummary <= 0 {
		cfg.MaxTokensSummary = DefaultMaxTokensSummary
	}
	if cfg.MaxTokensDraft <= 0 {
		cfg.MaxTokensDraft = DefaultMaxTokensDraft
	}
	if cfg.SummaryConcurrency <= 0 {
		cfg.SummaryConcurrency = DefaultSummaryConcurrency
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("agent")
	logger.Info("agent_engine.initialized")
	return &Engine{
		tiers:   tiers,
		llm:     completer,
		cfg:     cfg,
		logger:  logger,
		audit:   logging.NewAuditor(logger),
		metrics: m,
	}
}

// ProcessInbox filters emails and assigns tiers to the rest. Actionable
// emails come back sorted by tier, keeping mailbox order within a tier.
func (e *Engine) ProcessInbox(ctx context.Context, emails []*models.Email) ([]*models.Email, []FilteredEmail) {
	var actionable []*models.Email
	var filtered []FilteredEmail
	reasons := map[string]int{}

	for _, email := range emails {
		res := CheckFilters(email, e.tiers)
		if res.Filtered {
			filtered = append(filtered, FilteredEmail{Email: email, Result: res})
			reasons[res.Reason]++
			e.audit.Info(ctx, "email.filtered", map[string]interface{}{
				"email_id": email.ID,
				"reason":   res.Reason,
			})
			continue
		}

		email.Tier = e.tiers.Tier(email.SenderEmail)
		actionable = append(actionable, email)
		e.audit.Info(ctx, "email.classified", map[string]interface{}{
			"email_id":  email.ID,
			"tier":      int(email.Tier),
			"tier_name": email.Tier.String(),
		})
	}

	sort.SliceStable(actionable, func(i, j int) bool {
		return actionable[i].Tier < actionable[j].Tier
	})

	for reason, n := range reasons {
		e.metrics.RecordTriage(reason, n)
	}

	e.audit.Info(ctx, "inbox.processed", map[string]interface{}{
		"total_emails":     len(emails),
		"actionable_count": len(actionable),
		"filtered_count":   len(filtered),
	})
	return actionable, filtered
}

// SummarizeEmail sets and returns a 2-3 sentence summary of email. LLM
// failures produce a generic one-liner instead of an error.
func (e *Engine) SummarizeEmail(ctx context.Context, email *models.Email) string {
	system, user := SummarizePrompts(email)
	res, err := e.llm.Complete(ctx, llm.Request{
		System:    system,
		User:      user,
		MaxTokens: e.cfg.MaxTokensSummary,
		Purpose:   "summarize",
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("email.summarize_failed", map[string]interface{}{
			"email_id": email.ID,
		})
		email.Summary = fmt.Sprintf("Email from %s regarding %s", email.SenderName, email.Subject)
		return email.Summary
	}

	email.Summary = ParseSummary(res.Text)
	e.audit.Info(ctx, "email.summarized", map[string]interface{}{
		"email_id":      email.ID,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"cost_usd":      roundCost(res.Cost),
		"latency_ms":    res.Latency.Milliseconds(),
	})
	return email.Summary
}

// SummarizeBatch summarizes emails concurrently, at most
// SummaryConcurrency at a time. Every email ends up with a summary.
func (e *Engine) SummarizeBatch(ctx context.Context, emails []*models.Email) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SummaryConcurrency)
	for _, email := range emails {
		email := email
		g.Go(func() error {
			e.SummarizeEmail(gctx, email)
			return nil
		})
	}
	_ = g.Wait()
}

// DraftReply drafts a reply in the user's voice. Style examples come from
// past mail to the sender when there is any, otherwise from recent sent
// mail. LLM failures return a short holding reply.
func (e *Engine) DraftReply(ctx context.Context, in DraftInput) *models.DraftResponse {
	email := in.Email

	source, examples := models.StyleNone, []models.SentEmail(nil)
	switch {
	case len(in.SentToSender) > 0:
		source, examples = models.StyleSpecific, in.SentToSender
	case len(in.AllSent) > 0:
		source, examples = models.StyleGeneral, in.AllSent
	}
	styleContext := FormatStyleContext(examples, DefaultStyleContextChars)
	styleBlock := BuildStyleBlock(source, styleContext, in.UserName)

	system, user := DraftPrompts(email, in.UserName, in.KeyPoints, in.AdditionalContext, styleBlock)
	res, err := e.llm.Complete(ctx, llm.Request{
		System:    system,
		User:      user,
		MaxTokens: e.cfg.MaxTokensDraft,
		Purpose:   "draft",
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("draft.failed", map[string]interface{}{
			"email_id":     email.ID,
			"style_source": source,
		})
		fallback := EnsureDisclaimer(
			fmt.Sprintf("Thank you for your email regarding %s. I will review and respond accordingly.", email.Subject),
			in.UserName,
		)
		email.Draft = fallback
		return &models.DraftResponse{Draft: fallback, StyleSource: models.StyleNone}
	}

	draft := EnsureDisclaimer(res.Text, in.UserName)
	email.Draft = draft
	email.StyleSource = source
	email.StyleEmailCount = len(examples)

	e.audit.Info(ctx, "draft.generated", map[string]interface{}{
		"email_id":          email.ID,
		"style_source":      source,
		"style_email_count": len(examples),
		"input_tokens":      res.InputTokens,
		"output_tokens":     res.OutputTokens,
		"cost_usd":          roundCost(res.Cost),
		"latency_ms":        res.Latency.Milliseconds(),
	})

	return &models.DraftResponse{
		Draft:           draft,
		StyleSource:     source,
		StyleEmailCount: len(examples),
		TokensUsed:      res.TotalTokens,
	}
}

func roundCost(c float64) float64 {
	return math.Round(c*1e6) / 1e6
}
