package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/metrics"
	"github.com/mailtriage/email-agent/pkg/retry"
	"github.com/mailtriage/email-agent/pkg/tracing"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultBaseURL      = "https://api.anthropic.com"
	messagesPath        = "/v1/messages"
)

// ErrLLM marks every failure returned by Complete. Callers that have a
// non-LLM fallback check for it with errors.Is.
var ErrLLM = errors.New("llm error")

// Completer is anything that can run a single-turn completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Request is one system+user prompt pair.
type Request struct {
	System    string
	User      string
	MaxTokens int
	Purpose   string // "summarize", "draft"; used for logs and metrics
}

// Result is the completion text plus usage and cost.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	InputCost    float64
	OutputCost   float64
	Cost         float64
	Latency      time.Duration
	Model        string
}

// Stats are running totals since start or the last ResetStats.
type Stats struct {
	TotalCost    float64 `json:"total_cost_usd"`
	InputTokens  int     `json:"total_input_tokens"`
	OutputTokens int     `json:"total_output_tokens"`
	Calls        int     `json:"total_calls"`
	Model        string  `json:"model"`
}

// Options configure a Client.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	// Backoff between retried attempts; the default waits 2s, 4s, 8s...
	// capped at 30s.
	Backoff retry.Config
	// RequestsPerSecond throttles outbound calls; zero disables it.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

// Client calls the Anthropic Messages API.
type Client struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	retry    retry.Config
	limiter  *rate.Limiter
	price    Price
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	stats Stats
}

// New builds a client. The API key is required.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.InitialBackoff <= 0 {
		opts.Backoff = retry.Config{InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}
	}
	opts.Backoff.MaxAttempts = opts.MaxAttempts
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	c := &Client{
		apiKey:   opts.APIKey,
		model:    opts.Model,
		endpoint: strings.TrimRight(opts.BaseURL, "/") + messagesPath,
		http:     opts.HTTPClient,
		retry:    opts.Backoff,
		price:    PriceFor(opts.Model),
		logger:   opts.Logger.Named("llm"),
		metrics:  opts.Metrics,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(math.Max(1, math.Ceil(opts.RequestsPerSecond))))
	}
	return c, nil
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusError is a non-2xx API response.
type statusError struct {
	code    int
	errType string
	message string
}

func (e *statusError) Error() string {
	if e.errType != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.code, e.errType, e.message)
	}
	return fmt.Sprintf("HTTP %d", e.code)
}

func (e *statusError) StatusCode() int { return e.code }

// Complete runs req with retries: throttling, 5xx and connection failures
// back off and retry, timeouts retry at once, other 4xx fail immediately.
// Prompt and response text are never logged.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete",
		attribute.String("llm.purpose", req.Purpose),
		attribute.String("llm.model", c.model),
	)

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.User}},
	})
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("%w: encode request: %w", ErrLLM, err)
	}

	log := c.logger.WithContext(ctx)
	var result *Result
	err = retry.Do(ctx, c.retry, func(attempt int) error {
		res, err := c.attempt(ctx, body, req.Purpose, attempt, log)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			log.Error("llm.call.failed", map[string]interface{}{
				"purpose":      req.Purpose,
				"max_attempts": exhausted.Attempts,
				"error":        exhausted.Err.Error(),
			})
			c.metrics.RecordLLMCall(req.Purpose, "failed", 0, 0, 0)
			err = fmt.Errorf("%w: LLM call failed after %d attempts: %w", ErrLLM, exhausted.Attempts, exhausted.Err)
		} else if !errors.Is(err, ErrLLM) {
			err = fmt.Errorf("%w: %w", ErrLLM, err)
		}
		tracing.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", result.InputTokens),
		attribute.Int("llm.output_tokens", result.OutputTokens),
	)
	tracing.EndSpan(span, nil)
	return result, nil
}

func (c *Client) attempt(ctx context.Context, body []byte, purpose string, attempt int, log *logging.Logger) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: build request: %w", ErrLLM, err))
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		if isTimeout(err) {
			log.Warn("llm.call.timeout", map[string]interface{}{
				"purpose":         purpose,
				"attempt":         attempt,
				"latency_ms":      latency.Milliseconds(),
				"timeout_seconds": c.http.Timeout.Seconds(),
			})
			c.metrics.RecordLLMCall(purpose, "timeout", 0, 0, 0)
			return nil, retry.Immediate(err)
		}
		log.Warn("llm.call.connection_error", map[string]interface{}{
			"purpose":      purpose,
			"attempt":      attempt,
			"wait_seconds": c.retry.Backoff(attempt).Seconds(),
			"error":        err.Error(),
		})
		c.metrics.RecordLLMCall(purpose, "connection_error", 0, 0, 0)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		serr := &statusError{code: resp.StatusCode}
		var apiErr apiErrorBody
		if json.Unmarshal(data, &apiErr) == nil {
			serr.errType = apiErr.Error.Type
			serr.message = apiErr.Error.Message
		}
		return nil, c.classifyStatus(serr, purpose, attempt, log)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: decode response: %w", ErrLLM, err))
	}

	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			text = block.Text
			break
		}
	}

	in, out := parsed.Usage.InputTokens, parsed.Usage.OutputTokens
	inCost, outCost := c.price.Cost(in, out)
	result := &Result{
		Text:         strings.TrimSpace(text),
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		InputCost:    inCost,
		OutputCost:   outCost,
		Cost:         inCost + outCost,
		Latency:      latency,
		Model:        c.model,
	}

	stats := c.addStats(result)
	c.metrics.RecordLLMCall(purpose, "success", in, out, result.Cost)
	log.Info("llm.call.success", map[string]interface{}{
		"purpose":                purpose,
		"attempt":                attempt,
		"model":                  c.model,
		"input_tokens":           in,
		"output_tokens":          out,
		"cost_usd":               math.Round(result.Cost*1e6) / 1e6,
		"latency_ms":             latency.Milliseconds(),
		"session_total_cost_usd": math.Round(stats.TotalCost*1e4) / 1e4,
		"session_call_count":     stats.Calls,
	})
	return result, nil
}

func (c *Client) classifyStatus(serr *statusError, purpose string, attempt int, log *logging.Logger) error {
	switch {
	case serr.code == http.StatusTooManyRequests:
		log.Warn("llm.call.rate_limited", map[string]interface{}{
			"purpose":      purpose,
			"attempt":      attempt,
			"wait_seconds": c.retry.Backoff(attempt).Seconds(),
		})
		c.metrics.RecordLLMCall(purpose, "rate_limited", 0, 0, 0)
		return serr
	case serr.code >= 500:
		log.Warn("llm.call.server_error", map[string]interface{}{
			"purpose":      purpose,
			"attempt":      attempt,
			"status_code":  serr.code,
			"wait_seconds": c.retry.Backoff(attempt).Seconds(),
		})
		c.metrics.RecordLLMCall(purpose, "server_error", 0, 0, 0)
		return serr
	default:
		log.Error("llm.call.client_error", map[string]interface{}{
			"purpose":     purpose,
			"attempt":     attempt,
			"status_code": serr.code,
			"error":       serr.Error(),
		})
		c.metrics.RecordLLMCall(purpose, "client_error", 0, 0, 0)
		return retry.Permanent(fmt.Errorf("%w: Anthropic API error (%w)", ErrLLM, serr))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) addStats(r *Result) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalCost += r.Cost
	c.stats.InputTokens += r.InputTokens
	c.stats.OutputTokens += r.OutputTokens
	c.stats.Calls++
	return c.stats
}

// Stats returns the running totals.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Model = c.model
	return st
}

// ResetStats zeroes the running totals.
func (c *Client) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}
