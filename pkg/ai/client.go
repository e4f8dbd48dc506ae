// Package ai generates pull-request feedback and change documentation
// through a hosted text-generation API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/devsync/pkg/ratelimit"
	"github.com/haasonsaas/devsync/pkg/retry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.vercel.com/v1/ai"

	// RateLimitKey is the single limiter key shared by every outbound call.
	RateLimitKey = "ai_service"

	MaxTitleLength       = 200
	MaxDescriptionLength = 4000
	MaxDiffLength        = 8000

	feedbackMaxTokens = 1024
	documentMaxTokens = 2048
	temperature       = 0.7

	fallbackText = "No response could be generated. Please try again."
	tracerName   = "github.com/haasonsaas/devsync/pkg/ai"
)

var (
	ErrRateLimited     = errors.New("AI service rate limit exceeded")
	ErrUpstream        = errors.New("AI service request failed")
	ErrUpstreamTimeout = errors.New("AI service timed out")
)

// RateLimitError reports a call refused by the client's own limiter.
type RateLimitError struct {
	ResetIn   time.Duration
	HasReset  bool
	Remaining int
}

func (e *RateLimitError) Error() string {
	if e.HasReset {
		return fmt.Sprintf("%s (resets in %.1fs)", ErrRateLimited, e.ResetIn.Seconds())
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ContentTooLargeError is returned when input exceeds the accepted size.
type ContentTooLargeError struct {
	Length int
	Limit  int
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("content of %d characters exceeds the %d character limit", e.Length, e.Limit)
}

type DocKind string

const (
	KindTechnical    DocKind = "technical"
	KindNonTechnical DocKind = "non-technical"
)

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	retrier *retry.Retrier
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithRetrier(r *retry.Retrier) Option {
	return func(c *Client) { c.retrier = r }
}

// NewClient requires a limiter; every attempt against the API, retries
// included, consumes one admission under RateLimitKey.
func NewClient(apiKey string, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("AI API key is not set")
	}
	if limiter == nil {
		return nil, errors.New("AI rate limiter is required")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Limiter exposes the outbound limiter for diagnostics.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// PullRequestFeedback asks for a structured review of a pull request.
// Oversized titles and descriptions are truncated rather than rejected.
func (c *Client) PullRequestFeedback(ctx context.Context, title, description string) (string, error) {
	if n := utf8.RuneCountInString(description); n > MaxDescriptionLength {
		log.Warn().Int("length", n).Msg("PR description truncated")
		description = truncate(description, MaxDescriptionLength)
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		log.Warn().Int("length", n).Msg("PR title truncated")
		title = truncate(title, MaxTitleLength)
	}
	log.Info().Str("title", title).Msg("Generating PR feedback")
	return c.generate(ctx, "ai.pull_request_feedback", feedbackPrompt(title, description), feedbackMaxTokens)
}

// Document writes technical or stakeholder documentation for a diff.
func (c *Client) Document(ctx context.Context, diff string, kind DocKind) (string, error) {
	if n := utf8.RuneCountInString(diff); n > MaxDiffLength {
		return "", &ContentTooLargeError{Length: n, Limit: MaxDiffLength}
	}
	var prompt string
	switch kind {
	case KindTechnical:
		prompt = technicalPrompt(diff)
	case KindNonTechnical:
		prompt = nonTechnicalPrompt(diff)
	default:
		return "", fmt.Errorf("unknown document kind %q", kind)
	}
	log.Info().Str("kind", string(kind)).Msg("Generating documentation")
	return c.generate(ctx, "ai.document", prompt, documentMaxTokens)
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (c *Client) generate(ctx context.Context, spanName, prompt string, maxTokens int) (string, error) {
	payload, err := json.Marshal(generateRequest{Prompt: prompt, MaxTokens: maxTokens, Temperature: temperature})
	if err != nil {
		return "", err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("ai.max_tokens", maxTokens), attribute.Int("ai.prompt_length", len(prompt)))

	var text string
	err = c.retrier.Do(ctx, func() error {
		if ok, q := c.limiter.Take(RateLimitKey); !ok {
			return &RateLimitError{ResetIn: q.ResetIn, HasReset: q.Resets, Remaining: q.Remaining}
		}
		out, err := c.post(ctx, payload)
		if err != nil {
			return err
		}
		text = out
		return nil
	}, retry.IsRetryableHTTP)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classify(err)
	}

	if strings.TrimSpace(text) == "" {
		log.Warn().Msg("AI service returned an empty response")
		return fallbackText, nil
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("AI API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retry.IsRetryableStatus(resp) {
			return "", retry.StatusError{Status: resp.StatusCode, Cause: statusErr}
		}
		return "", statusErr
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode AI response: %w", err)
	}
	return out.Text, nil
}

// classify maps transport failures onto the package sentinels.
func classify(err error) error {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// truncate keeps the first limit characters of s and marks the cut.
func truncate(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
