// Package jira talks to the Jira Cloud REST API (v3).
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/devsync/pkg/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/devsync/pkg/jira"

var (
	ErrTransitionNotFound = errors.New("jira transition not found")
	ErrMissingProject     = errors.New("jira project key is not set")
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	email      string
	apiToken   string
	projectKey string
	client     *http.Client
	retrier    *retry.Retrier
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithRetrier(r *retry.Retrier) Option {
	return func(c *Client) { c.retrier = r }
}

func WithProjectKey(key string) Option {
	return func(c *Client) { c.projectKey = key }
}

func NewClient(baseURL, email, apiToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
	} `json:"fields"`
}

type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   struct {
		Name string `json:"name"`
	} `json:"to"`
}

// CreatedIssue is the response of CreateIssue.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, "jira.get_issue", http.MethodGet, issuePath(key), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssue creates an issue in the configured project.
func (c *Client) CreateIssue(ctx context.Context, summary, description, issueType string, labels []string) (*CreatedIssue, error) {
	if c.projectKey == "" {
		return nil, ErrMissingProject
	}
	if issueType == "" {
		issueType = "Task"
	}
	fields := map[string]any{
		"project":     map[string]string{"key": c.projectKey},
		"summary":     summary,
		"description": document(description),
		"issuetype":   map[string]string{"name": issueType},
	}
	if len(labels) > 0 {
		fields["labels"] = labels
	}
	var created CreatedIssue
	if err := c.do(ctx, "jira.create_issue", http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// AddComment appends a plain-text comment to an issue.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	return c.do(ctx, "jira.add_comment", http.MethodPost, issuePath(key)+"/comment", map[string]any{"body": document(text)}, nil)
}

// Transitions lists the transitions currently available for an issue.
func (c *Client) Transitions(ctx context.Context, key string) ([]Transition, error) {
	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := c.do(ctx, "jira.list_transitions", http.MethodGet, issuePath(key)+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// TransitionIssue moves an issue to status, matching either the transition
// name or its target status name, case-insensitively.
func (c *Client) TransitionIssue(ctx context.Context, key, status string) error {
	transitions, err := c.Transitions(ctx, key)
	if err != nil {
		return err
	}
	id := ""
	for _, t := range transitions {
		if strings.EqualFold(t.Name, status) || strings.EqualFold(t.To.Name, status) {
			id = t.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("%w: %q for %s", ErrTransitionNotFound, status, key)
	}
	payload := map[string]any{"transition": map[string]string{"id": id}}
	return c.do(ctx, "jira.transition_issue", http.MethodPost, issuePath(key)+"/transitions", payload, nil)
}

func issuePath(key string) string {
	return "/rest/api/3/issue/" + url.PathEscape(key)
}

// document wraps text in a minimal Atlassian Document Format body.
func document(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type":    "paragraph",
				"content": []any{map[string]string{"type": "text", "text": text}},
			},
		},
	}
}

func (c *Client) do(ctx context.Context, spanName, method, path string, payload, out any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("jira.path", path))

	var body []byte
	err := c.retrier.Do(ctx, func() error {
		var reqBody io.Reader
		if data != nil {
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.email, c.apiToken)
		req.Header.Set("Accept", "application/json")
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if retry.IsRetryableStatus(resp) {
				return retry.StatusError{Status: resp.StatusCode, Cause: apiErr}
			}
			return apiErr
		}
		body = raw
		return nil
	}, retry.IsRetryableHTTP)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode jira response: %w", err)
	}
	return nil
}
