// Package github is a small GitHub REST client for pull-request comments and diffs.
package github

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

	"github.com/haasonsaas/devsync/pkg/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.github.com"
	tracerName     = "github.com/haasonsaas/devsync/pkg/github"

	acceptJSON = "application/vnd.github.v3+json"
	acceptDiff = "application/vnd.github.v3.diff"
)

var ErrMissingRepo = errors.New("github repository is not set")

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github API returned %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL     string
	token       string
	defaultRepo string
	client      *http.Client
	retrier     *retry.Retrier
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

// WithDefaultRepo sets the owner/name used when a call passes an empty repo.
func WithDefaultRepo(repo string) Option {
	return func(c *Client) { c.defaultRepo = repo }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	DiffURL string `json:"diff_url"`
	HTMLURL string `json:"html_url"`
}

type PullRequestFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

type Comment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
}

// GetPullRequest fetches a pull request.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	err := c.call(ctx, "github.get_pull_request", http.MethodGet, repo, fmt.Sprintf("pulls/%d", number), acceptJSON, nil, func(body []byte) error {
		return json.Unmarshal(body, &pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListPullRequestFiles returns the files changed by a pull request.
func (c *Client) ListPullRequestFiles(ctx context.Context, repo string, number int) ([]PullRequestFile, error) {
	var files []PullRequestFile
	err := c.call(ctx, "github.list_pull_request_files", http.MethodGet, repo, fmt.Sprintf("pulls/%d/files", number), acceptJSON, nil, func(body []byte) error {
		return json.Unmarshal(body, &files)
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// PullRequestDiff returns the unified diff of a pull request.
func (c *Client) PullRequestDiff(ctx context.Context, repo string, number int) (string, error) {
	var diff string
	err := c.call(ctx, "github.pull_request_diff", http.MethodGet, repo, fmt.Sprintf("pulls/%d", number), acceptDiff, nil, func(body []byte) error {
		diff = string(body)
		return nil
	})
	return diff, err
}

// CreateComment posts a comment on the pull request's conversation.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, err
	}
	var comment Comment
	err = c.call(ctx, "github.create_comment", http.MethodPost, repo, fmt.Sprintf("issues/%d/comments", number), acceptJSON, payload, func(b []byte) error {
		return json.Unmarshal(b, &comment)
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) call(ctx context.Context, spanName, method, repo, path, accept string, payload []byte, decode func([]byte) error) error {
	if repo == "" {
		repo = c.defaultRepo
	}
	if repo == "" {
		return ErrMissingRepo
	}
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, repo, path)

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("github.repo", repo),
	)

	var body []byte
	err := c.retrier.Do(ctx, func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "token "+c.token)
		req.Header.Set("Accept", accept)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if retry.IsRetryableStatus(resp) {
				return retry.StatusError{Status: resp.StatusCode, Cause: apiErr}
			}
			return apiErr
		}
		body = data
		return nil
	}, retry.IsRetryableHTTP)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := decode(body); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}
