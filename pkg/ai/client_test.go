package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/devsync/pkg/ratelimit"
	"github.com/haasonsaas/devsync/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, maxCalls int) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(maxCalls, time.Minute)
	require.NoError(t, err)
	return l
}

func newTestClient(t *testing.T, limiter *ratelimit.Limiter, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client())}, opts...)
	c, err := NewClient("ai-key", limiter, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", newLimiter(t, 1))
	require.Error(t, err)
	_, err = NewClient("k", nil)
	require.Error(t, err)
}

func TestPullRequestFeedbackRequest(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer ai-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"text":"LGTM with nits"}`))
	})

	out, err := client.PullRequestFeedback(context.Background(), "ABC-1 add login", "adds a login form")
	require.NoError(t, err)
	require.Equal(t, "LGTM with nits", out)
	require.Equal(t, feedbackMaxTokens, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Contains(t, got.Prompt, "Title: ABC-1 add login")
	require.Contains(t, got.Prompt, "Description: adds a login form")
}

func TestPullRequestFeedbackTruncatesInput(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	})

	title := strings.Repeat("t", MaxTitleLength+50)
	body := strings.Repeat("b", MaxDescriptionLength+1)
	_, err := client.PullRequestFeedback(context.Background(), title, body)
	require.NoError(t, err)
	require.Contains(t, got.Prompt, "Title: "+strings.Repeat("t", MaxTitleLength)+"...\n")
	require.Contains(t, got.Prompt, "Description: "+strings.Repeat("b", MaxDescriptionLength)+"...\n")
}

func TestDocumentRejectsLargeDiff(t *testing.T) {
	var calls atomic.Int32
	limiter := newLimiter(t, 10)
	client := newTestClient(t, limiter, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.Document(context.Background(), strings.Repeat("x", MaxDiffLength+1), KindTechnical)
	var tooLarge *ContentTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, MaxDiffLength, tooLarge.Limit)
	require.Zero(t, calls.Load())
	require.Equal(t, 10, limiter.Remaining(RateLimitKey))
}

func TestLengthLimitsCountCharacters(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	})

	title := strings.Repeat("é", 150)
	_, err := client.PullRequestFeedback(context.Background(), title, "corrigé")
	require.NoError(t, err)
	require.Contains(t, got.Prompt, "Title: "+title+"\n")

	long := strings.Repeat("é", MaxTitleLength+10)
	_, err = client.PullRequestFeedback(context.Background(), long, "")
	require.NoError(t, err)
	require.Contains(t, got.Prompt, "Title: "+strings.Repeat("é", MaxTitleLength)+"...\n")
	require.True(t, utf8.ValidString(got.Prompt))

	diff := strings.Repeat("ü", 5000)
	_, err = client.Document(context.Background(), diff, KindTechnical)
	require.NoError(t, err)
	require.Contains(t, got.Prompt, diff)

	_, err = client.Document(context.Background(), strings.Repeat("ü", MaxDiffLength+1), KindTechnical)
	var tooLarge *ContentTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, MaxDiffLength+1, tooLarge.Length)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "ab...", truncate("abc", 2))
	require.Equal(t, "日本...", truncate("日本語", 2))
	require.Equal(t, "...", truncate("ü", 0))
}

func TestDocumentKinds(t *testing.T) {
	var prompts []string
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, documentMaxTokens, req.MaxTokens)
		prompts = append(prompts, req.Prompt)
		_, _ = w.Write([]byte(`{"text":"docs"}`))
	})

	_, err := client.Document(context.Background(), "+x := 1", KindTechnical)
	require.NoError(t, err)
	_, err = client.Document(context.Background(), "+x := 1", KindNonTechnical)
	require.NoError(t, err)
	_, err = client.Document(context.Background(), "+x := 1", DocKind("poem"))
	require.Error(t, err)

	require.Len(t, prompts, 2)
	require.Contains(t, prompts[0], "software architect")
	require.Contains(t, prompts[1], "non-technical stakeholders")
}

func TestEmptyResponseFallsBack(t *testing.T) {
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"  "}`))
	})

	out, err := client.PullRequestFeedback(context.Background(), "t", "b")
	require.NoError(t, err)
	require.Equal(t, fallbackText, out)
}

func TestRateLimitedLocally(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, newLimiter(t, 2), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	})

	for i := 0; i < 2; i++ {
		_, err := client.PullRequestFeedback(context.Background(), "t", "b")
		require.NoError(t, err)
	}
	_, err := client.PullRequestFeedback(context.Background(), "t", "b")
	require.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.True(t, rlErr.HasReset)
	require.Greater(t, rlErr.ResetIn, time.Duration(0))
	require.LessOrEqual(t, rlErr.ResetIn, time.Minute)
	require.Equal(t, int32(2), calls.Load())
}

func TestRetriesConsumeQuota(t *testing.T) {
	var calls atomic.Int32
	limiter := newLimiter(t, 10)
	client := newTestClient(t, limiter, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}, WithRetrier(retry.New(1, 2, 2)))

	_, err := client.PullRequestFeedback(context.Background(), "t", "b")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 8, limiter.Remaining(RateLimitKey))
}

func TestUpstreamErrors(t *testing.T) {
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	})

	_, err := client.PullRequestFeedback(context.Background(), "t", "b")
	require.ErrorIs(t, err, ErrUpstream)
	require.Contains(t, err.Error(), "bad prompt")
}

func TestUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := newTestClient(t, newLimiter(t, 10), func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))

	_, err := client.PullRequestFeedback(context.Background(), "t", "b")
	require.ErrorIs(t, err, ErrUpstreamTimeout)
}
