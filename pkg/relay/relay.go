// Package relay turns parsed GitHub events into Jira transitions and
// AI-written pull-request comments.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/devsync/pkg/ai"
	"github.com/haasonsaas/devsync/pkg/github"
	"github.com/haasonsaas/devsync/pkg/jira"
	"github.com/haasonsaas/devsync/pkg/webhook"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/haasonsaas/devsync/pkg/relay"

const (
	MessageProcessed = "Webhook processed successfully"
	MessageNoIssue   = "No Jira ID found in PR title"
)

type IssueTracker interface {
	TransitionIssue(ctx context.Context, key, status string) error
}

type CodeHost interface {
	PullRequestDiff(ctx context.Context, repo string, number int) (string, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (*github.Comment, error)
}

type Writer interface {
	PullRequestFeedback(ctx context.Context, title, description string) (string, error)
	Document(ctx context.Context, diff string, kind ai.DocKind) (string, error)
}

// Transitions names the Jira status reached on each event.
type Transitions struct {
	BranchCreated     string
	PullRequestOpened string
	PullRequestMerged string
}

func DefaultTransitions() Transitions {
	return Transitions{
		BranchCreated:     "In Progress",
		PullRequestOpened: "In Review",
		PullRequestMerged: "Completed",
	}
}

// Outcome describes what Handle did with an event.
type Outcome struct {
	Message    string
	IssueKey   string
	Transition string
	Commented  bool
	Skipped    bool
}

type Relay struct {
	jira        IssueTracker
	github      CodeHost
	writer      Writer
	transitions Transitions
	logger      zerolog.Logger
}

func New(tracker IssueTracker, host CodeHost, writer Writer, transitions Transitions, logger zerolog.Logger) *Relay {
	def := DefaultTransitions()
	if transitions.BranchCreated == "" {
		transitions.BranchCreated = def.BranchCreated
	}
	if transitions.PullRequestOpened == "" {
		transitions.PullRequestOpened = def.PullRequestOpened
	}
	if transitions.PullRequestMerged == "" {
		transitions.PullRequestMerged = def.PullRequestMerged
	}
	return &Relay{
		jira:        tracker,
		github:      host,
		writer:      writer,
		transitions: transitions,
		logger:      logger.With().Str("component", "relay").Logger(),
	}
}

// Handle processes one delivery. Errors from the AI client's limiter are
// returned unwrapped enough for errors.As(*ai.RateLimitError).
func (r *Relay) Handle(ctx context.Context, event webhook.Event) (Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("github.event", event.Name),
		attribute.String("github.action", event.Action),
		attribute.String("github.repo", event.Repository),
	)

	var (
		out Outcome
		err error
	)
	switch event.Kind {
	case webhook.KindBranchCreated:
		out, err = r.branchCreated(ctx, event)
	case webhook.KindPullRequest:
		out, err = r.pullRequest(ctx, event)
	default:
		out = Outcome{Message: MessageProcessed, Skipped: true}
	}
	if out.IssueKey != "" {
		span.SetAttributes(attribute.String("jira.issue", out.IssueKey))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (r *Relay) branchCreated(ctx context.Context, event webhook.Event) (Outcome, error) {
	key := webhook.ExtractIssueKey(event.Ref)
	if key == "" {
		r.logger.Debug().Str("branch", event.Ref).Msg("Branch has no issue key")
		return Outcome{Message: MessageProcessed, Skipped: true}, nil
	}
	out := Outcome{Message: MessageProcessed, IssueKey: key}
	r.logger.Info().Str("issue", key).Str("branch", event.Ref).Msg("Branch created")
	if err := r.transition(ctx, key, r.transitions.BranchCreated, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Relay) pullRequest(ctx context.Context, event webhook.Event) (Outcome, error) {
	pr := event.PullRequest
	key := webhook.ExtractIssueKey(pr.Title)
	if key == "" {
		r.logger.Info().Int("pr", pr.Number).Msg("No issue key in PR title")
		return Outcome{Message: MessageNoIssue, Skipped: true}, nil
	}
	out := Outcome{Message: MessageProcessed, IssueKey: key}

	switch {
	case event.Action == "opened":
		r.logger.Info().Str("issue", key).Int("pr", pr.Number).Msg("Pull request opened")
		if err := r.transition(ctx, key, r.transitions.PullRequestOpened, &out); err != nil {
			return out, err
		}
		feedback, err := r.writer.PullRequestFeedback(ctx, pr.Title, pr.Body)
		if err != nil {
			return out, fmt.Errorf("generate PR feedback: %w", err)
		}
		if err := r.comment(ctx, event, feedback, &out); err != nil {
			return out, err
		}
	case event.Action == "closed" && pr.Merged:
		r.logger.Info().Str("issue", key).Int("pr", pr.Number).Msg("Pull request merged")
		if err := r.transition(ctx, key, r.transitions.PullRequestMerged, &out); err != nil {
			return out, err
		}
		diff, err := r.github.PullRequestDiff(ctx, event.Repository, pr.Number)
		if err != nil {
			return out, fmt.Errorf("fetch PR diff: %w", err)
		}
		body, err := r.documentation(ctx, diff)
		if err != nil {
			return out, err
		}
		if err := r.comment(ctx, event, body, &out); err != nil {
			return out, err
		}
	default:
		out.Skipped = true
	}
	return out, nil
}

func (r *Relay) documentation(ctx context.Context, diff string) (string, error) {
	technical, err := r.writer.Document(ctx, diff, ai.KindTechnical)
	var tooLarge *ai.ContentTooLargeError
	if errors.As(err, &tooLarge) {
		r.logger.Warn().Int("length", tooLarge.Length).Msg("Diff too large for documentation")
		return fmt.Sprintf("Documentation was not generated: the diff has %d characters, above the %d character limit.",
			tooLarge.Length, tooLarge.Limit), nil
	}
	if err != nil {
		return "", fmt.Errorf("generate technical documentation: %w", err)
	}
	nonTechnical, err := r.writer.Document(ctx, diff, ai.KindNonTechnical)
	if err != nil {
		return "", fmt.Errorf("generate non-technical documentation: %w", err)
	}
	return FormatDocumentation(technical, nonTechnical), nil
}

// FormatDocumentation renders the merged-PR comment body.
func FormatDocumentation(technical, nonTechnical string) string {
	return "## Technical Documentation\n\n" + technical + "\n\n## Non-Technical Documentation\n\n" + nonTechnical
}

// transition ignores a missing workflow step; the issue may already be there.
func (r *Relay) transition(ctx context.Context, key, status string, out *Outcome) error {
	err := r.jira.TransitionIssue(ctx, key, status)
	if errors.Is(err, jira.ErrTransitionNotFound) {
		r.logger.Warn().Str("issue", key).Str("status", status).Msg("Transition not available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %s to %q: %w", key, status, err)
	}
	out.Transition = status
	return nil
}

func (r *Relay) comment(ctx context.Context, event webhook.Event, body string, out *Outcome) error {
	if _, err := r.github.CreateComment(ctx, event.Repository, event.PullRequest.Number, body); err != nil {
		return fmt.Errorf("post PR comment: %w", err)
	}
	out.Commented = true
	return nil
}
