// Package webhook decodes the GitHub deliveries DevSync reacts to.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Header names set by GitHub on every delivery.
const (
	EventHeader     = "X-GitHub-Event"
	SignatureHeader = "X-Hub-Signature-256"
	DeliveryHeader  = "X-GitHub-Delivery"
)

var ErrInvalidPayload = errors.New("invalid JSON payload")

var issueKeyPattern = regexp.MustCompile(`[A-Z]+-\d+`)

// ExtractIssueKey returns the first Jira issue key in text, or "".
func ExtractIssueKey(text string) string {
	return issueKeyPattern.FindString(text)
}

type Kind string

const (
	KindBranchCreated Kind = "branch_created"
	KindPullRequest   Kind = "pull_request"
	KindIgnored       Kind = "ignored"
)

// Event is the subset of a delivery the relay acts on.
type Event struct {
	Kind       Kind
	Name       string
	Repository string
	Sender     string

	// create
	Ref     string
	RefType string

	// pull_request
	Action      string
	PullRequest PullRequest
}

type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type repository struct {
	FullName string `json:"full_name"`
}

type user struct {
	Login string `json:"login"`
}

type createPayload struct {
	Ref        string     `json:"ref"`
	RefType    string     `json:"ref_type"`
	Repository repository `json:"repository"`
	Sender     user       `json:"sender"`
}

type pullRequestPayload struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  repository  `json:"repository"`
	Sender      user        `json:"sender"`
}

// Parse decodes body according to the X-GitHub-Event name. Events other than
// create and pull_request are returned with KindIgnored after a syntax check.
func Parse(eventName string, body []byte) (Event, error) {
	switch eventName {
	case "create":
		var p createPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		kind := KindIgnored
		if p.RefType == "branch" {
			kind = KindBranchCreated
		}
		return Event{
			Kind:       kind,
			Name:       eventName,
			Repository: p.Repository.FullName,
			Sender:     p.Sender.Login,
			Ref:        p.Ref,
			RefType:    p.RefType,
		}, nil
	case "pull_request":
		var p pullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.PullRequest.Number == 0 {
			p.PullRequest.Number = p.Number
		}
		return Event{
			Kind:        KindPullRequest,
			Name:        eventName,
			Repository:  p.Repository.FullName,
			Sender:      p.Sender.Login,
			Action:      p.Action,
			PullRequest: p.PullRequest,
		}, nil
	default:
		if !json.Valid(body) {
			return Event{}, ErrInvalidPayload
		}
		return Event{Kind: KindIgnored, Name: eventName}, nil
	}
}
