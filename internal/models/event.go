package models

import "encoding/json"

// EventType is the normalized, internal classification of a webhook
// delivery or a synthetic event raised by the core itself.
type EventType string

const (
	EventIssueOpened   EventType = "issue_opened"
	EventIssueClosed   EventType = "issue_closed"
	EventIssueAssigned EventType = "issue_assigned"
	EventIssueLabeled  EventType = "issue_labeled"
	EventIssueComment  EventType = "issue_comment"

	EventPROpened               EventType = "pr_opened"
	EventPRClosed                EventType = "pr_closed"
	EventPRSynchronized          EventType = "pr_synchronized"
	EventPRLabeled               EventType = "pr_labeled"
	EventPRReviewSubmitted       EventType = "pr_review_submitted"
	EventPRReviewCommentCreated  EventType = "pr_review_comment_created"
	EventPRReviewCommentEdited   EventType = "pr_review_comment_edited"
	EventPRReviewCommentDeleted  EventType = "pr_review_comment_deleted"

	EventPush EventType = "push"

	// Internal, synthesized events — never arrive over the wire.
	EventBlockerResolved EventType = "blocker_resolved"
	EventWakeAgent       EventType = "wake_agent"
	EventAgentBlocked    EventType = "agent_blocked"
	EventAgentCompleted  EventType = "agent_completed"
	EventAgentEscalated  EventType = "agent_escalated"
)

// eventMap is the fixed map from "event_type.action" to an internal
// EventType.
var eventMap = map[string]EventType{
	"issues.opened":   EventIssueOpened,
	"issues.closed":   EventIssueClosed,
	"issues.assigned": EventIssueAssigned,
	"issues.labeled":  EventIssueLabeled,

	"issue_comment.created": EventIssueComment,

	"pull_request.opened":      EventPROpened,
	"pull_request.closed":      EventPRClosed,
	"pull_request.synchronize": EventPRSynchronized,
	"pull_request.labeled":     EventPRLabeled,

	"pull_request_review.submitted": EventPRReviewSubmitted,

	"pull_request_review_comment.created": EventPRReviewCommentCreated,
	"pull_request_review_comment.edited":  EventPRReviewCommentEdited,
	"pull_request_review_comment.deleted": EventPRReviewCommentDeleted,

	"push": EventPush,
}

// ClassifyEvent maps a raw GitHub "event.action" pair to an internal
// EventType. ok is false for unrecognised combinations.
func ClassifyEvent(githubEventType, action string) (EventType, bool) {
	key := githubEventType
	if action != "" {
		key = githubEventType + "." + action
	}
	et, ok := eventMap[key]
	return et, ok
}

// GitHubEvent is the transient, as-received webhook delivery.
type GitHubEvent struct {
	DeliveryID string          `json:"delivery_id"`
	EventType  string          `json:"event_type"` // X-GitHub-Event, e.g. "issues"
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`

	// Derived fields, populated by the receiver/router while decoding Payload.
	Sender         string `json:"sender,omitempty"`
	RepoFullName   string `json:"repo_full_name,omitempty"`
	IssueNumber    int    `json:"issue_number,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	CommentBody    string `json:"comment_body,omitempty"`
	Label          string `json:"label,omitempty"`
	PRMerged       bool   `json:"pr_merged,omitempty"`
	PRHeadRef      string `json:"pr_head_ref,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
}

// FullType returns "event_type.action", the classify-map lookup key.
func (e *GitHubEvent) FullType() string {
	if e.Action == "" {
		return e.EventType
	}
	return e.EventType + "." + e.Action
}

// rawPayload is the loosely-typed shape every webhook delivery shares
// enough of to extract the receiver's scope-check fields and the
// router's normalization fields, without binding callers to
// go-github's full event structs.
type rawPayload struct {
	Action       string `json:"action"`
	Sender       struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	PullRequest struct {
		Number int    `json:"number"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Label struct {
		Name string `json:"name"`
	} `json:"label"`
}

// DecodeFields populates the derived fields from Payload. It never
// fails the event pipeline on a decode error — a malformed or
// unexpected payload shape simply leaves the derived fields at their
// zero values, dropping what it cannot classify rather than crashing
// the single consumer.
func (e *GitHubEvent) DecodeFields() {
	var p rawPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return
	}
	e.Sender = p.Sender.Login
	e.RepoFullName = p.Repository.FullName
	e.InstallationID = p.Installation.ID
	e.CommentBody = p.Comment.Body
	e.Label = p.Label.Name
	if p.Issue.Number != 0 {
		e.IssueNumber = p.Issue.Number
	}
	if p.PullRequest.Number != 0 {
		e.PRNumber = p.PullRequest.Number
		e.IssueNumber = p.PullRequest.Number // a PR is an issue for comment purposes
		e.PRMerged = p.PullRequest.Merged
		e.PRHeadRef = p.PullRequest.Head.Ref
	}
}

// InternalEvent is the normalized object the router hands to the
// fan-out stage.
type InternalEvent struct {
	Type           EventType      `json:"event_type"`
	SourceDelivery string         `json:"source_delivery_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	IssueNumber    int            `json:"issue_number,omitempty"`
	PRNumber       int            `json:"pr_number,omitempty"`
	Label          string         `json:"label,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	CommentBody    string         `json:"comment_body,omitempty"`
	PRMerged       bool           `json:"pr_merged,omitempty"`
	PRHeadRef      string         `json:"pr_head_ref,omitempty"`
	Command        string         `json:"command,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}
