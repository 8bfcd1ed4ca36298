// Package router implements the event router: a single-consumer
// pipeline that filters, dedups, classifies, detects commands, and
// fans dequeued webhook events out to the PM queue, the PR approval
// flow, and registered typed handlers.
package router

import (
	"context"
	"strings"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/registry"
)

// Deduper is the registry surface the router needs for exactly-once
// delivery.
type Deduper interface {
	HasSeenEvent(ctx context.Context, deliveryID string) (bool, error)
	MarkEventSeen(ctx context.Context, deliveryID, eventType string) error
}

// Responder posts a static command reply directly to the issue or PR
// the triggering comment lives on.
type Responder interface {
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error
}

// Handler processes one normalized event. Registered per EventType by
// the Agent Manager for PR close/label/review handling.
type Handler func(ctx context.Context, evt *models.InternalEvent)

// pmBoundTypes are the event classes that always reach the PM queue
// for triage/awareness.
var pmBoundTypes = map[models.EventType]bool{
	models.EventIssueOpened:  true,
	models.EventIssueComment: true,
	models.EventIssueLabeled: true,
	models.EventPROpened:     true,
}

// prTypes are the event classes that additionally go to the PM queue
// for awareness and to the approval-flow handler.
var prTypes = map[models.EventType]bool{
	models.EventPROpened:              true,
	models.EventPRClosed:              true,
	models.EventPRSynchronized:        true,
	models.EventPRLabeled:             true,
	models.EventPRReviewSubmitted:     true,
	models.EventPRReviewCommentCreated: true,
	models.EventPRReviewCommentEdited:  true,
	models.EventPRReviewCommentDeleted: true,
}

// Router is the single-consumer dispatcher.
type Router struct {
	botLogin     string
	owner, repo  string
	dedup        Deduper
	commands     map[string]config.CommandConfig
	responder    Responder
	pmQueue      chan *models.InternalEvent
	approvalFlow Handler
	handlers     map[models.EventType][]Handler
	log          *obslog.Logger
}

// New builds a Router. approvalFlow may be nil until the Agent Manager
// wires it up.
func New(botLogin, owner, repo string, dedup Deduper, commands map[string]config.CommandConfig, responder Responder, pmQueueSize int, log *obslog.Logger) *Router {
	return &Router{
		botLogin:  botLogin,
		owner:     owner,
		repo:      repo,
		dedup:     dedup,
		commands:  commands,
		responder: responder,
		pmQueue:   make(chan *models.InternalEvent, pmQueueSize),
		handlers:  make(map[models.EventType][]Handler),
		log:       log,
	}
}

// PMQueue returns the channel the PM agent's driving loop consumes from.
func (r *Router) PMQueue() <-chan *models.InternalEvent {
	return r.pmQueue
}

// SetApprovalFlow registers the PR-approval-flow handler.
func (r *Router) SetApprovalFlow(h Handler) {
	r.approvalFlow = h
}

// RegisterHandler attaches a typed handler for et. The Agent Manager
// attaches handlers for PR close, label, and review events.
func (r *Router) RegisterHandler(et models.EventType, h Handler) {
	r.handlers[et] = append(r.handlers[et], h)
}

// Run drains events until ctx is cancelled or the channel closes. It
// is the single consumer — callers must not run more than one Run per
// Router, since ordering guarantees depend on it.
func (r *Router) Run(ctx context.Context, events <-chan *models.GitHubEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.process(ctx, evt)
		}
	}
}

func (r *Router) process(ctx context.Context, evt *models.GitHubEvent) {
	// Step 1: bot self-filter.
	if evt.Sender != "" && evt.Sender == r.botLogin {
		r.log.Info("router: dropping self-authored event %s", evt.DeliveryID)
		return
	}

	// Step 2: dedup.
	seen, err := r.dedup.HasSeenEvent(ctx, evt.DeliveryID)
	if err != nil {
		r.log.Error("router: dedup check failed for %s: %v", evt.DeliveryID, err)
		return
	}
	if seen {
		r.log.Info("router: dropping duplicate delivery %s", evt.DeliveryID)
		return
	}
	if err := r.dedup.MarkEventSeen(ctx, evt.DeliveryID, evt.FullType()); err != nil {
		r.log.Error("router: mark_event_seen failed for %s: %v", evt.DeliveryID, err)
		return
	}

	// Step 3: classify.
	et, ok := models.ClassifyEvent(evt.EventType, evt.Action)
	if !ok {
		r.log.Info("router: dropping unrecognised event type %q", evt.FullType())
		return
	}

	inEvt := &models.InternalEvent{
		Type:           et,
		SourceDelivery: evt.DeliveryID,
		IssueNumber:    evt.IssueNumber,
		PRNumber:       evt.PRNumber,
		Label:          evt.Label,
		Sender:         evt.Sender,
		CommentBody:    evt.CommentBody,
		PRMerged:       evt.PRMerged,
		PRHeadRef:      evt.PRHeadRef,
	}

	// Step 4: command detection.
	if et == models.EventIssueComment {
		if cmd, ok := extractCommand(evt.CommentBody, r.botLogin); ok {
			inEvt.Command = cmd
			if handled := r.handleStaticCommand(ctx, cmd, evt.IssueNumber); handled {
				return
			}
		}
	}

	// Step 6: fan out, deterministic order.
	if pmBoundTypes[et] || prTypes[et] {
		r.enqueuePM(inEvt)
	}
	if prTypes[et] && r.approvalFlow != nil {
		r.approvalFlow(ctx, inEvt)
	}
	for _, h := range r.handlers[et] {
		h(ctx, inEvt)
	}
}

// handleStaticCommand replies directly for a configured disabled or
// static-response command and reports whether it did so.
func (r *Router) handleStaticCommand(ctx context.Context, cmd string, issueNumber int) bool {
	cfg, ok := r.commands[cmd]
	if !ok {
		return false
	}
	if cfg.Response != "" {
		if err := r.responder.CommentOnIssue(ctx, r.owner, r.repo, issueNumber, cfg.Response); err != nil {
			r.log.Error("router: failed to respond to command %q: %v", cmd, err)
		}
		return true
	}
	if !cfg.Enabled {
		r.log.Info("router: command %q is disabled, dropping", cmd)
		return true
	}
	return false
}

func (r *Router) enqueuePM(evt *models.InternalEvent) {
	select {
	case r.pmQueue <- evt:
	default:
		r.log.Error("router: pm_queue full, dropping event %s", evt.SourceDelivery)
	}
}

// extractCommand parses "@<bot-name> <word>..." from an issue comment
// body and returns the lowercased first word after the mention.
func extractCommand(body, botLogin string) (string, bool) {
	mention := "@" + botLogin
	idx := strings.Index(body, mention)
	if idx == -1 {
		return "", false
	}
	rest := strings.TrimSpace(body[idx+len(mention):])
	if rest == "" {
		return "", false
	}
	fields := strings.Fields(rest)
	return strings.ToLower(fields[0]), true
}
