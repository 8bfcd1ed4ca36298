package router

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
)

type fakeDedup struct {
	seen   map[string]bool
	marked []string
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: map[string]bool{}} }

func (f *fakeDedup) HasSeenEvent(ctx context.Context, deliveryID string) (bool, error) {
	return f.seen[deliveryID], nil
}

func (f *fakeDedup) MarkEventSeen(ctx context.Context, deliveryID, eventType string) error {
	f.seen[deliveryID] = true
	f.marked = append(f.marked, deliveryID)
	return nil
}

type fakeResponder struct{ comments []string }

func (f *fakeResponder) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func testLogger() *obslog.Logger { return obslog.New(log.New(io.Discard, "", 0), nil) }

func newRouter(dedup Deduper, responder Responder, commands map[string]config.CommandConfig) *Router {
	return New("squadron-dev[bot]", "nbaertsch", "squadron", dedup, commands, responder, 8, testLogger())
}

func githubEvent(deliveryID, eventType, action, sender string, extra map[string]any) *models.GitHubEvent {
	payload := map[string]any{"action": action}
	if sender != "" {
		payload["sender"] = map[string]any{"login": sender}
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	evt := &models.GitHubEvent{DeliveryID: deliveryID, EventType: eventType, Action: action, Payload: raw}
	evt.DecodeFields()
	return evt
}

func TestBotSelfEventIsDropped(t *testing.T) {
	r := newRouter(newFakeDedup(), &fakeResponder{}, nil)
	evt := githubEvent("d1", "issues", "opened", "squadron-dev[bot]", nil)

	r.process(context.Background(), evt)

	select {
	case <-r.PMQueue():
		t.Fatal("bot self-event should not reach the pm queue")
	default:
	}
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	dedup := newFakeDedup()
	dedup.seen["d2"] = true
	r := newRouter(dedup, &fakeResponder{}, nil)
	evt := githubEvent("d2", "issues", "opened", "alice", nil)

	r.process(context.Background(), evt)

	select {
	case <-r.PMQueue():
		t.Fatal("duplicate delivery should not reach the pm queue")
	default:
	}
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	r := newRouter(newFakeDedup(), &fakeResponder{}, nil)
	evt := githubEvent("d3", "star", "created", "alice", nil)

	r.process(context.Background(), evt)

	select {
	case <-r.PMQueue():
		t.Fatal("unknown event type should not reach the pm queue")
	default:
	}
}

func TestIssueOpenedReachesPMQueue(t *testing.T) {
	r := newRouter(newFakeDedup(), &fakeResponder{}, nil)
	evt := githubEvent("d4", "issues", "opened", "alice", map[string]any{"issue": map[string]any{"number": 7}})

	r.process(context.Background(), evt)

	select {
	case got := <-r.PMQueue():
		assert.Equal(t, models.EventIssueOpened, got.Type)
		assert.Equal(t, 7, got.IssueNumber)
	default:
		t.Fatal("expected issue_opened to reach the pm queue")
	}
}

func TestStaticResponseCommandRepliesAndDoesNotRoute(t *testing.T) {
	responder := &fakeResponder{}
	commands := map[string]config.CommandConfig{"help": {Enabled: true, Response: "see the docs"}}
	r := newRouter(newFakeDedup(), responder, commands)

	evt := githubEvent("d5", "issue_comment", "created", "alice", map[string]any{
		"issue":   map[string]any{"number": 3},
		"comment": map[string]any{"body": "@squadron-dev[bot] help"},
	})
	r.process(context.Background(), evt)

	require.Len(t, responder.comments, 1)
	assert.Equal(t, "see the docs", responder.comments[0])
	select {
	case <-r.PMQueue():
		t.Fatal("static-response command should not also route to the pm queue")
	default:
	}
}

func TestDisabledCommandDropsSilently(t *testing.T) {
	responder := &fakeResponder{}
	commands := map[string]config.CommandConfig{"wake": {Enabled: false}}
	r := newRouter(newFakeDedup(), responder, commands)

	evt := githubEvent("d6", "issue_comment", "created", "alice", map[string]any{
		"issue":   map[string]any{"number": 3},
		"comment": map[string]any{"body": "@squadron-dev[bot] wake"},
	})
	r.process(context.Background(), evt)

	assert.Empty(t, responder.comments)
	select {
	case <-r.PMQueue():
		t.Fatal("disabled command should not route anywhere")
	default:
	}
}

func TestEnabledInvokeCommandStillRoutesWithCommandSet(t *testing.T) {
	commands := map[string]config.CommandConfig{"status": {Enabled: true, InvokeAgent: "pm"}}
	r := newRouter(newFakeDedup(), &fakeResponder{}, commands)

	evt := githubEvent("d7", "issue_comment", "created", "alice", map[string]any{
		"issue":   map[string]any{"number": 9},
		"comment": map[string]any{"body": "@squadron-dev[bot] status"},
	})
	r.process(context.Background(), evt)

	select {
	case got := <-r.PMQueue():
		assert.Equal(t, "status", got.Command)
	default:
		t.Fatal("expected an enabled invoke-agent command to still route")
	}
}

func TestPRClosedFansToPMQueueApprovalFlowAndHandlers(t *testing.T) {
	r := newRouter(newFakeDedup(), &fakeResponder{}, nil)

	var approvalCalled, handlerCalled bool
	r.SetApprovalFlow(func(ctx context.Context, evt *models.InternalEvent) { approvalCalled = true })
	r.RegisterHandler(models.EventPRClosed, func(ctx context.Context, evt *models.InternalEvent) { handlerCalled = true })

	evt := githubEvent("d8", "pull_request", "closed", "alice", map[string]any{
		"pull_request": map[string]any{"number": 11, "merged": true},
	})
	r.process(context.Background(), evt)

	assert.True(t, approvalCalled)
	assert.True(t, handlerCalled)
	select {
	case got := <-r.PMQueue():
		assert.Equal(t, models.EventPRClosed, got.Type)
		assert.True(t, got.PRMerged)
	default:
		t.Fatal("PR events must also reach the pm queue for awareness")
	}
}

func TestPMQueueFullDropsWithoutBlocking(t *testing.T) {
	r := New("bot", "o", "r", newFakeDedup(), nil, &fakeResponder{}, 1, testLogger())
	r.process(context.Background(), githubEvent("d9", "issues", "opened", "alice", nil))
	r.process(context.Background(), githubEvent("d10", "issues", "opened", "alice", nil))
	<-r.PMQueue()
}
