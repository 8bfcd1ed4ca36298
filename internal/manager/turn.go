package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/prompt"
	"github.com/nbaertsch/squadron/internal/session"
	"github.com/nbaertsch/squadron/internal/tools"
)

// turnTimeout bounds a single SendAndWait call. The spec leaves the
// per-turn model-response timeout unspecified; watchdog (L2) is the
// backstop for an agent that is merely slow rather than hung, so this
// only needs to be generous enough that it never fires before the
// watchdog would.
const turnTimeout = 15 * time.Minute

// turnMessage is one line of the subprocess's stdout protocol: either
// a tool invocation the CLI wants the framework to execute, or a final
// free-text message ending the turn with nothing left to do until the
// next prompt. The SDK normally executes tools internally via
// registered hooks (copilot.py); the CLI subprocess contract here
// surfaces that same decision as a line of JSON so Go, not the SDK,
// owns tool dispatch.
type turnMessage struct {
	Type   string          `json:"type"` // "tool_call" | "message"
	Tool   string          `json:"tool,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// toolParams decodes a wire tool call into the concrete parameter
// struct Dispatch expects, keeping the name→type mapping in one place.
func toolParams(name string, raw json.RawMessage) (any, error) {
	var target any
	switch name {
	case "report_blocked":
		target = &tools.ReportBlockedParams{}
	case "report_complete":
		target = &tools.ReportCompleteParams{}
	case "escalate_to_human":
		target = &tools.EscalateToHumanParams{}
	case "open_pr":
		target = &tools.OpenPRParams{}
	case "submit_review":
		target = &tools.SubmitReviewParams{}
	case "create_issue":
		target = &tools.CreateIssueParams{}
	case "assign_issue":
		target = &tools.AssignIssueParams{}
	case "label_issue":
		target = &tools.LabelIssueParams{}
	case "comment_on_issue":
		target = &tools.CommentOnIssueParams{}
	case "check_registry":
		target = &tools.CheckRegistryParams{}
	case "read_issue":
		target = &tools.ReadIssueParams{}
	default:
		return nil, fmt.Errorf("manager: unknown tool %q", name)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("manager: decode params for %q: %w", name, err)
		}
	}
	return derefParams(target), nil
}

// derefParams unwraps the pointer toolParams decodes into, since
// tools.Dispatch switches on the value types (ReportBlockedParams, not
// *ReportBlockedParams).
func derefParams(p any) any {
	switch v := p.(type) {
	case *tools.ReportBlockedParams:
		return *v
	case *tools.ReportCompleteParams:
		return *v
	case *tools.EscalateToHumanParams:
		return *v
	case *tools.OpenPRParams:
		return *v
	case *tools.SubmitReviewParams:
		return *v
	case *tools.CreateIssueParams:
		return *v
	case *tools.AssignIssueParams:
		return *v
	case *tools.LabelIssueParams:
		return *v
	case *tools.CommentOnIssueParams:
		return *v
	case *tools.CheckRegistryParams:
		return *v
	case *tools.ReadIssueParams:
		return *v
	default:
		return p
	}
}

// runAgentLoop drives one agent's conversation from activation until it
// leaves ACTIVE (sleeps, completes, escalates, fails, or is cancelled
// by the watchdog). Turns are strictly serial within an agent.
func (m *Manager) runAgentLoop(ctx context.Context, agentID string, sup *session.Supervisor, initialPrompt string) {
	rec, err := m.reg.Get(ctx, agentID)
	if err != nil {
		m.log.Error("manager: turn loop for %s: %v", agentID, err)
		return
	}

	roleTemplate, err := prompt.LoadRoleTemplate(rec.Role)
	if err != nil {
		m.log.Error("manager: turn loop for %s: load role template: %v", agentID, err)
		_ = m.fail(ctx, rec, fmt.Sprintf("no prompt template for role %q", rec.Role))
		return
	}
	projectAddendum, _ := prompt.LoadProjectPrompt(rec.WorktreePath)

	vars := map[string]string{
		"agent_id":     rec.AgentID,
		"issue_number": fmt.Sprint(rec.IssueNumber),
		"branch":       rec.Branch,
		"context":      initialPrompt,
	}
	if rec.PRNumber != 0 {
		// Omitting pr_number when one exists is a past defect:
		// the agent addresses a non-existent PR without it.
		vars["pr_number"] = fmt.Sprint(rec.PRNumber)
	}
	turnPrompt := prompt.Assemble(m.systemPrompt, roleTemplate, vars, projectAddendum)

	for {
		select {
		case <-ctx.Done():
			m.log.Warning("manager: turn loop for %s cancelled", agentID)
			return
		default:
		}

		if err := m.checkInSessionBudget(ctx, rec); err != nil {
			m.log.Error("manager: %s hit its circuit-breaker budget: %v", agentID, err)
			return
		}

		out, err := sup.SendAndWait(ctx, turnPrompt, turnTimeout)
		if err != nil {
			var died *session.ErrSubprocessDied
			if errors.As(err, &died) {
				_ = m.fail(ctx, rec, fmt.Sprintf("subprocess died mid-turn: %v", err))
				return
			}
			if ctx.Err() != nil {
				return // cancelled by watchdog; enforceWatchdog owns the outcome
			}
			m.log.Error("manager: %s turn failed: %v", agentID, err)
			return
		}

		rec.TurnCount++
		rec.IterationCount++
		if err := m.reg.Update(ctx, rec); err != nil {
			m.log.Warning("manager: %s turn count update: %v", agentID, err)
		}

		var msg turnMessage
		if err := json.Unmarshal([]byte(out), &msg); err != nil {
			m.log.Warning("manager: %s sent an unparseable turn message, ignoring: %v", agentID, err)
			turnPrompt = ""
			continue
		}

		if msg.Type != "tool_call" {
			turnPrompt = "" // plain message; nothing to feed back, wait for next external trigger
			continue
		}

		params, err := toolParams(msg.Tool, msg.Params)
		if err != nil {
			m.log.Warning("manager: %s: %v", agentID, err)
			turnPrompt = fmt.Sprintf(`{"error":%q}`, err.Error())
			continue
		}

		rec.ToolCallCount++
		result, err := tools.Dispatch(ctx, m.deps(), agentID, params)
		if err != nil {
			m.log.Error("manager: %s tool %q failed: %v", agentID, msg.Tool, err)
			turnPrompt = fmt.Sprintf(`{"error":%q}`, err.Error())
			continue
		}

		rec, err = m.reg.Get(ctx, agentID)
		if err != nil || !rec.Status.Live() {
			return // the tool call itself transitioned the agent out of ACTIVE
		}
		turnPrompt = fmt.Sprintf(`{"tool_result":%q}`, result)
	}
}

// synthesizeCompletion runs the completion contract for a PR the
// framework — not the agent — decided is done (merged). It still must
// post the role's completion comment and run the same cleanup path a
// self-reported completion would: never a silent status flip.
func (m *Manager) synthesizeCompletion(ctx context.Context, rec *models.AgentRecord) error {
	return tools.CompleteAgent(ctx, m.deps(), rec, cleanupComment(rec.Role))
}
