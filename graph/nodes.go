package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/tool"
)

// Canonical node names of the outreach topology.
const (
	NodeAnalyzeRecord   = "analyzeRecord"
	NodeSendEmail       = "sendEmail"
	NodeSendCall        = "sendCall"
	NodeWaitForResponse = "waitForResponse"
	NodeProcessResponse = "processResponse"
	NodeHumanReview     = "humanReview"
	NodeMarkComplete    = "markComplete"
)

// LLMInvoker produces an assistant response from the thread history plus a
// user-visible prompt. Implementations own message assembly, including
// rewriting tool entries for providers that reject orphaned tool messages.
type LLMInvoker interface {
	Invoke(ctx context.Context, history []state.Message, userMessage, instructions string) (string, error)
}

// ToolExecutor dispatches a named tool call. It never returns an error;
// failures surface as unsuccessful results.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) *tool.Result
}

// OutreachNodes builds the node functions of the outreach topology from
// its collaborators.
type OutreachNodes struct {
	LLM      LLMInvoker
	Tools    ToolExecutor
	Logger   log.Logger
	sanitize *bluemonday.Policy
}

// NewOutreachNodes wires the node set. logger may be nil.
func NewOutreachNodes(llm LLMInvoker, tools ToolExecutor, logger log.Logger) *OutreachNodes {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &OutreachNodes{
		LLM:      llm,
		Tools:    tools,
		Logger:   logger,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// BuildOutreachGraph assembles the canonical record outreach topology:
//
//	analyzeRecord -(nextNode)-> sendEmail | sendCall | humanReview | markComplete
//	sendEmail / sendCall -> waitForResponse
//	waitForResponse -(nextNode)-> processResponse
//	processResponse -> analyzeRecord
//	humanReview -(nextNode)-> analyzeRecord | END
//	markComplete -(nextNode)-> END
func BuildOutreachGraph(nodes *OutreachNodes) *StateGraph {
	g := NewStateGraph()
	g.AddNode(NodeAnalyzeRecord, "Decide the next outreach action for the record", nodes.AnalyzeRecord)
	g.AddNode(NodeSendEmail, "Send an outreach email to the contact", nodes.SendEffect(NodeSendEmail, state.ChannelEmail))
	g.AddNode(NodeSendCall, "Place an outreach call to the contact", nodes.SendEffect(NodeSendCall, state.ChannelPhone))
	g.AddNode(NodeWaitForResponse, "Suspend until an inbound response or timeout", nodes.WaitForResponse)
	g.AddNode(NodeProcessResponse, "Interpret the latest inbound response", nodes.ProcessResponse)
	g.AddNode(NodeHumanReview, "Suspend for an operator decision", nodes.HumanReview)
	g.AddNode(NodeMarkComplete, "Close out the record", nodes.MarkComplete)

	g.SetEntryPoint(NodeAnalyzeRecord)
	g.AddConditionalEdge(NodeAnalyzeRecord, RouteOnNextNode)
	g.AddEdge(NodeSendEmail, NodeWaitForResponse)
	g.AddEdge(NodeSendCall, NodeWaitForResponse)
	g.AddConditionalEdge(NodeWaitForResponse, RouteOnNextNode)
	g.AddEdge(NodeProcessResponse, NodeAnalyzeRecord)
	g.AddConditionalEdge(NodeHumanReview, RouteOnNextNode)
	g.AddConditionalEdge(NodeMarkComplete, RouteOnNextNode)
	return g
}

// AnalyzeRecord asks the model for the next action and routes on keywords
// in its reply. Unrecognized replies fall through to markComplete, which
// re-checks before closing.
func (n *OutreachNodes) AnalyzeRecord(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
	return n.AnalyzeWith(NodeAnalyzeRecord, analyzeInstructions)(ctx, st)
}

// AnalyzeWith returns an analyze-style node with custom instructions, used
// by declarative workflow graphs.
func (n *OutreachNodes) AnalyzeWith(name, instructions string) NodeFunc {
	if instructions == "" {
		instructions = analyzeInstructions
	}
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		summary := recordSummary(st)
		response, err := n.LLM.Invoke(ctx, st.Messages, summary, instructions)
		if err != nil {
			return state.Partial{}, err
		}

		decision := routeDecision(response)
		n.Logger.Debug("%s: decision %s", name, decision)

		return state.Partial{
			Messages: []state.Message{{
				Role:     state.RoleAssistant,
				Content:  response,
				Metadata: map[string]any{"decision": decision},
			}},
			CurrentNode: state.Ptr(name),
			NextNode:    state.Ptr(decision),
		}, nil
	}
}

const analyzeInstructions = "Review the record and conversation so far and decide the next step. " +
	"Reply with needs_email to send an email, needs_call to place a call, " +
	"escalate to hand off to a human, or complete if nothing more is needed."

// routeDecision maps an assistant reply onto a node name. Matching is a
// case-insensitive substring check, earlier rules win.
func routeDecision(response string) string {
	lower := strings.ToLower(response)
	switch {
	case strings.Contains(lower, "needs_email") || strings.Contains(lower, "send email"):
		return NodeSendEmail
	case strings.Contains(lower, "needs_call") || strings.Contains(lower, "send call"):
		return NodeSendCall
	case strings.Contains(lower, "escalate"):
		return NodeHumanReview
	default:
		return NodeMarkComplete
	}
}

// SendEffect returns a node that performs the outbound action for a channel
// through the tool executor. Failures are recorded in the history rather
// than failing the run, so the model can react to them on the next analyze.
func (n *OutreachNodes) SendEffect(toolName string, channel state.Channel) NodeFunc {
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		args := effectArgs(toolName, st)
		res := n.Tools.Execute(ctx, toolName, args)
		if !res.Success {
			n.Logger.Warn("%s: %s", toolName, res.Message)
		}

		attempts := st.Attempts + 1
		return state.Partial{
			Messages: []state.Message{{
				Role:    state.RoleTool,
				Content: fmt.Sprintf("%s: %s", toolName, res.Message),
				Channel: channel,
				Metadata: map[string]any{
					"tool":    toolName,
					"success": res.Success,
				},
			}},
			Attempts:           &attempts,
			LastChannel:        &channel,
			WaitingForResponse: state.Ptr(true),
			CurrentNode:        state.Ptr(toolName),
			NextNode:           state.Ptr(NodeWaitForResponse),
		}, nil
	}
}

// effectArgs derives tool arguments from the record and contact.
func effectArgs(toolName string, st *state.ThreadState) map[string]any {
	args := map[string]any{}
	if st.Record != nil {
		args["recordId"] = st.Record.ID
	}
	switch toolName {
	case NodeSendEmail:
		if st.Contact != nil && st.Contact.Email != nil {
			args["to"] = *st.Contact.Email
		}
		if st.Record != nil {
			args["subject"] = "Regarding: " + st.Record.Title
		}
		args["body"] = outboundBody(st)
	case NodeSendCall:
		if st.Contact != nil && st.Contact.Phone != nil {
			args["phone"] = *st.Contact.Phone
		}
		args["talkingPoints"] = []string{outboundBody(st)}
	}
	return args
}

// outboundBody uses the latest assistant message as the outbound content,
// falling back to a plain follow-up line.
func outboundBody(st *state.ThreadState) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == state.RoleAssistant && st.Messages[i].Content != "" {
			return st.Messages[i].Content
		}
	}
	title := ""
	if st.Record != nil {
		title = st.Record.Title
	}
	return fmt.Sprintf("Following up regarding %s.", title)
}

// WaitForResponse suspends the thread until an inbound response or channel
// timeout arrives via Resume. Inbound content is sanitized before it enters
// the history.
func (n *OutreachNodes) WaitForResponse(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
	return n.WaitWith(NodeWaitForResponse, NodeProcessResponse)(ctx, st)
}

// WaitWith returns a wait-interrupt node routing resumed responses to next,
// used by declarative workflow graphs.
func (n *OutreachNodes) WaitWith(name, next string) NodeFunc {
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		payload := map[string]any{
			"reason":  "waiting_for_response",
			"channel": st.LastChannel,
		}
		raw, err := Interrupt(ctx, payload)
		if err != nil {
			return state.Partial{}, err
		}

		rv, err := decodeResumeValue(raw)
		if err != nil {
			return state.Partial{}, err
		}

		msg := state.Message{
			Role:             state.RoleUser,
			Content:          n.sanitizeInbound(rv.Content),
			Channel:          rv.Channel,
			ChannelMessageID: rv.ChannelMessageID,
			Metadata:         rv.Metadata,
		}
		if rv.Timeout {
			if msg.Metadata == nil {
				msg.Metadata = map[string]any{}
			}
			msg.Metadata["timeout"] = true
			if msg.Content == "" {
				msg.Content = "No response received before the channel timeout."
			}
		}

		return state.Partial{
			Messages:           []state.Message{msg},
			WaitingForResponse: state.Ptr(false),
			CurrentNode:        state.Ptr(name),
			NextNode:           state.Ptr(next),
		}, nil
	}
}

// sanitizeInbound strips markup from channel-provided content. Inbound
// email bodies are untrusted.
func (n *OutreachNodes) sanitizeInbound(content string) string {
	return strings.TrimSpace(html.UnescapeString(n.sanitize.Sanitize(content)))
}

// ProcessResponse interprets the latest inbound message and records the
// model's reading of it for the next analyze pass.
func (n *OutreachNodes) ProcessResponse(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
	return n.ProcessWith(NodeProcessResponse, processInstructions, NodeAnalyzeRecord)(ctx, st)
}

// ProcessWith returns a process-response node with custom instructions and
// follow-up target, used by declarative workflow graphs.
func (n *OutreachNodes) ProcessWith(name, instructions, next string) NodeFunc {
	if instructions == "" {
		instructions = processInstructions
	}
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		latest := ""
		for i := len(st.Messages) - 1; i >= 0; i-- {
			if st.Messages[i].Role == state.RoleUser {
				latest = st.Messages[i].Content
				break
			}
		}

		response, err := n.LLM.Invoke(ctx, st.Messages, latest, instructions)
		if err != nil {
			return state.Partial{}, err
		}

		return state.Partial{
			Messages: []state.Message{{
				Role:    state.RoleAssistant,
				Content: response,
			}},
			CurrentNode: state.Ptr(name),
			NextNode:    state.Ptr(next),
		}, nil
	}
}

const processInstructions = "Interpret the latest inbound message in the context of the record. " +
	"Summarize what it means for the outreach and whether the matter is resolved."

// HumanReview suspends the thread until an operator decides how to proceed.
// A close decision finalizes the thread; anything else loops back through
// analyze with the operator's notes on the record.
func (n *OutreachNodes) HumanReview(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
	return n.ReviewWith(NodeHumanReview, NodeAnalyzeRecord)(ctx, st)
}

// ReviewWith returns a human-review node routing continue decisions to
// next, used by declarative workflow graphs.
func (n *OutreachNodes) ReviewWith(name, continueTarget string) NodeFunc {
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		payload := map[string]any{
			"reason":   "human_review",
			"attempts": st.Attempts,
		}
		if st.Record != nil {
			payload["recordId"] = st.Record.ID
			payload["title"] = st.Record.Title
		}
		raw, err := Interrupt(ctx, payload)
		if err != nil {
			return state.Partial{}, err
		}

		decision, err := decodeHumanDecision(raw)
		if err != nil {
			return state.Partial{}, err
		}

		content := fmt.Sprintf("Operator decision: %s", decision.NextAction)
		if decision.Notes != "" {
			content += ". " + decision.Notes
		}

		status := state.WorkflowRunning
		next := continueTarget
		if decision.NextAction == state.ReviewClose {
			status = state.WorkflowCompleted
			next = END
		}

		return state.Partial{
			Messages: []state.Message{{
				Role:    state.RoleUser,
				Content: content,
				Metadata: map[string]any{
					"approved":   decision.Approved,
					"nextAction": string(decision.NextAction),
				},
			}},
			WorkflowStatus: &status,
			CurrentNode:    state.Ptr(name),
			NextNode:       state.Ptr(next),
		}, nil
	}
}

// MarkComplete closes the record through the status tool and finalizes the
// thread. A failed status update still completes the thread; the failure is
// visible in the history.
func (n *OutreachNodes) MarkComplete(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
	return n.TerminalWith(NodeMarkComplete, "updateRecordStatus", nil)(ctx, st)
}

// TerminalWith returns a terminal node that runs toolName with extra args
// merged over the defaults and finalizes the thread.
func (n *OutreachNodes) TerminalWith(name, toolName string, extra map[string]any) NodeFunc {
	return func(ctx context.Context, st *state.ThreadState) (state.Partial, error) {
		args := map[string]any{"status": string(state.RecordDone)}
		if st.Record != nil {
			args["recordId"] = st.Record.ID
		}
		for k, v := range extra {
			args[k] = v
		}
		res := n.Tools.Execute(ctx, toolName, args)
		if !res.Success {
			n.Logger.Warn("%s: %s", toolName, res.Message)
		}

		p := state.Partial{
			Messages: []state.Message{{
				Role:    state.RoleTool,
				Content: fmt.Sprintf("%s: %s", toolName, res.Message),
				Metadata: map[string]any{
					"tool":    toolName,
					"success": res.Success,
				},
			}},
			WorkflowStatus: state.Ptr(state.WorkflowCompleted),
			CurrentNode:    state.Ptr(name),
			NextNode:       state.Ptr(END),
		}
		if res.Success && st.Record != nil {
			rec := *st.Record
			rec.Status = state.RecordDone
			p.Record = &rec
		}
		return p, nil
	}
}

// recordSummary renders the record, contact and recent activity as the
// user-visible prompt for the analyze pass.
func recordSummary(st *state.ThreadState) string {
	var b strings.Builder
	if st.Record != nil {
		fmt.Fprintf(&b, "Record: %s (id %s, status %s", st.Record.Title, st.Record.ID, st.Record.Status)
		if st.Record.Priority != "" {
			fmt.Fprintf(&b, ", priority %s", st.Record.Priority)
		}
		b.WriteString(")\n")
	}
	if st.Contact != nil {
		fmt.Fprintf(&b, "Contact: %s", st.Contact.Name)
		if st.Contact.Email != nil {
			fmt.Fprintf(&b, " <%s>", *st.Contact.Email)
		}
		if st.Contact.Phone != nil {
			fmt.Fprintf(&b, " tel %s", *st.Contact.Phone)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Outreach attempts so far: %d\n", st.Attempts)
	if st.LastChannel != "" {
		fmt.Fprintf(&b, "Last channel used: %s\n", st.LastChannel)
	}
	return strings.TrimRight(b.String(), "\n")
}

// decodeResumeValue coerces a resume payload into a ResumeValue. Payloads
// arrive either as the typed struct or as a generic map from a JSON body.
func decodeResumeValue(raw any) (*state.ResumeValue, error) {
	switch v := raw.(type) {
	case *state.ResumeValue:
		return v, nil
	case state.ResumeValue:
		return &v, nil
	}
	var rv state.ResumeValue
	if err := remarshal(raw, &rv); err != nil {
		return nil, fmt.Errorf("invalid resume payload: %w", err)
	}
	return &rv, nil
}

// decodeHumanDecision coerces a resume payload into a HumanDecision.
func decodeHumanDecision(raw any) (*state.HumanDecision, error) {
	switch v := raw.(type) {
	case *state.HumanDecision:
		return v, nil
	case state.HumanDecision:
		return &v, nil
	}
	var d state.HumanDecision
	if err := remarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("invalid review payload: %w", err)
	}
	return &d, nil
}

func remarshal(from any, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
