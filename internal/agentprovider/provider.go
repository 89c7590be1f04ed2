package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// EventKind tags the variants an agent run can emit, per the session
// runner's event contract.
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventToolUse         EventKind = "tool_use"
	EventToolResult      EventKind = "tool_result"
	EventWaitingForInput EventKind = "waiting_for_input"
	EventCompleted       EventKind = "completed"
	EventError           EventKind = "error"
)

// Event is one unit of agent activity, translated from the underlying
// NDJSON protocol into a shape the runner maps onto session events.
type Event struct {
	Kind       EventKind
	Role       string
	Text       string
	Tool       string
	ToolInput  json.RawMessage
	ToolOutput string
	Summary    string
}

// RunOptions parameterizes a single Run call.
type RunOptions struct {
	SessionID string // provider-facing session id (a UUIDv5 derived from SessionRef)
	Prompt    string
	Cwd       string
	Resume    bool
	Model     string
}

// OnEvent receives every Event produced during a Run. The provider does
// not emit after Run returns.
type OnEvent func(Event)

// Provider implements the session runner's agent contract (run,
// sendMessage, stop, abort, isRunning) on top of Manager's raw NDJSON
// process lifecycle.
type Provider struct {
	mgr *Manager

	mu   sync.Mutex
	done map[string]chan error // sessionID -> signaled once on process exit
}

// NewProvider creates a Provider backed by its own Manager.
func NewProvider() *Provider {
	p := &Provider{done: make(map[string]chan error)}
	p.mgr = NewManager(p.handleExit)
	return p
}

func (p *Provider) handleExit(agentID string, _ int, err error) {
	p.mu.Lock()
	ch, ok := p.done[agentID]
	delete(p.done, agentID)
	p.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}

// Run starts (or resumes) an agent for opts.SessionID, feeds it opts.Prompt,
// and blocks until the process exits, translating every NDJSON line into
// an Event delivered to onEvent. ctx cancellation triggers a graceful stop.
func (p *Provider) Run(ctx context.Context, opts RunOptions, onEvent OnEvent) error {
	ch := make(chan error, 1)
	p.mu.Lock()
	p.done[opts.SessionID] = ch
	p.mu.Unlock()

	resumeID := ""
	if opts.Resume {
		resumeID = opts.SessionID
	}

	outputFn := func(line []byte) {
		if ev, ok := parseLine(line); ok {
			onEvent(ev)
		}
	}

	if _, err := p.mgr.StartAgent(ctx, Options{
		AgentID:         opts.SessionID,
		Model:           opts.Model,
		WorkingDir:      opts.Cwd,
		ResumeSessionID: resumeID,
	}, outputFn); err != nil {
		p.mu.Lock()
		delete(p.done, opts.SessionID)
		p.mu.Unlock()
		return fmt.Errorf("start agent: %w", err)
	}

	if err := p.mgr.SendInput(opts.SessionID, opts.Prompt); err != nil {
		p.mgr.StopAgent(opts.SessionID)
		<-ch
		return fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-ctx.Done():
		p.mgr.StopAgent(opts.SessionID)
		<-ch
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// SendMessage injects a follow-up into a live Run for sessionID.
func (p *Provider) SendMessage(sessionID, message string) error {
	return p.mgr.SendInput(sessionID, message)
}

// Stop ends the agent for sessionID gracefully.
func (p *Provider) Stop(sessionID string) {
	p.mgr.StopAgent(sessionID)
}

// Abort immediately cancels the agent for sessionID. Implemented the same
// as Stop: both tear down the underlying process, and the distinction
// between graceful and immediate is carried by the caller's chosen
// context deadline around Run, not by a separate signal here.
func (p *Provider) Abort(sessionID string) {
	p.mgr.StopAgent(sessionID)
}

// IsRunning reports whether sessionID has a live agent process.
func (p *Provider) IsRunning(sessionID string) bool {
	return p.mgr.HasAgent(sessionID)
}

// contentBlock is one element of a Claude Code message's content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content string          `json:"content"`
}

// parseLine maps one line of Claude Code's stream-json output to an Event.
// Lines that carry no event-worthy content (e.g. the init system message)
// return ok=false.
func parseLine(line []byte) (Event, bool) {
	var envelope struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Request struct {
			Subtype string `json:"subtype"`
		} `json:"request"`
		Message struct {
			Content []contentBlock `json:"content"`
		} `json:"message"`
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, false
	}

	switch envelope.Type {
	case "assistant":
		for _, c := range envelope.Message.Content {
			switch c.Type {
			case "text":
				return Event{Kind: EventMessage, Role: "assistant", Text: c.Text}, true
			case "tool_use":
				return Event{Kind: EventToolUse, Tool: c.Name, ToolInput: c.Input}, true
			}
		}
	case "user":
		for _, c := range envelope.Message.Content {
			if c.Type == "tool_result" {
				return Event{Kind: EventToolResult, ToolOutput: c.Content}, true
			}
		}
	case "result":
		if envelope.IsError {
			return Event{Kind: EventError, Text: envelope.Result}, true
		}
		return Event{Kind: EventCompleted, Summary: envelope.Result}, true
	case "control_request":
		// An inbound request from the agent (distinct from the control
		// responses to our own requests, consumed in handlePendingControlResponse).
		// can_use_tool means the agent is blocked on a permission decision.
		if envelope.Request.Subtype == "can_use_tool" {
			return Event{Kind: EventWaitingForInput, Text: "agent is waiting for a tool permission decision"}, true
		}
	}
	return Event{}, false
}
