package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

// HeaderAgentHop carries the delegation depth between agents.
const HeaderAgentHop = "X-Capsule-Agent-Hop"

// ErrHopLimit is returned when a remote call would exceed the hop budget.
var ErrHopLimit = errors.New("agent hop limit reached")

// CallAgentInput is the input for the call_agent tool.
type CallAgentInput struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// CallAgentOutput is the output for the call_agent tool.
type CallAgentOutput struct {
	Agent  string `json:"agent"`
	Text   string `json:"text"`
	TaskID string `json:"task_id,omitempty"`
	State  string `json:"state,omitempty"`
}

// RemoteAgents calls other A2A agents with message/send.
type RemoteAgents struct {
	Agents  []config.RemoteAgentConfig
	MaxHops int
	Client  *http.Client
}

func (r RemoteAgents) lookup(name string) (config.RemoteAgentConfig, bool) {
	for _, a := range r.Agents {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return config.RemoteAgentConfig{}, false
}

// Call sends text to the named agent and returns its reply text.
func (r RemoteAgents) Call(ctx context.Context, input CallAgentInput) (CallAgentOutput, error) {
	agent, ok := r.lookup(input.Agent)
	if !ok {
		return CallAgentOutput{}, fmt.Errorf("unknown agent %q", input.Agent)
	}
	if strings.TrimSpace(input.Message) == "" {
		return CallAgentOutput{}, fmt.Errorf("message must be non-empty")
	}
	hop := shared.AgentHop(ctx) + 1
	if r.MaxHops > 0 && hop > r.MaxHops {
		return CallAgentOutput{}, fmt.Errorf("%w: %d", ErrHopLimit, r.MaxHops)
	}

	msg := a2a.NewMessage(uuid.NewString(), a2a.RoleUser, a2a.NewTextPart(input.Message))
	body, err := json.Marshal(a2a.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  a2a.MethodMessageSend,
		Params:  mustJSON(a2a.MessageSendParams{Message: msg}),
	})
	if err != nil {
		return CallAgentOutput{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL, bytes.NewReader(body))
	if err != nil {
		return CallAgentOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAgentHop, strconv.Itoa(hop))
	req.Header.Set(shared.HeaderTraceID, shared.TraceID(ctx))
	if agent.Token != "" {
		req.Header.Set("Authorization", "Bearer "+agent.Token)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return CallAgentOutput{}, fmt.Errorf("call agent %s: %w", agent.Name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return CallAgentOutput{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return CallAgentOutput{}, fmt.Errorf("agent %s returned HTTP %d: %s", agent.Name, resp.StatusCode, shared.Truncate(string(raw), 200))
	}

	var rpc struct {
		Result json.RawMessage   `json:"result"`
		Error  *a2a.JSONRPCError `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return CallAgentOutput{}, fmt.Errorf("decode response: %w", err)
	}
	if rpc.Error != nil {
		return CallAgentOutput{}, fmt.Errorf("agent %s: %s (code %d)", agent.Name, rpc.Error.Message, rpc.Error.Code)
	}
	out, err := replyFromResult(rpc.Result)
	if err != nil {
		return CallAgentOutput{}, err
	}
	out.Agent = agent.Name
	return out, nil
}

// replyFromResult extracts reply text from a message/send result, which is
// either a Message or a Task.
func replyFromResult(result json.RawMessage) (CallAgentOutput, error) {
	var kind struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(result, &kind); err != nil {
		return CallAgentOutput{}, fmt.Errorf("decode result: %w", err)
	}
	switch kind.Kind {
	case a2a.KindMessage:
		var msg a2a.Message
		if err := json.Unmarshal(result, &msg); err != nil {
			return CallAgentOutput{}, fmt.Errorf("decode message: %w", err)
		}
		return CallAgentOutput{Text: msg.Text()}, nil
	case a2a.KindTask:
		var task a2a.Task
		if err := json.Unmarshal(result, &task); err != nil {
			return CallAgentOutput{}, fmt.Errorf("decode task: %w", err)
		}
		out := CallAgentOutput{TaskID: task.ID, State: string(task.Status.State)}
		if task.Status.Message != nil {
			out.Text = task.Status.Message.Text()
		}
		for i := len(task.History) - 1; out.Text == "" && i >= 0; i-- {
			if task.History[i].Role == a2a.RoleAgent {
				out.Text = task.History[i].Text()
			}
		}
		return out, nil
	default:
		return CallAgentOutput{}, fmt.Errorf("unexpected result kind %q", kind.Kind)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func registerRemoteAgents(g *genkit.Genkit, reg *Registry) ai.Tool {
	remote := RemoteAgents{Agents: reg.RemoteAgents, MaxHops: reg.MaxAgentHops, Client: reg.Client}
	var names []string
	for _, a := range reg.RemoteAgents {
		desc := a.Name
		if a.Description != "" {
			desc += " (" + a.Description + ")"
		}
		names = append(names, desc)
	}
	return genkit.DefineTool(g, ToolCallAgent,
		"Send a message to another A2A agent and return its reply. Available agents: "+strings.Join(names, ", ")+".",
		func(ctx *ai.ToolContext, input CallAgentInput) (CallAgentOutput, error) {
			return remote.Call(ctx, input)
		},
	)
}
