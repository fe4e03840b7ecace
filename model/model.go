// Package model defines the unified interface between agents and language
// model providers. Providers adapt their native APIs into the normalized
// Request/Response structures so the executor stays provider agnostic.
package model

import (
	"context"
	"sync"

	"github.com/convoke-ai/convoke/core"
)

// Request is a normalized generation request. Contents carry the full
// conversation context the agent should see this turn, already ordered;
// Instructions carry the agent's system prompt.
type Request struct {
	// Instructions is the system prompt for the agent.
	Instructions string
	// Contents is the ordered conversational context.
	Contents []core.Content
	// Tools lists the function declarations available to the model.
	Tools []ToolDefinition
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a single function's calling contract.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TokenUsage reports token accounting for one generation.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Response is the complete result of one model invocation. A turn performs
// at most one invocation, so there is no partial/streaming variant here.
type Response struct {
	// Content is the assistant content, possibly mixing text and function calls.
	Content core.Content
	// FinishReason is the provider's stop reason, normalized to its raw string.
	FinishReason string
	// Usage reports token consumption when the provider supplies it.
	Usage TokenUsage
}

// Info describes a model implementation.
type Info struct {
	Name          string
	Provider      string
	SupportsTools bool
}

// Model is the interface all providers implement. Generate performs exactly
// one completion; it must respect ctx cancellation.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Info() Info
}

// Mock is a scripted model for tests. Each call to Generate pops the next
// queued response (or error). When the script is exhausted it returns the
// Fallback response. Safe for concurrent use.
type Mock struct {
	mu        sync.Mutex
	script    []mockStep
	requests  []Request
	Fallback  Response
	InfoValue Info
}

type mockStep struct {
	resp Response
	err  error
}

// NewMock creates an empty scripted model that answers with Fallback.
func NewMock() *Mock {
	return &Mock{
		Fallback:  Response{Content: *core.NewTextContent("assistant", "ok"), FinishReason: "stop"},
		InfoValue: Info{Name: "mock", Provider: "mock", SupportsTools: true},
	}
}

// Queue appends a scripted response.
func (m *Mock) Queue(resp Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{resp: resp})
	return m
}

// QueueText appends a scripted plain-text assistant response.
func (m *Mock) QueueText(text string) *Mock {
	return m.Queue(Response{
		Content:      *core.NewTextContent("assistant", text),
		FinishReason: "stop",
	})
}

// QueueFunctionCall appends a scripted response requesting a tool call.
func (m *Mock) QueueFunctionCall(id, name, arguments string) *Mock {
	return m.Queue(Response{
		Content: core.Content{
			Role: "assistant",
			Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{
				ID:        id,
				Name:      name,
				Arguments: arguments,
			}}},
		},
		FinishReason: "tool_use",
	})
}

// QueueError appends a scripted failure.
func (m *Mock) QueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{err: err})
	return m
}

// Generate pops the next scripted step and records the request.
func (m *Mock) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return m.Fallback, nil
	}
	step := m.script[0]
	m.script = m.script[1:]
	if step.err != nil {
		return Response{}, step.err
	}
	return step.resp, nil
}

// Requests returns a copy of all requests seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Generate invocations so far.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Info returns the mock's metadata.
func (m *Mock) Info() Info { return m.InfoValue }
