// Package agentruntime implements C5, the Agent Runtime: the cooperative
// per-agent loop that pulls a delivered Message off its C3 queue, asks a
// TextGenerator for a reply (optionally calling tools through an
// ACL-gated ToolInvoker along the way), and drives at most one C4
// transition before advancing its watermark.
//
// TextGenerator and ToolInvoker are the two opaque seams this package
// never looks behind: everything above them (the loop, the history
// window, the error semantics) is generic across whichever vendor or
// tool backend is wired in. Grounded on tarsy's pkg/agent/base_agent.go
// (the LLMClient/ToolExecutor split) and pkg/agent/controller/iterating.go
// (the step-budget tool-calling loop), scaled down to squadron's
// non-streaming, no-sub-agent shape.
package agentruntime

import (
	"context"
	"encoding/json"
)

// ConversationTurn is one entry in the bounded history window a generator
// sees. Role follows the vendor-agnostic "system"/"user"/"assistant"/"tool"
// convention every TextGenerator implementation translates into its own
// wire format.
type ConversationTurn struct {
	Role string
	// CallID correlates a "tool" role turn back to the ToolCall.ID it
	// answers; vendor generators that require it (OpenAI) thread it
	// through, others ignore it.
	CallID  string
	Content string
}

// ToolCall is one tool invocation a TextGenerator asks the runtime to make
// before it can produce a final reply.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is what a ToolInvoker hands back for a ToolCall, fed into the
// next turn of history as a "tool" role entry.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// GenerateInput is everything a TextGenerator needs to produce the next
// turn: the agent's fixed system prompt, its bounded conversation history,
// and the tool names its squad template grants it.
type GenerateInput struct {
	SystemPrompt string
	History      []ConversationTurn
	ToolsAllowed []string
}

// GenerateResult is a TextGenerator's reply: either a final text answer, or
// one or more ToolCalls the runtime must execute before calling Generate
// again with the tool results appended to history. A result with both Text
// and ToolCalls is not final: the runtime executes the ToolCalls and keeps
// Text in history as the assistant turn that requested them.
type GenerateResult struct {
	Text      string
	ToolCalls []ToolCall
}

// TextGenerator is the opaque LLM-backed reply generator every agent role
// is bound to via its GeneratorRef. agentID is passed through so a test
// double (mockgen) can route scripted responses per agent without parsing
// it back out of SystemPrompt.
type TextGenerator interface {
	Generate(ctx context.Context, agentID string, in GenerateInput) (GenerateResult, error)
}
