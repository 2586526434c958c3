package agentruntime

import (
	"context"
	"fmt"

	"github.com/opensquad/squadron/pkg/errs"
)

// ToolInvoker executes one ToolCall and returns its result. Implemented by
// mcptoolinvoker for real deployments and directly by tests that need a
// scripted tool backend.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (ToolResult, error)
}

// aclToolInvoker wraps an inner ToolInvoker with a per-agent allowlist,
// grounded on tarsy's orchestrator.CompositeToolExecutor: the same
// route-by-name-then-delegate shape, here routing on "is this name
// allowed" instead of "is this an orchestration tool" before ever reaching
// the inner invoker.
type aclToolInvoker struct {
	inner   ToolInvoker
	allowed map[string]bool
}

// NewACLToolInvoker builds a ToolInvoker that rejects any call whose name
// isn't in allowedTools before it ever reaches inner. A nil inner is valid
// when allowedTools is empty — such an agent can never produce a tool call
// that passes the gate, so the inner invoker is never dereferenced.
func NewACLToolInvoker(inner ToolInvoker, allowedTools []string) ToolInvoker {
	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}
	return &aclToolInvoker{inner: inner, allowed: allowed}
}

// Invoke returns a PermissionDenied error, without ever calling inner, when
// call.Name is not in the agent's tool capability allowlist. The caller
// (Runtime) is responsible for recording this as a system event — it does
// not advance conversation state.
func (a *aclToolInvoker) Invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	if !a.allowed[call.Name] {
		return ToolResult{}, errs.New(errs.KindPermissionDenied, fmt.Sprintf("agentruntime: tool %q is not in this agent's tool capabilities", call.Name))
	}
	if a.inner == nil {
		return ToolResult{}, errs.New(errs.KindPermissionDenied, fmt.Sprintf("agentruntime: tool %q has no backing invoker configured", call.Name))
	}
	return a.inner.Invoke(ctx, call)
}
