// Package mockgen is a scripted agentruntime.TextGenerator test double,
// grounded directly on tarsy's test/e2e/mock_llm.go ScriptedLLMClient: the
// same dual-dispatch idea (per-agent routed script first, a shared
// sequential script as fallback), adapted from extracting the agent name
// out of free-form prompt text to using the agentID the runtime already
// passes explicitly into Generate.
package mockgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensquad/squadron/pkg/agentruntime"
)

// Entry is one scripted response. Exactly one of Result/Err should be set;
// an Entry with neither returns a zero-value GenerateResult.
type Entry struct {
	Result agentruntime.GenerateResult
	Err    error
}

// Client is a scripted agentruntime.TextGenerator. Safe for concurrent use.
type Client struct {
	mu         sync.Mutex
	sequential []Entry
	seqIndex   int
	routes     map[string][]Entry
	routeIndex map[string]int
	captured   []agentruntime.GenerateInput
}

// New builds an empty Client; use AddSequential/AddRouted to script it.
func New() *Client {
	return &Client{
		routes:     make(map[string][]Entry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential appends an entry consumed in order by any agent not bound
// to a more specific route.
func (c *Client) AddSequential(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, e)
}

// AddRouted appends an entry consumed in order only by Generate calls for
// the given agentID.
func (c *Client) AddRouted(agentID string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[agentID] = append(c.routes[agentID], e)
}

// CallCount returns how many times Generate has been called.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// CapturedInputs returns every GenerateInput Generate has been called with,
// in call order — tests use this to assert on the history window or tool
// allowlist the runtime built.
func (c *Client) CapturedInputs() []agentruntime.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agentruntime.GenerateInput, len(c.captured))
	copy(out, c.captured)
	return out
}

// Generate implements agentruntime.TextGenerator.
func (c *Client) Generate(ctx context.Context, agentID string, in agentruntime.GenerateInput) (agentruntime.GenerateResult, error) {
	c.mu.Lock()
	c.captured = append(c.captured, in)

	if entries, ok := c.routes[agentID]; ok {
		idx := c.routeIndex[agentID]
		if idx < len(entries) {
			c.routeIndex[agentID] = idx + 1
			e := entries[idx]
			c.mu.Unlock()
			return e.Result, e.Err
		}
	}

	if c.seqIndex < len(c.sequential) {
		e := c.sequential[c.seqIndex]
		c.seqIndex++
		c.mu.Unlock()
		return e.Result, e.Err
	}

	c.mu.Unlock()
	return agentruntime.GenerateResult{}, fmt.Errorf("mockgen: no scripted entry left for agent %q", agentID)
}
