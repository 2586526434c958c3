// Package mcptoolinvoker is the production agentruntime.ToolInvoker,
// wrapping github.com/modelcontextprotocol/go-sdk/mcp. Grounded directly on
// tarsy's pkg/mcp/client.go: per-server session management behind a
// sync.RWMutex, a per-server sync.Map-backed reinit mutex guarding
// session recreation, and a single
// retry-with-session-recreation attempt on a classified transport failure.
// Tool names are namespaced "server.tool", mirroring tarsy's canonical
// "server.tool" tool-name convention so one Invoker can front many servers.
package mcptoolinvoker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opensquad/squadron/pkg/agentruntime"
)

// recoveryAction mirrors tarsy's RecoveryAction: whether a CallTool failure
// is worth retrying, and if so, whether the session must be recreated first.
type recoveryAction int

const (
	noRetry recoveryAction = iota
	retryNewSession
)

const (
	operationTimeout = 90 * time.Second
	reinitTimeout    = 10 * time.Second
	retryBackoffMin  = 250 * time.Millisecond
	retryBackoffMax  = 750 * time.Millisecond
)

// ServerConfig is one MCP server endpoint this invoker connects to, keyed
// by the name tool calls are namespaced under ("server.tool").
type ServerConfig struct {
	Name     string
	Endpoint string // streamable HTTP endpoint; see TOOL_MCP_SERVERS in pkg/config
}

// Invoker implements agentruntime.ToolInvoker by dispatching each ToolCall
// to the MCP server its name is namespaced under.
type Invoker struct {
	servers map[string]ServerConfig

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession

	reinitMu sync.Map // serverName -> *sync.Mutex
}

// New builds an Invoker over servers. Sessions are created lazily, on first
// use of a tool namespaced under that server, not eagerly at construction.
func New(servers []ServerConfig) *Invoker {
	byName := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &Invoker{servers: byName, sessions: make(map[string]*mcpsdk.ClientSession)}
}

var _ agentruntime.ToolInvoker = (*Invoker)(nil)

// Invoke implements agentruntime.ToolInvoker. call.Name must be of the form
// "server.tool"; anything else is a caller error, not a transport failure.
func (inv *Invoker) Invoke(ctx context.Context, call agentruntime.ToolCall) (agentruntime.ToolResult, error) {
	serverName, toolName, err := splitName(call.Name)
	if err != nil {
		return agentruntime.ToolResult{}, err
	}

	args, err := decodeArgs(call.Args)
	if err != nil {
		return agentruntime.ToolResult{}, err
	}

	result, err := inv.callOnce(ctx, serverName, toolName, args)
	if err == nil {
		return toolResult(call.ID, result), nil
	}

	if classifyError(err) != retryNewSession {
		return agentruntime.ToolResult{}, fmt.Errorf("mcptoolinvoker: call %s: %w", call.Name, err)
	}

	backoff := retryBackoffMin + time.Duration(rand.Int63n(int64(retryBackoffMax-retryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return agentruntime.ToolResult{}, ctx.Err()
	}

	if err := inv.recreateSession(ctx, serverName); err != nil {
		return agentruntime.ToolResult{}, fmt.Errorf("mcptoolinvoker: session recreation for %q failed: %w", serverName, err)
	}

	result, err = inv.callOnce(ctx, serverName, toolName, args)
	if err != nil {
		return agentruntime.ToolResult{}, fmt.Errorf("mcptoolinvoker: retry for %s failed: %w", call.Name, err)
	}
	return toolResult(call.ID, result), nil
}

func (inv *Invoker) callOnce(ctx context.Context, serverName, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	session, err := inv.ensureSession(ctx, serverName)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
}

func (inv *Invoker) ensureSession(ctx context.Context, serverName string) (*mcpsdk.ClientSession, error) {
	inv.mu.RLock()
	session, ok := inv.sessions[serverName]
	inv.mu.RUnlock()
	if ok {
		return session, nil
	}

	muI, _ := inv.reinitMu.LoadOrStore(serverName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	inv.mu.RLock()
	session, ok = inv.sessions[serverName]
	inv.mu.RUnlock()
	if ok {
		return session, nil
	}

	return inv.connectLocked(ctx, serverName)
}

func (inv *Invoker) connectLocked(ctx context.Context, serverName string) (*mcpsdk.ClientSession, error) {
	cfg, ok := inv.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("mcptoolinvoker: no server configured with name %q", serverName)
	}

	initCtx, cancel := context.WithTimeout(ctx, reinitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "squadron-agentruntime", Version: "1"}, nil)
	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.Endpoint}
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", serverName, err)
	}

	inv.mu.Lock()
	inv.sessions[serverName] = session
	inv.mu.Unlock()
	return session, nil
}

func (inv *Invoker) recreateSession(ctx context.Context, serverName string) error {
	muI, _ := inv.reinitMu.LoadOrStore(serverName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	inv.mu.Lock()
	if session, ok := inv.sessions[serverName]; ok {
		_ = session.Close()
		delete(inv.sessions, serverName)
	}
	inv.mu.Unlock()

	_, err := inv.connectLocked(ctx, serverName)
	return err
}

// Close shuts down every open session. Safe to call even if some sessions
// were never opened.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var firstErr error
	for name, session := range inv.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}
	inv.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func splitName(name string) (server, tool string, err error) {
	idx := strings.IndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("mcptoolinvoker: tool name %q must be \"server.tool\"", name)
	}
	return name[:idx], name[idx+1:], nil
}

func toolResult(callID string, result *mcpsdk.CallToolResult) agentruntime.ToolResult {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return agentruntime.ToolResult{CallID: callID, Content: sb.String(), IsError: result.IsError}
}

// classifyError mirrors tarsy's ClassifyError, narrowed to the two outcomes
// squadron acts on: give up, or recreate the session and retry once.
func classifyError(err error) recoveryAction {
	if err == nil {
		return noRetry
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "broken pipe", "connection closed", "eof"} {
		if strings.Contains(msg, needle) {
			return retryNewSession
		}
	}
	return noRetry
}

func decodeArgs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mcptoolinvoker: decode tool arguments: %w", err)
	}
	return m, nil
}
