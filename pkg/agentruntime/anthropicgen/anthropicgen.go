// Package anthropicgen is an agentruntime.TextGenerator backed by the
// Anthropic Messages API. Grounded on manifold's
// internal/llm/anthropic/client.go Chat method — squadron only ever needs
// the non-streaming path (the runtime consumes one GenerateResult per
// round, it never forwards partial deltas anywhere), so prompt caching,
// extended thinking, and the streaming accumulator all drop out.
package anthropicgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/opensquad/squadron/pkg/agentruntime"
)

const defaultMaxTokens int64 = 1024

// Config configures one bound generator. Model falls back to
// anthropicsdk.ModelClaude3_7SonnetLatest when empty.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Client implements agentruntime.TextGenerator.
type Client struct {
	sdk       anthropicsdk.Client
	model     string
	maxTokens int64
}

// New builds a Client from cfg. cfg.APIKey is read from GENERATOR_ANTHROPIC_API_KEY
// by the caller (pkg/config); this constructor takes no implicit env dependency.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropicsdk.ModelClaude3_7SonnetLatest)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{sdk: anthropicsdk.NewClient(opts...), model: model, maxTokens: maxTokens}
}

// Generate implements agentruntime.TextGenerator.
func (c *Client) Generate(ctx context.Context, agentID string, in agentruntime.GenerateInput) (agentruntime.GenerateResult, error) {
	messages, err := adaptHistory(in.History)
	if err != nil {
		return agentruntime.GenerateResult{}, err
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.model),
		Messages:  messages,
		MaxTokens: c.maxTokens,
	}
	if in.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: in.SystemPrompt}}
	}
	if len(in.ToolsAllowed) > 0 {
		params.Tools = adaptTools(in.ToolsAllowed)
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return agentruntime.GenerateResult{}, fmt.Errorf("anthropicgen: generate: %w", err)
	}
	return messageFromResponse(resp), nil
}

// adaptTools builds a minimal tool definition per allowed name: the runtime
// only needs Anthropic to know the tool exists and accepts an open-ended
// object of arguments — the authoritative schema (argument names/types)
// lives with the MCP server mcptoolinvoker talks to, not here.
func adaptTools(names []string) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(names))
	for _, name := range names {
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &anthropicsdk.ToolParam{
			Name: name,
			InputSchema: anthropicsdk.ToolInputSchemaParam{
				Type: constant.ValueOf[constant.Object](),
			},
		}})
	}
	return out
}

func adaptHistory(turns []agentruntime.ConversationTurn) ([]anthropicsdk.MessageParam, error) {
	out := make([]anthropicsdk.MessageParam, 0, len(turns))
	toolResultSeq := 0
	for _, t := range turns {
		switch t.Role {
		case "user":
			if t.Content != "" {
				out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(t.Content)))
			}
		case "assistant":
			if t.Content != "" {
				out = append(out, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(t.Content)))
			}
		case "tool":
			id := t.CallID
			if id == "" {
				toolResultSeq++
				id = fmt.Sprintf("tool-result-%d", toolResultSeq)
			}
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewToolResultBlock(id, t.Content, false)))
		default:
			return nil, fmt.Errorf("anthropicgen: unsupported history role %q", t.Role)
		}
	}
	return out, nil
}

func messageFromResponse(resp *anthropicsdk.Message) agentruntime.GenerateResult {
	if resp == nil {
		return agentruntime.GenerateResult{}
	}
	var sb strings.Builder
	var calls []agentruntime.ToolCall
	idx := 0
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			sb.WriteString(v.Text)
		case anthropicsdk.ToolUseBlock:
			idx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", idx)
			}
			args, err := json.Marshal(v.Input)
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, agentruntime.ToolCall{ID: id, Name: v.Name, Args: args})
		}
	}
	return agentruntime.GenerateResult{Text: sb.String(), ToolCalls: calls}
}
