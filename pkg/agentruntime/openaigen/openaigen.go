// Package openaigen is an agentruntime.TextGenerator backed by OpenAI's
// Chat Completions API. Grounded on manifold's internal/llm/openai/client.go
// Chat method's non-streaming completions.New path — squadron drops the
// Responses-API variant, image attachments, and self-hosted SSE transport
// wrapping that file also carries, none of which the runtime needs.
package openaigen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/opensquad/squadron/pkg/agentruntime"
)

// Config configures one bound generator. Model falls back to GPT-4o-class
// default when empty.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client implements agentruntime.TextGenerator.
type Client struct {
	sdk   openaisdk.Client
	model string
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openaisdk.ChatModelGPT4o
	}

	return &Client{sdk: openaisdk.NewClient(opts...), model: model}
}

// Generate implements agentruntime.TextGenerator.
func (c *Client) Generate(ctx context.Context, agentID string, in agentruntime.GenerateInput) (agentruntime.GenerateResult, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(c.model),
		Messages: adaptHistory(in.SystemPrompt, in.History),
	}
	if len(in.ToolsAllowed) > 0 {
		params.Tools = adaptTools(in.ToolsAllowed)
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return agentruntime.GenerateResult{}, fmt.Errorf("openaigen: generate: %w", err)
	}
	if len(comp.Choices) == 0 {
		return agentruntime.GenerateResult{}, fmt.Errorf("openaigen: empty choices in response")
	}
	return messageFromChoice(comp.Choices[0]), nil
}

func adaptTools(names []string) []openaisdk.ChatCompletionToolUnionParam {
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(names))
	for _, name := range names {
		out = append(out, openaisdk.ChatCompletionFunctionTool(openaisdk.FunctionDefinitionParam{
			Name: name,
		}))
	}
	return out
}

func adaptHistory(systemPrompt string, turns []agentruntime.ConversationTurn) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if systemPrompt != "" {
		out = append(out, openaisdk.SystemMessage(systemPrompt))
	}
	for _, t := range turns {
		switch t.Role {
		case "user":
			out = append(out, openaisdk.UserMessage(t.Content))
		case "assistant":
			out = append(out, openaisdk.AssistantMessage(t.Content))
		case "tool":
			out = append(out, openaisdk.ToolMessage(t.Content, t.CallID))
		}
	}
	return out
}

func messageFromChoice(choice openaisdk.ChatCompletionChoice) agentruntime.GenerateResult {
	msg := choice.Message
	result := agentruntime.GenerateResult{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		switch v := tc.AsAny().(type) {
		case openaisdk.ChatCompletionMessageFunctionToolCall:
			result.ToolCalls = append(result.ToolCalls, agentruntime.ToolCall{
				ID:   v.ID,
				Name: v.Function.Name,
				Args: json.RawMessage(v.Function.Arguments),
			})
		}
	}
	return result
}
