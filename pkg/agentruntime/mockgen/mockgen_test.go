package mockgen_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/agentruntime"
	"github.com/opensquad/squadron/pkg/agentruntime/mockgen"
)

func TestClient_RoutedTakesPriorityOverSequential(t *testing.T) {
	c := mockgen.New()
	c.AddSequential(mockgen.Entry{Result: agentruntime.GenerateResult{Text: "fallback"}})
	c.AddRouted("tl1", mockgen.Entry{Result: agentruntime.GenerateResult{Text: "routed"}})

	result, err := c.Generate(context.Background(), "tl1", agentruntime.GenerateInput{})
	require.NoError(t, err)
	require.Equal(t, "routed", result.Text)
	require.Equal(t, 1, c.CallCount())
}

func TestClient_FallsBackToSequentialWhenNoRouteMatches(t *testing.T) {
	c := mockgen.New()
	c.AddSequential(mockgen.Entry{Result: agentruntime.GenerateResult{Text: "fallback-1"}})
	c.AddSequential(mockgen.Entry{Result: agentruntime.GenerateResult{Text: "fallback-2"}})

	first, err := c.Generate(context.Background(), "pm1", agentruntime.GenerateInput{})
	require.NoError(t, err)
	require.Equal(t, "fallback-1", first.Text)

	second, err := c.Generate(context.Background(), "sa1", agentruntime.GenerateInput{})
	require.NoError(t, err)
	require.Equal(t, "fallback-2", second.Text)
}

func TestClient_ExhaustedScriptReturnsError(t *testing.T) {
	c := mockgen.New()
	_, err := c.Generate(context.Background(), "pm1", agentruntime.GenerateInput{})
	require.Error(t, err)
}

func TestClient_CapturedInputsRecordsEveryCall(t *testing.T) {
	c := mockgen.New()
	c.AddSequential(mockgen.Entry{Result: agentruntime.GenerateResult{Text: "ok"}})

	in := agentruntime.GenerateInput{SystemPrompt: "be terse", ToolsAllowed: []string{"ticket.create"}}
	_, err := c.Generate(context.Background(), "pm1", in)
	require.NoError(t, err)

	captured := c.CapturedInputs()
	require.Len(t, captured, 1)
	require.Equal(t, "be terse", captured[0].SystemPrompt)
	require.Equal(t, []string{"ticket.create"}, captured[0].ToolsAllowed)
}
