package agentruntime_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/agentruntime"
	"github.com/opensquad/squadron/pkg/agentruntime/mockgen"
	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/test/testdb"
)

type fakeMembership struct {
	members map[string][]string
}

func (f *fakeMembership) ActiveAgentIDs(_ context.Context, squadID string) ([]string, error) {
	return f.members[squadID], nil
}

type fixture struct {
	pool *pgxpool.Pool
	log  *eventlog.Log
	bus  *bus.Bus
	conv *conversation.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := testdb.SetupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO squads (id, owner_id, name) VALUES ('sq1','u1','Squad One')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO agents (id, squad_id, role) VALUES
		('pm1','sq1','project_manager'),
		('tl1','sq1','tech_lead')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO routing_rules (id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active) VALUES
		('r1','sq1','project_manager','default',0,'tech_lead',1,true)`)
	require.NoError(t, err)

	log := eventlog.New(pool, nil)
	membership := &fakeMembership{members: map[string][]string{"sq1": {"pm1", "tl1"}}}
	b := bus.New(bus.DefaultConfig(), log, pool, membership)
	conv := conversation.New(pool, log, b, nil, nil, conversation.DefaultConfig())

	return &fixture{pool: pool, log: log, bus: b, conv: conv}
}

func responderAgent(toolCaps ...string) models.Agent {
	return models.Agent{ID: "tl1", SquadID: "sq1", Role: "tech_lead", SystemPrompt: "you are the tech lead", ToolCapabilities: toolCaps}
}

func (f *fixture) stateOf(t *testing.T, conversationID string) models.ConversationState {
	t.Helper()
	var state string
	err := f.pool.QueryRow(context.Background(), `SELECT state FROM conversations WHERE id = $1`, conversationID).Scan(&state)
	require.NoError(t, err)
	return models.ConversationState(state)
}

func (f *fixture) waitForState(t *testing.T, conversationID string, want models.ConversationState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.stateOf(t, conversationID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("conversation %q never reached state %q, last seen %q", conversationID, want, f.stateOf(t, conversationID))
}

func (f *fixture) waitForEventKind(t *testing.T, conversationID string, kind models.EventKind) models.ConversationEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		timeline, err := f.log.ReadTimeline(context.Background(), conversationID, 0)
		require.NoError(t, err)
		for _, ev := range timeline {
			if ev.Kind == kind {
				return ev
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("conversation %q never recorded an event of kind %q", conversationID, kind)
	return models.ConversationEvent{}
}

func watermarkOf(t *testing.T, f *fixture, agentID string) int64 {
	t.Helper()
	wm, err := f.bus.Watermark(context.Background(), agentID)
	require.NoError(t, err)
	return wm.LastDeliveredSeq
}

type stubInvoker struct {
	result agentruntime.ToolResult
	err    error
	calls  []agentruntime.ToolCall
}

func (s *stubInvoker) Invoke(_ context.Context, call agentruntime.ToolCall) (agentruntime.ToolResult, error) {
	s.calls = append(s.calls, call)
	return s.result, s.err
}

func TestRuntime_QuestionGeneratesAnswerAndAdvancesState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	gen.AddRouted("tl1", mockgen.Entry{Result: agentruntime.GenerateResult{Text: "use a repository pattern"}})

	rt := agentruntime.New(responderAgent(), f.bus, f.conv, f.log, gen, nil, nil, agentruntime.DefaultConfig())
	rt.Run(ctx)
	defer rt.Stop()

	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "how should we structure this?", nil, nil)
	require.NoError(t, err)

	f.waitForState(t, c.ID, models.StateAnswered)
	require.Equal(t, 1, gen.CallCount())

	inputs := gen.CapturedInputs()
	require.Len(t, inputs, 1)
	require.Equal(t, "you are the tech lead", inputs[0].SystemPrompt)
}

func TestRuntime_ToolCallLoopFeedsResultBackIntoHistory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	gen.AddRouted("tl1", mockgen.Entry{Result: agentruntime.GenerateResult{
		ToolCalls: []agentruntime.ToolCall{{ID: "call-1", Name: "ticket.create", Args: []byte(`{"title":"x"}`)}},
	}})
	gen.AddRouted("tl1", mockgen.Entry{Result: agentruntime.GenerateResult{Text: "filed ticket TICK-1"}})

	invoker := &stubInvoker{result: agentruntime.ToolResult{Content: "TICK-1 created"}}

	rt := agentruntime.New(responderAgent("ticket.create"), f.bus, f.conv, f.log, gen, invoker, nil, agentruntime.DefaultConfig())
	rt.Run(ctx)
	defer rt.Stop()

	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "can you file a ticket?", nil, nil)
	require.NoError(t, err)

	f.waitForState(t, c.ID, models.StateAnswered)
	require.Equal(t, 2, gen.CallCount())
	require.Len(t, invoker.calls, 1)
	require.Equal(t, "ticket.create", invoker.calls[0].Name)

	second := gen.CapturedInputs()[1]
	require.Contains(t, second.History[len(second.History)-1].Content, "TICK-1 created")
	require.Equal(t, "call-1", second.History[len(second.History)-1].CallID)
}

func TestRuntime_GeneratorFailureEmitsHumanInterventionWithoutAdvancingState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	gen.AddRouted("tl1", mockgen.Entry{Err: errs.New(errs.KindUpstreamUnavailable, "vendor outage")})

	asker := f.bus.Subscribe("pm1")

	rt := agentruntime.New(responderAgent(), f.bus, f.conv, f.log, gen, nil, nil, agentruntime.DefaultConfig())
	rt.Run(ctx)
	defer rt.Stop()

	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "why is the build red?", nil, nil)
	require.NoError(t, err)

	select {
	case msg := <-asker:
		require.Equal(t, models.MessageHumanInterventionRequired, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("asker never received a human_intervention_required message")
	}

	require.Equal(t, models.StateWaiting, f.stateOf(t, c.ID))
}

func TestRuntime_ToolACLViolationRecordsExternalNoteWithoutAnswering(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	gen.AddRouted("tl1", mockgen.Entry{Result: agentruntime.GenerateResult{
		ToolCalls: []agentruntime.ToolCall{{ID: "call-1", Name: "deploy.prod", Args: []byte(`{}`)}},
	}})

	invoker := &stubInvoker{result: agentruntime.ToolResult{Content: "should never be reached"}}

	// responderAgent is granted no tool capabilities, so deploy.prod is denied
	// by the ACL gate before invoker is ever called.
	rt := agentruntime.New(responderAgent(), f.bus, f.conv, f.log, gen, invoker, nil, agentruntime.DefaultConfig())
	rt.Run(ctx)
	defer rt.Stop()

	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "please deploy to prod", nil, nil)
	require.NoError(t, err)

	ev := f.waitForEventKind(t, c.ID, models.EventExternalNote)
	require.Contains(t, string(ev.Payload), "tool_acl_violation")
	require.Empty(t, invoker.calls)
	require.Equal(t, models.StateWaiting, f.stateOf(t, c.ID))
}

func TestRuntime_StepBudgetExhaustionEmitsHumanIntervention(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	loopingCall := agentruntime.GenerateResult{ToolCalls: []agentruntime.ToolCall{{ID: "loop", Name: "ticket.create", Args: []byte(`{}`)}}}
	for i := 0; i < 10; i++ {
		gen.AddRouted("tl1", mockgen.Entry{Result: loopingCall})
	}

	invoker := &stubInvoker{result: agentruntime.ToolResult{Content: "still thinking"}}

	cfg := agentruntime.DefaultConfig()
	cfg.StepBudget = 2
	rt := agentruntime.New(responderAgent("ticket.create"), f.bus, f.conv, f.log, gen, invoker, nil, cfg)
	rt.Run(ctx)
	defer rt.Stop()

	asker := f.bus.Subscribe("pm1")
	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "loop forever", nil, nil)
	require.NoError(t, err)

	select {
	case msg := <-asker:
		require.Equal(t, models.MessageHumanInterventionRequired, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("asker never received a human_intervention_required message")
	}
	require.Equal(t, models.StateWaiting, f.stateOf(t, c.ID))
}

func TestRuntime_AckAdvancesWatermarkForDirectedButNotBroadcastMessages(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mockgen.New()
	gen.AddSequential(mockgen.Entry{Result: agentruntime.GenerateResult{Text: "ok"}})

	rt := agentruntime.New(responderAgent(), f.bus, f.conv, f.log, gen, nil, nil, agentruntime.DefaultConfig())
	rt.Run(ctx)
	defer rt.Stop()

	c, err := f.conv.Initiate(ctx, "sq1", "pm1", "default", "directed question", nil, nil)
	require.NoError(t, err)
	f.waitForState(t, c.ID, models.StateAnswered)

	require.Eventually(t, func() bool {
		return watermarkOf(t, f, "tl1") > 0
	}, 2*time.Second, 10*time.Millisecond)

	before := watermarkOf(t, f, "tl1")
	_, err = f.bus.Publish(ctx, models.Message{ID: "broadcast-1", SquadID: "sq1", SenderAgentID: "pm1", Type: models.MessageStandup, Content: "standup"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, watermarkOf(t, f, "tl1"))
}
