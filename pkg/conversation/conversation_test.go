package conversation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

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

func newService(t *testing.T) (*conversation.Service, *testSquad) {
	t.Helper()
	pool := testdb.SetupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO squads (id, owner_id, name) VALUES ('sq1','u1','Squad One')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO agents (id, squad_id, role) VALUES
		('pm1','sq1','project_manager'),
		('tl1','sq1','tech_lead'),
		('sa1','sq1','solution_architect')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO routing_rules (id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active) VALUES
		('r1','sq1','project_manager','default',0,'tech_lead',1,true),
		('r2','sq1','project_manager','default',1,'solution_architect',1,true)`)
	require.NoError(t, err)

	log := eventlog.New(pool, nil)
	membership := &fakeMembership{members: map[string][]string{"sq1": {"pm1", "tl1", "sa1"}}}
	b := bus.New(bus.DefaultConfig(), log, pool, membership)
	svc := conversation.New(pool, log, b, nil, nil, conversation.DefaultConfig())

	return svc, &testSquad{bus: b}
}

type testSquad struct {
	bus *bus.Bus
}

func TestInitiate_RoutesToConfiguredResponderAndPublishesQuestion(t *testing.T) {
	svc, ts := newService(t)
	ctx := context.Background()

	inbox := ts.bus.Subscribe("tl1")

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "how should we structure this?", nil, nil)
	require.NoError(t, err)
	require.Equal(t, models.StateWaiting, c.State)
	require.Equal(t, "tl1", c.CurrentResponderAgentID)
	require.Equal(t, 0, c.EscalationLevel)

	select {
	case msg := <-inbox:
		require.Equal(t, models.MessageQuestion, msg.Type)
	default:
		t.Fatal("responder never received the question")
	}
}

func TestAnswerThenAcknowledge_ReachesTerminalState(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "question?", nil, nil)
	require.NoError(t, err)

	answered, err := svc.Answer(ctx, c.ID, "tl1", "here's the answer")
	require.NoError(t, err)
	require.Equal(t, models.StateAnswered, answered.State)

	acked, err := svc.Acknowledge(ctx, c.ID, "pm1")
	require.NoError(t, err)
	require.Equal(t, models.StateAcknowledged, acked.State)
	require.NotNil(t, acked.ClosedAt)
}

func TestAnswer_WrongResponderIsPermissionDenied(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "question?", nil, nil)
	require.NoError(t, err)

	_, err = svc.Answer(ctx, c.ID, "sa1", "not my question to answer")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindPermissionDenied, kind)
}

func TestAnswer_NotWaitingIsIllegalTransition(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "question?", nil, nil)
	require.NoError(t, err)
	_, err = svc.Answer(ctx, c.ID, "tl1", "answered once")
	require.NoError(t, err)

	_, err = svc.Answer(ctx, c.ID, "tl1", "answered twice")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindIllegalTransition, kind)
}

func TestEscalate_CreatesChildConversationAtNextLevel(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "question?", nil, nil)
	require.NoError(t, err)

	child, err := svc.Escalate(ctx, c.ID, "manual escalation")
	require.NoError(t, err)
	require.Equal(t, 1, child.EscalationLevel)
	require.Equal(t, "sa1", child.CurrentResponderAgentID)
	require.NotNil(t, child.ParentConversationID)
	require.Equal(t, c.ID, *child.ParentConversationID)
	require.Equal(t, models.StateWaiting, child.State)
}

func TestEscalate_NoResponderAtNextLevelTimesOut(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Initiate(ctx, "sq1", "pm1", "default", "question?", nil, nil)
	require.NoError(t, err)

	// Escalate past the only two configured levels (0 and 1): the second
	// escalation has no level-2 rule to route through.
	child, err := svc.Escalate(ctx, c.ID, "first escalation")
	require.NoError(t, err)

	final, err := svc.Escalate(ctx, child.ID, "second escalation")
	require.NoError(t, err)
	require.Equal(t, models.StateTimedOut, final.State)
	require.NotNil(t, final.ClosedAt)
}
