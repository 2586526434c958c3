package eventlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/test/testdb"
)

func TestAppend_AssignsDenseSequencePerConversation(t *testing.T) {
	pool := testdb.SetupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO squads (id, owner_id, name) VALUES ('sq1','u1','Squad One')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO agents (id, squad_id, role) VALUES ('a1','sq1','project_manager')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO conversations (id, squad_id, asker_agent_id, current_responder_agent_id, state)
		VALUES ('c1','sq1','a1','a1','initiated')`)
	require.NoError(t, err)

	log := eventlog.New(pool, nil)

	ev1, err := log.Append(ctx, "c1", "sq1", models.EventInitiated, []byte(`{}`), nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, ev1.Sequence)

	ev2, err := log.Append(ctx, "c1", "sq1", models.EventStateChanged, []byte(`{"from":"initiated","to":"waiting"}`), nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, ev2.Sequence)

	timeline, err := log.ReadTimeline(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	require.Equal(t, models.EventInitiated, timeline[0].Kind)
	require.Equal(t, models.EventStateChanged, timeline[1].Kind)
}

func TestReadTimeline_RespectsFromSequence(t *testing.T) {
	pool := testdb.SetupTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO squads (id, owner_id, name) VALUES ('sq1','u1','Squad One')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO agents (id, squad_id, role) VALUES ('a1','sq1','project_manager')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO conversations (id, squad_id, asker_agent_id, current_responder_agent_id, state)
		VALUES ('c1','sq1','a1','a1','initiated')`)
	require.NoError(t, err)

	log := eventlog.New(pool, nil)
	_, err = log.Append(ctx, "c1", "sq1", models.EventInitiated, []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "c1", "sq1", models.EventStateChanged, []byte(`{}`), nil)
	require.NoError(t, err)

	timeline, err := log.ReadTimeline(ctx, "c1", 1)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.EqualValues(t, 2, timeline[0].Sequence)
}
