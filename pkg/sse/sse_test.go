package sse_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/sse"
	"github.com/opensquad/squadron/test/testdb"
)

type fakeMembership struct{ members map[string][]string }

func (f *fakeMembership) ActiveAgentIDs(_ context.Context, squadID string) ([]string, error) {
	return f.members[squadID], nil
}

type fixture struct {
	pool *pgxpool.Pool
	log  *eventlog.Log
	conv *conversation.Service
	mgr  *sse.Manager
}

func newFixture(t *testing.T, cfg sse.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	pool, listener := testdb.SetupTestPoolWithListener(t)

	_, err := pool.Exec(ctx, `INSERT INTO squads (id, owner_id, name) VALUES ('sq1','u1','Squad One')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO agents (id, squad_id, role) VALUES
		('pm1','sq1','project_manager'),
		('tl1','sq1','tech_lead')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO routing_rules (id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active)
		VALUES ('r1','sq1','project_manager','default',0,'tech_lead',1,true)`)
	require.NoError(t, err)

	log := eventlog.New(pool, nil)
	membership := &fakeMembership{members: map[string][]string{"sq1": {"pm1", "tl1"}}}
	b := bus.New(bus.DefaultConfig(), log, pool, membership)
	conv := conversation.New(pool, log, b, nil, nil, conversation.DefaultConfig())
	mgr := sse.New(log, listener, pool, cfg)

	return &fixture{pool: pool, log: log, conv: conv, mgr: mgr}
}

// slowWriter wraps httptest.ResponseRecorder and sleeps on every Write,
// simulating a client whose network can't keep up with the server.
type slowWriter struct {
	*httptest.ResponseRecorder
	delay func() time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	if d := w.delay(); d > 0 {
		time.Sleep(d)
	}
	return w.ResponseRecorder.Write(p)
}

func newRequest(t *testing.T, ctx context.Context, lastEventID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/squads/sq1/events", nil)
	req = req.WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-Id", lastEventID)
	}
	return req
}

func waitForBodyContains(t *testing.T, rec *httptest.ResponseRecorder, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.Body.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in body: %s", substr, rec.Body.String())
}

func TestServeSquad_StreamsLiveMessageAfterConnect(t *testing.T) {
	f := newFixture(t, sse.Config{HeartbeatInterval: time.Hour, ClientBuffer: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := httptest.NewRecorder()
	req := newRequest(t, ctx, "")

	done := make(chan error, 1)
	go func() { done <- f.mgr.ServeSquad(rec, req, "sq1") }()

	// Give the tail subscription time to LISTEN before publishing.
	time.Sleep(200 * time.Millisecond)

	_, err := f.conv.Initiate(context.Background(), "sq1", "pm1", "default", "how should we structure this?", nil, nil)
	require.NoError(t, err)

	waitForBodyContains(t, rec, "event: message", 3*time.Second)
	require.Contains(t, rec.Body.String(), "how should we structure this?")

	cancel()
	require.NoError(t, <-done)
}

func TestServeSquad_ResumesFromLastEventID(t *testing.T) {
	f := newFixture(t, sse.Config{HeartbeatInterval: time.Hour, ClientBuffer: 16})

	// First connection: observe one event, then disconnect.
	ctx1, cancel1 := context.WithCancel(context.Background())
	rec1 := httptest.NewRecorder()
	done1 := make(chan error, 1)
	go func() { done1 <- f.mgr.ServeSquad(rec1, newRequest(t, ctx1, ""), "sq1") }()
	time.Sleep(200 * time.Millisecond)

	_, err := f.conv.Initiate(context.Background(), "sq1", "pm1", "default", "first question", nil, nil)
	require.NoError(t, err)
	waitForBodyContains(t, rec1, "event: message", 3*time.Second)
	cancel1()
	require.NoError(t, <-done1)

	lastID := lastFrameID(t, rec1.Body.String())

	// Publish a second event while no one is connected.
	_, err = f.conv.Initiate(context.Background(), "sq1", "pm1", "default", "second question while disconnected", nil, nil)
	require.NoError(t, err)

	// Reconnect with Last-Event-Id: catchup must replay the second event
	// without replaying the first.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	rec2 := httptest.NewRecorder()
	done2 := make(chan error, 1)
	go func() { done2 <- f.mgr.ServeSquad(rec2, newRequest(t, ctx2, lastID), "sq1") }()

	waitForBodyContains(t, rec2, "second question while disconnected", 3*time.Second)
	require.NotContains(t, rec2.Body.String(), "first question")

	cancel2()
	require.NoError(t, <-done2)
}

func TestServeSquad_EmitsHeartbeat(t *testing.T) {
	f := newFixture(t, sse.Config{HeartbeatInterval: 50 * time.Millisecond, ClientBuffer: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- f.mgr.ServeSquad(rec, newRequest(t, ctx, ""), "sq1") }()

	waitForBodyContains(t, rec, "event: heartbeat", 2*time.Second)

	cancel()
	require.NoError(t, <-done)
}

func TestServeSquad_DropsSlowConsumer(t *testing.T) {
	f := newFixture(t, sse.Config{HeartbeatInterval: time.Hour, ClientBuffer: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := httptest.NewRecorder()
	slow := &slowWriter{ResponseRecorder: rec, delay: func() time.Duration { return 300 * time.Millisecond }}
	req := newRequest(t, ctx, "")

	done := make(chan error, 1)
	go func() { done <- f.mgr.ServeSquad(slow, req, "sq1") }()
	time.Sleep(200 * time.Millisecond)

	// Publish several events back-to-back: the writer goroutine is stuck
	// sleeping on the first write, so with ClientBuffer=1 the outbound
	// queue overflows and the connection must be dropped.
	for i := 0; i < 5; i++ {
		questionType := "default"
		if i > 0 {
			questionType = "followup-" + strconv.Itoa(i)
			_, err := f.pool.Exec(context.Background(),
				`INSERT INTO routing_rules (id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active)
				 VALUES ($1,'sq1','project_manager',$2,0,'tech_lead',1,true)`,
				"r-"+strconv.Itoa(i), questionType)
			require.NoError(t, err)
		}
		_, err := f.conv.Initiate(context.Background(), "sq1", "pm1", questionType, "question "+strconv.Itoa(i), nil, nil)
		require.NoError(t, err)
	}

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected ServeSquad to drop the slow consumer and return an error")
	}
}

func lastFrameID(t *testing.T, body string) string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "id: ") {
			return strings.TrimPrefix(lines[i], "id: ")
		}
	}
	t.Fatalf("no id: line found in body: %s", body)
	return ""
}
