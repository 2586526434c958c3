// Package sse implements C7, the live-stream fan-out: long-lived HTTP
// clients scoped by squad or by task execution, fed from C1's tail
// subscription and a connect-time catchup read.
//
// Directly grounded on tarsy's pkg/events/manager.go ConnectionManager —
// the same connection registry and catchup-then-live-tail sequencing —
// adapted from WebSocket framing to text/event-stream framing (this system
// streams over SSE, not WebSocket): each
// Connection writes id:/event:/data: frames to an http.Flusher instead of
// a websocket.Conn. Heartbeat and the SlowConsumer disconnect are grounded
// on the same file's write-timeout handling.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
)

// Config tunes heartbeat cadence and per-connection backpressure.
type Config struct {
	HeartbeatInterval time.Duration
	ClientBuffer      int
}

// DefaultConfig matches the SSE_HEARTBEAT_SECONDS/SSE_CLIENT_BUFFER env
// defaults.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 15 * time.Second, ClientBuffer: 64}
}

// Manager serves SSE streams scoped by squad or task execution. One
// Manager instance per process, same as tarsy's one-ConnectionManager-per-
// pod model.
type Manager struct {
	log      *eventlog.Log
	listener *eventlog.Listener
	pool     *pgxpool.Pool
	cfg      Config
}

// New builds a Manager. listener must already be Start-ed.
func New(log *eventlog.Log, listener *eventlog.Listener, pool *pgxpool.Pool, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 || cfg.ClientBuffer <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{log: log, listener: listener, pool: pool, cfg: cfg}
}

// ServeSquad streams every event for squadID: a connect-time catchup from
// either the client's Last-Event-Id header or the current max event id,
// followed by a live tail of new appends. Blocks until the request context
// is done or the client is dropped as a SlowConsumer. squadID is resolved
// by the caller (pkg/api) from the URL path, since squadron's HTTP layer
// (gin) owns path-parameter extraction rather than net/http's ServeMux.
func (m *Manager) ServeSquad(w http.ResponseWriter, r *http.Request, squadID string) error {
	return m.serve(w, r, eventlog.TailFilter{SquadID: squadID},
		func(ctx context.Context) (int64, error) { return m.log.MaxEventID(ctx, squadID) },
		func(ctx context.Context, fromID int64) ([]models.ConversationEvent, error) {
			return m.log.ReadSquadEvents(ctx, squadID, fromID)
		},
		func(models.ConversationEvent) bool { return true },
	)
}

// ServeExecution streams every event for conversations sharing
// taskExecutionID. Every in-scope conversation is assumed to belong to one
// squad (squadron's task-execution grouping never spans squads), so the
// live tail subscribes on that squad's channel and filters by membership
// in the execution's conversation set resolved at connect time. A
// conversation created under this execution after connect is picked up by
// the next catchup-driven reconnect, not the live tail — acceptable given
// how rarely a single execution's conversation set grows mid-stream.
func (m *Manager) ServeExecution(w http.ResponseWriter, r *http.Request, executionID string) error {
	ctx := r.Context()

	squadID, convIDs, err := m.resolveExecutionScope(ctx, executionID)
	if err != nil {
		return err
	}
	inScope := func(ev models.ConversationEvent) bool { return convIDs[ev.ConversationID] }

	return m.serve(w, r, eventlog.TailFilter{SquadID: squadID},
		func(ctx context.Context) (int64, error) { return m.log.MaxExecutionEventID(ctx, executionID) },
		func(ctx context.Context, fromID int64) ([]models.ConversationEvent, error) {
			return m.log.ReadExecutionEvents(ctx, executionID, fromID)
		},
		inScope,
	)
}

func (m *Manager) resolveExecutionScope(ctx context.Context, executionID string) (squadID string, convIDs map[string]bool, err error) {
	rows, err := m.pool.Query(ctx, `SELECT id, squad_id FROM conversations WHERE task_execution_id = $1`, executionID)
	if err != nil {
		return "", nil, fmt.Errorf("sse: resolve execution scope: %w", err)
	}
	defer rows.Close()

	convIDs = make(map[string]bool)
	for rows.Next() {
		var convID, sid string
		if err := rows.Scan(&convID, &sid); err != nil {
			return "", nil, fmt.Errorf("sse: scan execution scope: %w", err)
		}
		convIDs[convID] = true
		squadID = sid
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("sse: execution scope rows: %w", err)
	}
	return squadID, convIDs, nil
}

// serve is the framing-agnostic core: resolve the connect-time cursor,
// drain catchup, subscribe to the live tail, and write frames until the
// request context ends, the client falls behind, or the tail
// unsubscribes.
func (m *Manager) serve(
	w http.ResponseWriter,
	r *http.Request,
	filter eventlog.TailFilter,
	cursorOf func(ctx context.Context) (int64, error),
	catchupFrom func(ctx context.Context, fromID int64) ([]models.ConversationEvent, error),
	inScope func(models.ConversationEvent) bool,
) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor, err := m.resumeCursor(ctx, r, cursorOf)
	if err != nil {
		return err
	}

	roles, err := m.roleLookup(ctx, filter)
	if err != nil {
		return err
	}

	tail := make(chan eventlog.TailEvent, m.cfg.ClientBuffer)
	cancelTail, err := m.listener.Tail(ctx, filter, tail)
	if err != nil {
		return fmt.Errorf("sse: subscribe tail: %w", err)
	}
	defer cancelTail()

	events, err := catchupFrom(ctx, cursor)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if !inScope(ev) {
			continue
		}
		if err := m.writeEvent(w, flusher, ev, roles); err != nil {
			return nil
		}
		cursor = ev.ID
	}

	// out is this connection's outbound buffer. Frames are queued here
	// (non-blocking) and drained by the writer goroutine below; if the
	// client can't keep up with its own HTTP write speed, out fills up and
	// the connection is dropped as a SlowConsumer — the log stays
	// authoritative, a resumed connection replays via catchup.
	out := make(chan Frame, m.cfg.ClientBuffer)
	slow := make(chan struct{})
	var slowOnce sync.Once
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range out {
			if err := writeFrame(w, flusher, f); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(out)
		<-writerDone
	}()

	enqueue := func(f Frame) bool {
		select {
		case out <- f:
			return true
		default:
			slowOnce.Do(func() { close(slow) })
			return false
		}
	}

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-writerDone:
			return nil // client disconnected or a write failed
		case <-slow:
			return fmt.Errorf("sse: client disconnected as a slow consumer")
		case <-heartbeat.C:
			enqueue(Frame{Event: "heartbeat", Data: []byte("{}")})
		case te, ok := <-tail:
			if !ok {
				return nil
			}
			if te.EventID <= cursor {
				continue // already delivered by catchup; tail and catchup can briefly overlap
			}
			ev, err := m.log.EventByID(ctx, te.EventID)
			if err != nil {
				continue
			}
			if !inScope(ev) {
				continue
			}
			frame, err := buildFrame(ev, roles)
			if err != nil {
				continue
			}
			if enqueue(frame) {
				cursor = ev.ID
			}
		}
	}
}

// resumeCursor honors a client-supplied Last-Event-Id header for
// resume-after-disconnect (scenario: "reconnect with Last-Event-ID: 42"),
// falling back to the current max event id in scope for a fresh connect.
func (m *Manager) resumeCursor(ctx context.Context, r *http.Request, cursorOf func(context.Context) (int64, error)) (int64, error) {
	if raw := r.Header.Get("Last-Event-Id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, nil
		}
	}
	return cursorOf(ctx)
}

func (m *Manager) roleLookup(ctx context.Context, filter eventlog.TailFilter) (map[string]models.Role, error) {
	squadID := filter.SquadID
	if squadID == "" {
		return map[string]models.Role{}, nil
	}
	rows, err := m.pool.Query(ctx, `SELECT id, role FROM agents WHERE squad_id = $1`, squadID)
	if err != nil {
		return nil, fmt.Errorf("sse: role lookup: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]models.Role)
	for rows.Next() {
		var id, role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, fmt.Errorf("sse: scan role lookup: %w", err)
		}
		roles[id] = models.Role(role)
	}
	return roles, rows.Err()
}

func (m *Manager) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev models.ConversationEvent, roles map[string]models.Role) error {
	frame, err := buildFrame(ev, roles)
	if err != nil {
		return nil // malformed payload; skip rather than abort the whole stream
	}
	return writeFrame(w, flusher, frame)
}
