package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// listenCmd is a LISTEN/UNLISTEN request executed by the receive loop, the
// sole goroutine that touches the dedicated pgx connection.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

// TailFilter narrows tail() to one conversation, one squad, or (when both
// are empty) nothing — Listener.Tail requires at least a squad scope.
type TailFilter struct {
	ConversationID string
	SquadID        string
}

// TailEvent is what a tail() subscriber receives: the routing envelope
// decoded off NOTIFY, not the full row — callers needing the full event
// call ReadTimeline or EventByID.
type TailEvent struct {
	EventID        int64
	ConversationID string
	Sequence       int64
	Kind           string
	Truncated      bool
}

// Listener is the dedicated-connection LISTEN/NOTIFY fan-in for tail().
// Grounded on tarsy's pkg/events/listener.go NotifyListener: one pgx.Conn,
// one receive-loop goroutine, LISTEN/UNLISTEN serialized through a command
// channel to avoid racing WaitForNotification against Exec, and per-channel
// generation counters so a stale UNLISTEN from an old Unsubscribe can never
// undo a newer Subscribe.
type Listener struct {
	connString string

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]bool
	channelsMu sync.RWMutex

	cmdCh   chan listenCmd
	running atomic.Bool

	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]map[chan TailEvent]bool // channel name -> subscriber set

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener builds a Listener against connString (same DSN as the
// application pool, but this connection is never returned to a pool — LISTEN
// state lives on one physical connection for the process's lifetime).
func NewListener(connString string) *Listener {
	return &Listener{
		connString: connString,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
		listenGen:  make(map[string]uint64),
		subs:       make(map[string]map[chan TailEvent]bool),
	}
}

// Start opens the dedicated connection and begins the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("eventlog: listener connect: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("eventlog listener started")
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *Listener) Stop(ctx context.Context) {
	l.running.Store(false)
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

// Tail registers ch to receive TailEvents for filter's scope (conversation
// channel if ConversationID is set, else the squad channel) and subscribes
// on the PostgreSQL connection if this is the first subscriber for that
// channel. The returned cancel func unregisters ch and UNLISTENs if it was
// the last subscriber.
func (l *Listener) Tail(ctx context.Context, filter TailFilter, ch chan TailEvent) (cancel func(), err error) {
	var channel string
	switch {
	case filter.ConversationID != "":
		channel = conversationChannel(filter.ConversationID)
	case filter.SquadID != "":
		channel = squadChannel(filter.SquadID)
	default:
		return nil, fmt.Errorf("eventlog: tail requires a conversation or squad scope")
	}

	l.subsMu.Lock()
	first := l.subs[channel] == nil
	if first {
		l.subs[channel] = make(map[chan TailEvent]bool)
	}
	l.subs[channel][ch] = true
	l.subsMu.Unlock()

	if first {
		if err := l.subscribe(ctx, channel); err != nil {
			l.subsMu.Lock()
			delete(l.subs[channel], ch)
			l.subsMu.Unlock()
			return nil, err
		}
	}

	return func() {
		l.subsMu.Lock()
		set := l.subs[channel]
		delete(set, ch)
		last := len(set) == 0
		if last {
			delete(l.subs, channel)
		}
		l.subsMu.Unlock()
		if last {
			_ = l.unsubscribe(context.Background(), channel)
		}
	}, nil
}

func (l *Listener) subscribe(ctx context.Context, channel string) error {
	if !l.running.Load() {
		return fmt.Errorf("eventlog: listener not started")
	}
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "LISTEN " + sanitized, channel: channel, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("eventlog: LISTEN %s: %w", sanitized, err)
		}
		l.channelsMu.Lock()
		l.channels[channel] = true
		l.channelsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.listenGenMu.Lock()
	gen := l.listenGen[channel]
	l.listenGenMu.Unlock()

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{sql: "UNLISTEN " + sanitized, channel: channel, gen: gen, result: make(chan error, 1)}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("eventlog: UNLISTEN %s: %w", sanitized, err)
		}
		l.listenGenMu.Lock()
		stale := l.listenGen[channel] != gen
		l.listenGenMu.Unlock()
		if !stale {
			l.channelsMu.Lock()
			delete(l.channels, channel)
			l.channelsMu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("eventlog: NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

func (l *Listener) dispatch(channel string, payload []byte) {
	var env notifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("eventlog: malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}

	l.subsMu.RLock()
	subscribers := l.subs[channel]
	evt := TailEvent{EventID: env.EventID, ConversationID: env.ConversationID, Sequence: env.Sequence, Kind: env.Kind, Truncated: env.Truncated}
	for ch := range subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than block the shared receive
			// loop. Subscribers that can't keep up re-sync via ReadTimeline.
		}
	}
	l.subsMu.RUnlock()
}

func (l *Listener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			if cmd.gen > 0 {
				l.listenGenMu.Lock()
				stale := l.listenGen[cmd.channel] != cmd.gen
				l.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("eventlog: listener connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				l.listenGenMu.Lock()
				l.listenGen[cmd.channel]++
				l.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (l *Listener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("eventlog: listener reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("eventlog: re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("eventlog: listener reconnected")
		return
	}
}
