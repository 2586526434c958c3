// Package eventlog is the append-only, per-conversation audit timeline (C1).
// Every mutation any other component makes to a conversation or the
// squad-wide message stream lands here first; nothing downstream (the bus,
// SSE fan-out) is considered durable until eventlog has accepted it.
//
// Grounded on Strob0t-CodeForge's internal/adapter/postgres/eventstore.go
// (plain pgx.Pool queries behind a narrow interface, no ORM) for the
// persistence shape, and tarsy's pkg/events/publisher.go for the
// commit-gated pg_notify pattern that gives tail() its feed.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/redact"
)

// Log is the event log, backed by the application connection pool.
type Log struct {
	pool   *pgxpool.Pool
	redact *redact.Redactor
}

// New builds a Log. redactor may be nil, in which case payloads/content are
// persisted unredacted (acceptable for squads with no configured pattern
// group — see pkg/redact).
func New(pool *pgxpool.Pool, redactor *redact.Redactor) *Log {
	return &Log{pool: pool, redact: redactor}
}

// conversationChannel and squadChannel name the NOTIFY channels tail()
// listens on. Kept short: PostgreSQL channel identifiers are sanitized by
// pgx.Identifier.Sanitize on LISTEN, but long names still cost per-NOTIFY
// overhead.
func conversationChannel(conversationID string) string { return "conv_" + conversationID }
func squadChannel(squadID string) string               { return "squad_" + squadID }

// Append records kind/payload against conversationID, assigning the next
// dense sequence number, and returns the persisted event. The payload is
// redacted before it ever reaches the INSERT.
//
// Sequence assignment is serialized with SELECT ... FOR UPDATE on the
// conversation row (spec option (a)): two concurrent Append calls for the
// same conversation block on each other at the row lock, not at the unique
// index, so the second writer always sees the first's sequence and picks
// the next one rather than retrying after a constraint violation.
//
// The conversation's updatedAt is stamped in the same transaction, so the
// timer service's overdue scan (updatedAt + timeout vs now) always reflects
// the most recent event, not just the most recent explicit state change.
func (l *Log) Append(ctx context.Context, conversationID, squadID string, kind models.EventKind, payload []byte, authorAgentID *string) (models.ConversationEvent, error) {
	payload = l.redact.ScrubJSON(payload)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID string
	if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&lockedID); err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: lock conversation row: %w", err)
	}

	var maxSeq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM conversation_events WHERE conversation_id = $1`,
		conversationID,
	).Scan(&maxSeq)
	if err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: read max sequence: %w", err)
	}
	nextSeq := maxSeq + 1

	var ev models.ConversationEvent
	err = tx.QueryRow(ctx,
		`INSERT INTO conversation_events (conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 RETURNING id, conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at`,
		conversationID, squadID, nextSeq, string(kind), payload, authorAgentID,
	).Scan(&ev.ID, &ev.ConversationID, &ev.SquadID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.AuthorAgentID, &ev.OccurredAt)
	if err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: touch conversation updated_at: %w", err)
	}

	notifyPayload, err := buildNotifyPayload(ev)
	if err != nil {
		return models.ConversationEvent{}, err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", conversationChannel(conversationID), notifyPayload); err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: pg_notify conversation channel: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", squadChannel(squadID), notifyPayload); err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: pg_notify squad channel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ConversationEvent{}, fmt.Errorf("eventlog: commit: %w", err)
	}
	return ev, nil
}

// AppendMessage persists msg as a message_appended event on its
// conversation (or, for broadcasts, bumps the squad channel only — a
// broadcast message with no conversationID is still durable in the
// messages table, just not sequenced into any one conversation's timeline).
// Returns the persisted Message and, when conversationID is set, the event
// recording it.
func (l *Log) AppendMessage(ctx context.Context, msg models.Message) (models.Message, *models.ConversationEvent, error) {
	msg.Content = string(l.redact.Scrub([]byte(msg.Content)))

	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return models.Message{}, nil, errs.Wrap(errs.KindInvalid, fmt.Errorf("eventlog: marshal metadata: %w", err))
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, nil, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, squad_id, sender_agent_id, recipient_agent_id, type, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.SquadID, msg.SenderAgentID, msg.RecipientAgentID, string(msg.Type), msg.Content, metaJSON,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return models.Message{}, nil, fmt.Errorf("eventlog: insert message: %w", err)
	}

	var ev *models.ConversationEvent
	if msg.ConversationID != nil {
		payload, err := json.Marshal(messageEventPayload{MessageID: msg.ID, Type: string(msg.Type), SenderAgentID: msg.SenderAgentID, RecipientAgentID: msg.RecipientAgentID, Content: msg.Content, Metadata: msg.Metadata})
		if err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: marshal message payload: %w", err)
		}

		var lockedID string
		if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, *msg.ConversationID).Scan(&lockedID); err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: lock conversation row: %w", err)
		}

		var maxSeq int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM conversation_events WHERE conversation_id = $1`,
			*msg.ConversationID,
		).Scan(&maxSeq)
		if err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: read max sequence: %w", err)
		}

		var inserted models.ConversationEvent
		err = tx.QueryRow(ctx,
			`INSERT INTO conversation_events (conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now())
			 RETURNING id, conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at`,
			*msg.ConversationID, msg.SquadID, maxSeq+1, string(models.EventMessageAppended), payload, msg.SenderAgentID,
		).Scan(&inserted.ID, &inserted.ConversationID, &inserted.SquadID, &inserted.Sequence, &inserted.Kind, &inserted.Payload, &inserted.AuthorAgentID, &inserted.OccurredAt)
		if err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: insert message event: %w", err)
		}
		ev = &inserted

		if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, *msg.ConversationID); err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: touch conversation updated_at: %w", err)
		}

		notifyPayload, err := buildNotifyPayload(inserted)
		if err != nil {
			return models.Message{}, nil, err
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", conversationChannel(*msg.ConversationID), notifyPayload); err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: pg_notify conversation channel: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", squadChannel(msg.SquadID), notifyPayload); err != nil {
			return models.Message{}, nil, fmt.Errorf("eventlog: pg_notify squad channel: %w", err)
		}
	}

	// The squad channel also always gets a message notification, whether or
	// not the message belongs to a conversation. It carries no event id, and
	// pkg/sse skips tail entries without one, so broadcasts do not appear on
	// SSE streams.
	broadcastPayload, err := json.Marshal(broadcastNotifyPayload{
		Kind:          "message",
		MessageID:     msg.ID,
		SquadID:       msg.SquadID,
		SenderAgentID: msg.SenderAgentID,
	})
	if err != nil {
		return models.Message{}, nil, fmt.Errorf("eventlog: marshal broadcast notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", squadChannel(msg.SquadID), truncateIfNeeded(broadcastPayload)); err != nil {
		return models.Message{}, nil, fmt.Errorf("eventlog: pg_notify squad channel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, nil, fmt.Errorf("eventlog: commit: %w", err)
	}
	return msg, ev, nil
}

// ReadTimeline returns events for conversationID with sequence > fromSequence,
// in ascending sequence order.
func (l *Log) ReadTimeline(ctx context.Context, conversationID string, fromSequence int64) ([]models.ConversationEvent, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at
		 FROM conversation_events
		 WHERE conversation_id = $1 AND sequence > $2
		 ORDER BY sequence ASC`,
		conversationID, fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read timeline: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationEvent
	for rows.Next() {
		var ev models.ConversationEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.SquadID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.AuthorAgentID, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: read timeline rows: %w", err)
	}
	return out, nil
}

// MaxSequence returns the highest sequence number recorded for
// conversationID, or 0 if it has no events yet. Used by pkg/agentruntime to
// advance an agent's delivery watermark.
func (l *Log) MaxSequence(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM conversation_events WHERE conversation_id = $1`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventlog: max sequence: %w", err)
	}
	return seq, nil
}

// EventByID fetches a single event for Last-Event-ID SSE resume.
func (l *Log) EventByID(ctx context.Context, id int64) (models.ConversationEvent, error) {
	var ev models.ConversationEvent
	err := l.pool.QueryRow(ctx,
		`SELECT id, conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at
		 FROM conversation_events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.ConversationID, &ev.SquadID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.AuthorAgentID, &ev.OccurredAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.ConversationEvent{}, errs.New(errs.KindNotFound, "event not found")
		}
		return models.ConversationEvent{}, fmt.Errorf("eventlog: event by id: %w", err)
	}
	return ev, nil
}

// ReadSquadEvents returns every event for squadID with id > fromID, across
// all of the squad's conversations, in ascending id order. Used by pkg/sse
// for the catchup phase of a squad-scoped stream: ordering by global id
// rather than per-conversation sequence is deliberate, since a squad-scoped
// subscriber has no single conversation to order against.
func (l *Log) ReadSquadEvents(ctx context.Context, squadID string, fromID int64) ([]models.ConversationEvent, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, conversation_id, squad_id, sequence, kind, payload, author_agent_id, occurred_at
		 FROM conversation_events
		 WHERE squad_id = $1 AND id > $2
		 ORDER BY id ASC`,
		squadID, fromID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read squad events: %w", err)
	}
	defer rows.Close()
	return scanConversationEvents(rows)
}

// ReadExecutionEvents returns every event for conversations sharing
// taskExecutionID with id > fromID, in ascending id order. Used by pkg/sse
// for execution-scoped streams.
func (l *Log) ReadExecutionEvents(ctx context.Context, taskExecutionID string, fromID int64) ([]models.ConversationEvent, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT e.id, e.conversation_id, e.squad_id, e.sequence, e.kind, e.payload, e.author_agent_id, e.occurred_at
		 FROM conversation_events e
		 JOIN conversations c ON c.id = e.conversation_id
		 WHERE c.task_execution_id = $1 AND e.id > $2
		 ORDER BY e.id ASC`,
		taskExecutionID, fromID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read execution events: %w", err)
	}
	defer rows.Close()
	return scanConversationEvents(rows)
}

// MaxEventID returns the highest event id recorded for squadID (across all
// its conversations), or 0 if it has none yet. Used by pkg/sse to compute a
// connect-time cursor for squad-scoped streams.
func (l *Log) MaxEventID(ctx context.Context, squadID string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM conversation_events WHERE squad_id = $1`,
		squadID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("eventlog: max event id: %w", err)
	}
	return id, nil
}

// MaxExecutionEventID is MaxEventID scoped by task execution id instead of
// squad id.
func (l *Log) MaxExecutionEventID(ctx context.Context, taskExecutionID string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(e.id), 0)
		 FROM conversation_events e
		 JOIN conversations c ON c.id = e.conversation_id
		 WHERE c.task_execution_id = $1`,
		taskExecutionID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("eventlog: max execution event id: %w", err)
	}
	return id, nil
}

func scanConversationEvents(rows pgx.Rows) ([]models.ConversationEvent, error) {
	var out []models.ConversationEvent
	for rows.Next() {
		var ev models.ConversationEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.SquadID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.AuthorAgentID, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: read rows: %w", err)
	}
	return out, nil
}

type messageEventPayload struct {
	MessageID        string            `json:"messageId"`
	Type             string            `json:"type"`
	SenderAgentID    string            `json:"senderAgentId"`
	RecipientAgentID *string           `json:"recipientAgentId,omitempty"`
	Content          string            `json:"content"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type broadcastNotifyPayload struct {
	Kind          string `json:"kind"`
	MessageID     string `json:"messageId"`
	SquadID       string `json:"squadId"`
	SenderAgentID string `json:"senderAgentId"`
}

// notifyEnvelope is what's actually sent over NOTIFY — a routing envelope
// subscribers use to decide whether to fetch the full row via ReadTimeline.
type notifyEnvelope struct {
	EventID        int64  `json:"eventId"`
	ConversationID string `json:"conversationId"`
	Sequence       int64  `json:"sequence"`
	Kind           string `json:"kind"`
	Truncated      bool   `json:"truncated,omitempty"`
}

func buildNotifyPayload(ev models.ConversationEvent) (string, error) {
	env := notifyEnvelope{EventID: ev.ID, ConversationID: ev.ConversationID, Sequence: ev.Sequence, Kind: string(ev.Kind)}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal notify envelope: %w", err)
	}
	return truncateIfNeeded(b), nil
}

// maxNotifyBytes is PostgreSQL's NOTIFY payload limit (~8000 bytes) with
// headroom, matching tarsy's publisher.go truncateIfNeeded threshold.
const maxNotifyBytes = 7900

// truncateIfNeeded drops to a minimal envelope if b would exceed PostgreSQL's
// NOTIFY payload limit. The envelope here is already minimal (routing-only),
// so in practice only pathologically long IDs would trigger this — kept for
// parity with tarsy's defensive pattern.
func truncateIfNeeded(b []byte) string {
	if len(b) <= maxNotifyBytes {
		return string(b)
	}
	return fmt.Sprintf(`{"truncated":true,"size":%d}`, len(b))
}
