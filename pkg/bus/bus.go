// Package bus implements C3, the per-agent inbound message queues that sit
// between the durable event log and the Agent Runtime. publish() always
// commits to eventlog first; enqueueing onto an in-memory channel is a
// best-effort delivery hint, not the durability boundary — a crashed or
// slow consumer replays its unread tail from the persisted high-watermark.
//
// Grounded on tarsy's pkg/queue/worker.go for the retry/backoff shape
// (here applied per-message instead of per-session-poll) and its
// orphan-recovery idea (pkg/queue/orphan.go) applied at message-delivery
// granularity via the agent_watermarks table.
package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
)

// Config tunes queue depth and retry behavior.
type Config struct {
	QueueDepth  int
	RetryBudget int
	RetryBase   time.Duration
}

// DefaultConfig matches the spec's suggested defaults: bounded queues,
// a handful of retries before surfacing Backpressure.
func DefaultConfig() Config {
	return Config{QueueDepth: 64, RetryBudget: 3, RetryBase: 20 * time.Millisecond}
}

// SquadMembership resolves which agents belong to a squad, used to expand
// broadcasts. Implemented by pkg/squad's repository.
type SquadMembership interface {
	ActiveAgentIDs(ctx context.Context, squadID string) ([]string, error)
}

// Bus routes Messages from publish() onto per-agent bounded queues.
type Bus struct {
	cfg    Config
	log    *eventlog.Log
	pool   *pgxpool.Pool
	squads SquadMembership

	mu     sync.RWMutex
	queues map[string]chan models.Message // agentId -> inbound queue
}

// New builds a Bus. pool is used only for the agent_watermarks table.
func New(cfg Config, log *eventlog.Log, pool *pgxpool.Pool, squads SquadMembership) *Bus {
	return &Bus{cfg: cfg, log: log, pool: pool, squads: squads, queues: make(map[string]chan models.Message)}
}

// Subscribe returns (creating if necessary) the inbound queue for agentID.
// Called once by each Agent Runtime worker at startup.
func (b *Bus) Subscribe(agentID string) <-chan models.Message {
	return b.queueFor(agentID)
}

func (b *Bus) queueFor(agentID string) chan models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agentID]
	if !ok {
		q = make(chan models.Message, b.cfg.QueueDepth)
		b.queues[agentID] = q
	}
	return q
}

// Publish durably persists msg (via eventlog.AppendMessage) then enqueues it
// to its recipient, or to every other active squad member if msg has no
// recipient (broadcast). Persistence always happens, even if every
// recipient's queue is full — Backpressure/errors reported here describe
// delivery, not durability.
func (b *Bus) Publish(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.SenderAgentID == "" {
		return models.Message{}, errs.New(errs.KindInvalid, "bus: message requires a senderAgentId")
	}

	if err := b.validateMembership(ctx, msg); err != nil {
		return models.Message{}, err
	}

	persisted, _, err := b.log.AppendMessage(ctx, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("bus: publish: %w", err)
	}

	if persisted.RecipientAgentID != nil {
		if err := b.enqueueWithRetry(ctx, *persisted.RecipientAgentID, persisted); err != nil {
			return persisted, err
		}
		return persisted, nil
	}

	memberIDs, err := b.squads.ActiveAgentIDs(ctx, persisted.SquadID)
	if err != nil {
		return persisted, fmt.Errorf("bus: resolve squad membership: %w", err)
	}

	var firstErr error
	for _, agentID := range memberIDs {
		if agentID == persisted.SenderAgentID {
			continue
		}
		if err := b.enqueueWithRetry(ctx, agentID, persisted); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return persisted, firstErr
}

// validateMembership rejects a message whose sender, or whose recipient (if
// set), doesn't belong to msg.SquadID — caught before AppendMessage durably
// persists anything, so a misaddressed message never reaches the log or a
// queue.
func (b *Bus) validateMembership(ctx context.Context, msg models.Message) error {
	memberIDs, err := b.squads.ActiveAgentIDs(ctx, msg.SquadID)
	if err != nil {
		return fmt.Errorf("bus: resolve squad membership: %w", err)
	}
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}

	if !members[msg.SenderAgentID] {
		return errs.New(errs.KindInvalid, fmt.Sprintf("bus: sender %s is not a member of squad %s", msg.SenderAgentID, msg.SquadID))
	}
	if msg.RecipientAgentID != nil && !members[*msg.RecipientAgentID] {
		return errs.New(errs.KindInvalid, fmt.Sprintf("bus: recipient %s is not a member of squad %s", *msg.RecipientAgentID, msg.SquadID))
	}
	return nil
}

// enqueueWithRetry attempts to enqueue msg onto agentID's queue, retrying
// with jittered backoff up to cfg.RetryBudget times before giving up and
// recording a system/backpressure event, grounded on tarsy's
// pkg/queue/worker.go sleep/backoff shape.
func (b *Bus) enqueueWithRetry(ctx context.Context, agentID string, msg models.Message) error {
	q := b.queueFor(agentID)

	attempt := 0
	for {
		select {
		case q <- msg:
			return nil
		default:
		}

		if attempt >= b.cfg.RetryBudget {
			b.recordBackpressure(ctx, agentID, msg)
			return errs.New(errs.KindBackpressure, fmt.Sprintf("bus: queue full for agent %s", agentID))
		}

		delay := b.cfg.RetryBase * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

func (b *Bus) recordBackpressure(ctx context.Context, agentID string, msg models.Message) {
	if msg.ConversationID == nil {
		return
	}
	note := fmt.Sprintf(`{"note":"backpressure","agentId":%q,"messageId":%q}`, agentID, msg.ID)
	if _, err := b.log.Append(ctx, *msg.ConversationID, msg.SquadID, models.EventExternalNote, []byte(note), nil); err != nil {
		// Logging-only: failing to record the note must not mask the
		// original Backpressure error already being returned to the caller.
		_ = err
	}
}

// Ack advances agentID's durable high-watermark to seq, called by the Agent
// Runtime after it has durably acted on a delivered message (answered,
// persisted a follow-up, etc). This is what lets a restarted agent replay
// only its unread tail instead of its whole history.
func (b *Bus) Ack(ctx context.Context, agentID string, seq int64) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO agent_watermarks (agent_id, last_delivered_seq, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (agent_id) DO UPDATE SET last_delivered_seq = GREATEST(agent_watermarks.last_delivered_seq, EXCLUDED.last_delivered_seq), updated_at = now()`,
		agentID, seq,
	)
	if err != nil {
		return fmt.Errorf("bus: ack watermark: %w", err)
	}
	return nil
}

// QueueDepths reports each subscribed agent's current inbound queue
// occupancy, for GET /health's bus component.
func (b *Bus) QueueDepths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	depths := make(map[string]int, len(b.queues))
	for agentID, q := range b.queues {
		depths[agentID] = len(q)
	}
	return depths
}

// Watermark returns agentID's last acknowledged sequence, or 0 if it has
// none yet.
func (b *Bus) Watermark(ctx context.Context, agentID string) (models.AgentWatermark, error) {
	var wm models.AgentWatermark
	wm.AgentID = agentID
	err := b.pool.QueryRow(ctx,
		`SELECT last_delivered_seq, updated_at FROM agent_watermarks WHERE agent_id = $1`,
		agentID,
	).Scan(&wm.LastDeliveredSeq, &wm.UpdatedAt)
	if err != nil {
		// No watermark row yet is not an error — a never-delivered agent
		// simply starts at sequence 0.
		return models.AgentWatermark{AgentID: agentID}, nil
	}
	return wm, nil
}
