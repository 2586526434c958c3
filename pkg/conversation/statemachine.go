// Package conversation implements C4, the bounded-escalation Q&A state
// machine: initiated -> waiting -> {answered | escalated | timed_out} ->
// {acknowledged | waiting (follow-up) | abandoned}. Every transition is
// serialized per-conversation through lockRegistry and durably recorded as
// exactly one event carrying {from, to, reason}: answered, acknowledged,
// escalated or timed_out when the target state has its own event kind, and
// state_changed only for the others (see transitionEventKind).
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/notify"
	"github.com/opensquad/squadron/pkg/routing"
)

// MaxEscalationLevel bounds how many times a conversation can re-route
// before giving up; level 0 is the initial ask, so this is the deepest
// child conversation's escalationLevel.
const MaxEscalationLevel = 5

// Service is C4: it owns every Conversation transition, routes escalations
// through pkg/routing, and publishes question/answer traffic through
// pkg/bus, appending one transition event to pkg/eventlog per move.
type Service struct {
	repo   *repository
	log    *eventlog.Log
	bus    *bus.Bus
	cache  *routing.RuleCache
	notify *notify.Notifier
	locks  *lockRegistry
	logger *slog.Logger

	timers *timerService
}

// Config tunes the answer/acknowledgment deadlines the timer service
// enforces.
type Config struct {
	AnswerTimeoutSeconds int
	AckTimeoutSeconds    int
}

// DefaultConfig matches the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{AnswerTimeoutSeconds: 300, AckTimeoutSeconds: 120}
}

// New builds a Service. notifier may be nil (no Slack configured).
func New(pool *pgxpool.Pool, log *eventlog.Log, b *bus.Bus, cache *routing.RuleCache, notifier *notify.Notifier, cfg Config) *Service {
	s := &Service{
		repo:   newRepository(pool),
		log:    log,
		bus:    b,
		cache:  cache,
		notify: notifier,
		locks:  newLockRegistry(),
		logger: slog.Default().With("component", "conversation"),
	}
	s.timers = newTimerService(s, cfg)
	return s
}

// Start runs the startup overdue-timer recovery sweep, then launches the
// timer service's poll loop in a goroutine. Grounded on tarsy's
// queue.WorkerPool.CleanupStartupOrphans followed by runOrphanDetection.
func (s *Service) Start(ctx context.Context) error {
	if err := s.timers.recoverOverdue(ctx); err != nil {
		return fmt.Errorf("conversation: startup recovery sweep: %w", err)
	}
	s.timers.run(ctx)
	return nil
}

// Stop halts the timer service's poll loop.
func (s *Service) Stop() {
	s.timers.stop()
}

func (s *Service) loadRules(ctx context.Context, squadID string) ([]models.RoutingRule, error) {
	if s.cache == nil {
		return s.repo.activeRules(ctx, squadID)
	}
	return s.cache.CachedRules(ctx, squadID, s.repo.activeRules)
}

// Initiate creates a new top-level conversation (escalationLevel 0),
// routes it to a responder, and publishes the opening question. metadata is
// attached to the opening question message only.
func (s *Service) Initiate(ctx context.Context, squadID, askerAgentID, questionType, content string, metadata map[string]string, taskExecutionID *string) (models.Conversation, error) {
	askerRole, err := s.repo.agentRole(ctx, askerAgentID)
	if err != nil {
		return models.Conversation{}, err
	}

	responder, err := s.route(ctx, squadID, askerRole, questionType, 0, metadata["specialization"])
	if err != nil {
		return models.Conversation{}, err
	}

	c := models.Conversation{
		ID:                      uuid.NewString(),
		SquadID:                 squadID,
		TaskExecutionID:         taskExecutionID,
		AskerAgentID:            askerAgentID,
		CurrentResponderAgentID: responder.ID,
		QuestionType:            questionType,
		EscalationLevel:         0,
		State:                   models.StateInitiated,
	}
	c, err = s.repo.insert(ctx, c)
	if err != nil {
		return models.Conversation{}, err
	}

	if _, err := s.log.Append(ctx, c.ID, squadID, models.EventInitiated, mustJSON(map[string]any{
		"askerAgentId": askerAgentID, "responderAgentId": responder.ID, "questionType": questionType,
	}), &askerAgentID); err != nil {
		return models.Conversation{}, err
	}

	if err := s.askQuestion(ctx, &c, responder.ID, content, metadata); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// askQuestion publishes the question message and transitions
// initiated/answered -> waiting. Called with c already persisted. It takes
// no lock itself: FollowUp calls it while holding the conversation lock, and
// Initiate/Escalate call it on a conversation they have just created.
func (s *Service) askQuestion(ctx context.Context, c *models.Conversation, responderID, content string, metadata map[string]string) error {
	convID := c.ID
	_, err := s.bus.Publish(ctx, models.Message{
		ID:               uuid.NewString(),
		ConversationID:   &convID,
		SquadID:          c.SquadID,
		SenderAgentID:    c.AskerAgentID,
		RecipientAgentID: &responderID,
		Type:             models.MessageQuestion,
		Content:          content,
		Metadata:         metadata,
	})
	if err != nil {
		return err
	}
	return s.transition(ctx, c, models.StateWaiting, "question published")
}

// Answer moves a waiting conversation to answered and publishes the answer
// message. Returns errs.KindIllegalTransition if the conversation is not
// currently waiting, and errs.KindPermissionDenied if responderAgentID is
// not its current responder.
func (s *Service) Answer(ctx context.Context, conversationID, responderAgentID, content string) (models.Conversation, error) {
	lock := s.locks.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.repo.get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if c.State != models.StateWaiting {
		return models.Conversation{}, illegalTransition(c.State, models.StateAnswered)
	}
	if c.CurrentResponderAgentID != responderAgentID {
		return models.Conversation{}, errs.New(errs.KindPermissionDenied, "conversation: responder mismatch")
	}

	_, err = s.bus.Publish(ctx, models.Message{
		ID:               uuid.NewString(),
		ConversationID:   &conversationID,
		SquadID:          c.SquadID,
		SenderAgentID:    responderAgentID,
		RecipientAgentID: &c.AskerAgentID,
		Type:             models.MessageAnswer,
		Content:          content,
	})
	if err != nil {
		return models.Conversation{}, err
	}

	if err := s.transition(ctx, &c, models.StateAnswered, "answer published"); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// Acknowledge moves an answered conversation to acknowledged (terminal).
func (s *Service) Acknowledge(ctx context.Context, conversationID, askerAgentID string) (models.Conversation, error) {
	lock := s.locks.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.repo.get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if c.State != models.StateAnswered {
		return models.Conversation{}, illegalTransition(c.State, models.StateAcknowledged)
	}
	if c.AskerAgentID != askerAgentID {
		return models.Conversation{}, errs.New(errs.KindPermissionDenied, "conversation: asker mismatch")
	}

	if err := s.close(ctx, &c, models.StateAcknowledged, "acknowledged by asker"); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// FollowUp reopens an answered conversation with a new question, reusing
// the same conversation row and the same responder (decided Open Question:
// a follow-up is a continuation, not a new escalation chain).
func (s *Service) FollowUp(ctx context.Context, conversationID, askerAgentID, content string) (models.Conversation, error) {
	lock := s.locks.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.repo.get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if c.State != models.StateAnswered {
		return models.Conversation{}, illegalTransition(c.State, models.StateWaiting)
	}
	if c.AskerAgentID != askerAgentID {
		return models.Conversation{}, errs.New(errs.KindPermissionDenied, "conversation: asker mismatch")
	}

	if err := s.askQuestion(ctx, &c, c.CurrentResponderAgentID, content, nil); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// Escalate re-routes a waiting conversation to the next escalation level,
// spawning a child Conversation at escalationLevel+1. If escalationLevel is
// already at MaxEscalationLevel, or routing finds no responder at the next
// level, the conversation (not a child) transitions to timed_out instead
// and the operator is notified.
func (s *Service) Escalate(ctx context.Context, conversationID, reason string) (models.Conversation, error) {
	lock := s.locks.lockFor(conversationID)
	lock.Lock()

	c, err := s.repo.get(ctx, conversationID)
	if err != nil {
		lock.Unlock()
		return models.Conversation{}, err
	}
	if c.State != models.StateWaiting {
		lock.Unlock()
		return models.Conversation{}, illegalTransition(c.State, models.StateEscalated)
	}

	nextLevel := c.EscalationLevel + 1
	if nextLevel > MaxEscalationLevel {
		if err := s.close(ctx, &c, models.StateTimedOut, reason); err != nil {
			lock.Unlock()
			return models.Conversation{}, err
		}
		lock.Unlock()
		s.notify.NotifyEscalationExhausted(ctx, c.ID, c.EscalationLevel)
		return c, nil
	}

	askerRole, err := s.repo.agentRole(ctx, c.AskerAgentID)
	if err != nil {
		lock.Unlock()
		return models.Conversation{}, err
	}

	originalQuestion, specializationHint, err := s.originalQuestion(ctx, c.ID)
	if err != nil {
		lock.Unlock()
		return models.Conversation{}, err
	}

	responder, routeErr := s.route(ctx, c.SquadID, askerRole, c.QuestionType, nextLevel, specializationHint)
	if routeErr != nil {
		var noResponder *routing.NoResponder
		if !asNoResponder(routeErr, &noResponder) {
			lock.Unlock()
			return models.Conversation{}, routeErr
		}
		if err := s.close(ctx, &c, models.StateTimedOut, reason); err != nil {
			lock.Unlock()
			return models.Conversation{}, err
		}
		lock.Unlock()
		s.notify.NotifyEscalationExhausted(ctx, c.ID, c.EscalationLevel)
		return c, nil
	}

	if err := s.transition(ctx, &c, models.StateEscalated, reason); err != nil {
		lock.Unlock()
		return models.Conversation{}, err
	}
	lock.Unlock()

	child := models.Conversation{
		ID:                      uuid.NewString(),
		SquadID:                 c.SquadID,
		TaskExecutionID:         c.TaskExecutionID,
		AskerAgentID:            c.AskerAgentID,
		CurrentResponderAgentID: responder.ID,
		QuestionType:            c.QuestionType,
		EscalationLevel:         nextLevel,
		State:                   models.StateInitiated,
		ParentConversationID:    &c.ID,
	}
	child, err = s.repo.insert(ctx, child)
	if err != nil {
		return models.Conversation{}, err
	}

	if _, err := s.log.Append(ctx, child.ID, child.SquadID, models.EventEscalated, mustJSON(map[string]any{
		"parentConversationId": c.ID, "escalationLevel": nextLevel, "responderAgentId": responder.ID, "reason": reason,
	}), nil); err != nil {
		return models.Conversation{}, err
	}

	var childMetadata map[string]string
	if specializationHint != "" {
		childMetadata = map[string]string{"specialization": specializationHint}
	}
	if err := s.askQuestion(ctx, &child, responder.ID, originalQuestion, childMetadata); err != nil {
		return models.Conversation{}, err
	}
	return child, nil
}

// originalQuestion fetches the question content and specialization hint
// from a conversation's first message_appended event, so an escalation
// chain re-asks the same question (with the same routing hint) at the next
// level rather than a synthesized placeholder.
func (s *Service) originalQuestion(ctx context.Context, conversationID string) (content string, specializationHint string, err error) {
	timeline, err := s.log.ReadTimeline(ctx, conversationID, 0)
	if err != nil {
		return "", "", err
	}
	for _, ev := range timeline {
		if ev.Kind != models.EventMessageAppended {
			continue
		}
		var payload struct {
			Content  string            `json:"content"`
			Type     string            `json:"type"`
			Metadata map[string]string `json:"metadata,omitempty"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err == nil && payload.Type == string(models.MessageQuestion) {
			return payload.Content, payload.Metadata["specialization"], nil
		}
	}
	return "", "", nil
}

func (s *Service) route(ctx context.Context, squadID string, askerRole models.Role, questionType string, escalationLevel int, specializationHint string) (models.Agent, error) {
	rules, err := s.loadRules(ctx, squadID)
	if err != nil {
		return models.Agent{}, err
	}
	agents, err := s.repo.activeAgents(ctx, squadID)
	if err != nil {
		return models.Agent{}, err
	}
	return routing.Route(rules, agents, askerRole, questionType, escalationLevel, specializationHint)
}

// transitionEventKind maps a transition's target state onto its C1 event
// kind. States named in the event-kind vocabulary (answered, acknowledged,
// escalated, timed_out) get their own kind; states with no dedicated kind
// (waiting, abandoned) fall back to the generic state_changed — either way
// exactly one event is appended per transition, always carrying the
// {from, to, reason} payload.
func transitionEventKind(to models.ConversationState) models.EventKind {
	switch to {
	case models.StateAnswered:
		return models.EventAnswered
	case models.StateAcknowledged:
		return models.EventAcknowledged
	case models.StateEscalated:
		return models.EventEscalated
	case models.StateTimedOut:
		return models.EventTimedOut
	default:
		return models.EventStateChanged
	}
}

// transition persists a non-terminal state change: update the row, then
// append exactly one transition-recording event.
func (s *Service) transition(ctx context.Context, c *models.Conversation, to models.ConversationState, reason string) error {
	from := c.State
	if from == to {
		// Idempotent retry of an already-applied transition: no-op, no
		// duplicate event.
		return nil
	}
	c.State = to
	if err := s.repo.updateState(ctx, *c); err != nil {
		return err
	}
	payload, err := json.Marshal(models.StateChangedPayload{From: from, To: to, Reason: reason})
	if err != nil {
		return fmt.Errorf("conversation: marshal transition payload: %w", err)
	}
	_, err = s.log.Append(ctx, c.ID, c.SquadID, transitionEventKind(to), payload, nil)
	return err
}

// close transitions c to a terminal state, stamps closedAt, and emits the
// transition's single event — exactly the same shape as transition(), just
// also closing the row.
func (s *Service) close(ctx context.Context, c *models.Conversation, to models.ConversationState, reason string) error {
	from := c.State
	if from == to {
		return nil
	}
	c.State = to
	c.ClosedAt = nowPtr()
	if err := s.repo.updateState(ctx, *c); err != nil {
		return err
	}
	payload, err := json.Marshal(models.StateChangedPayload{From: from, To: to, Reason: reason})
	if err != nil {
		return fmt.Errorf("conversation: marshal close payload: %w", err)
	}
	_, err = s.log.Append(ctx, c.ID, c.SquadID, transitionEventKind(to), payload, nil)
	return err
}

func illegalTransition(from, to models.ConversationState) error {
	return errs.New(errs.KindIllegalTransition, fmt.Sprintf("conversation: cannot move from %s to %s", from, to))
}

func asNoResponder(err error, target **routing.NoResponder) bool {
	nr, ok := err.(*routing.NoResponder)
	if !ok {
		return false
	}
	*target = nr
	return true
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
