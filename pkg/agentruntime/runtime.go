package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/notify"
)

// Config tunes the runtime's history window and tool-calling step budget.
// Defaults match the AGENT_HISTORY_WINDOW/AGENT_STEP_BUDGET env keys.
type Config struct {
	HistoryWindow int
	StepBudget    int
}

// DefaultConfig matches the spec's suggested defaults: a short rolling
// window and a small number of tool round-trips before forcing a reply.
func DefaultConfig() Config {
	return Config{HistoryWindow: 20, StepBudget: 4}
}

// Runtime is one agent's cooperative message-processing loop: pull the next
// delivered Message off its C3 queue, build a bounded history window from
// C1, call the bound TextGenerator (looping through ToolInvoker calls up to
// StepBudget), and drive at most one C4 transition before acking.
//
// Only the responder leg of the loop is automatic (Question in -> generate
// -> Answer out). Acknowledgment and follow-up decisions after an Answer is
// received remain explicit, deliberate actions taken through C8 — the spec
// names no generator contract for choosing between them, and its own
// seed scenarios post acknowledgments as separate, explicit calls rather
// than having the runtime decide on the asker's behalf.
type Runtime struct {
	agent   models.Agent
	inbound <-chan models.Message

	bus       *bus.Bus
	conv      *conversation.Service
	log       *eventlog.Log
	generator TextGenerator
	invoker   ToolInvoker
	notifier  *notify.Notifier

	historyWindow int
	stepBudget    int

	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Runtime for agent, subscribing it to b immediately. invoker
// is wrapped in an ACL gate keyed on agent.ToolCapabilities before any tool
// call reaches it. notifier may be nil.
func New(agent models.Agent, b *bus.Bus, conv *conversation.Service, log *eventlog.Log, generator TextGenerator, invoker ToolInvoker, notifier *notify.Notifier, cfg Config) *Runtime {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = DefaultConfig().StepBudget
	}
	return &Runtime{
		agent:         agent,
		inbound:       b.Subscribe(agent.ID),
		bus:           b,
		conv:          conv,
		log:           log,
		generator:     generator,
		invoker:       NewACLToolInvoker(invoker, agent.ToolCapabilities),
		notifier:      notifier,
		historyWindow: cfg.HistoryWindow,
		stepBudget:    cfg.StepBudget,
		logger:        slog.Default().With("component", "agentruntime", "agentId", agent.ID, "role", agent.Role),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the processing loop in a background goroutine. It returns
// immediately; call Stop to shut the loop down and wait for the current
// message, if any, to finish.
func (r *Runtime) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case msg, ok := <-r.inbound:
				if !ok {
					return
				}
				r.process(ctx, msg)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to drain the message it
// may currently be processing.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// process handles one delivered message: generate+answer for a Question
// addressed to this agent, watermark-only advancement for every other
// message type. Every suspension point (history load, generate, tool call)
// honors ctx cancellation and unwinds without a partial state transition.
func (r *Runtime) process(ctx context.Context, msg models.Message) {
	switch msg.Type {
	case models.MessageQuestion:
		r.handleQuestion(ctx, msg)
	default:
		// Answers, acknowledgments, broadcasts, and every other message type
		// are observed but don't drive an automatic reply; see the doc
		// comment on Runtime for why acknowledgment/follow-up stay manual.
	}
	r.ack(ctx, msg)
}

func (r *Runtime) handleQuestion(ctx context.Context, msg models.Message) {
	if msg.ConversationID == nil {
		r.logger.Warn("question message has no conversationId, dropping", "messageId", msg.ID)
		return
	}

	history, err := r.loadHistory(ctx, *msg.ConversationID)
	if err != nil {
		r.logger.Error("failed to load conversation history", "conversationId", *msg.ConversationID, "error", err)
		return
	}

	result, err := r.converseWithTools(ctx, msg, history)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.emitHumanIntervention(ctx, msg, err)
		return
	}

	if _, err := r.conv.Answer(ctx, *msg.ConversationID, r.agent.ID, result.Text); err != nil {
		r.logger.Error("failed to record answer", "conversationId", *msg.ConversationID, "error", err)
	}
}

// converseWithTools runs the generate/tool-call loop up to stepBudget
// rounds, grounded on tarsy's IteratingController.Run: each round appends
// the prior assistant turn and any tool results to history before calling
// Generate again, stopping as soon as a round returns no ToolCalls.
func (r *Runtime) converseWithTools(ctx context.Context, msg models.Message, history []ConversationTurn) (GenerateResult, error) {
	turns := append(append([]ConversationTurn(nil), history...), ConversationTurn{Role: "user", Content: msg.Content})

	for step := 0; step < r.stepBudget; step++ {
		if err := ctx.Err(); err != nil {
			return GenerateResult{}, err
		}

		result, err := r.generator.Generate(ctx, r.agent.ID, GenerateInput{
			SystemPrompt: r.agent.SystemPrompt,
			History:      turns,
			ToolsAllowed: r.agent.ToolCapabilities,
		})
		if err != nil {
			return GenerateResult{}, fmt.Errorf("agentruntime: generate: %w", err)
		}
		if len(result.ToolCalls) == 0 {
			return result, nil
		}

		turns = append(turns, ConversationTurn{Role: "assistant", Content: result.Text})
		for _, call := range result.ToolCalls {
			if err := ctx.Err(); err != nil {
				return GenerateResult{}, err
			}
			tr, err := r.invoker.Invoke(ctx, call)
			if err != nil {
				if kind, ok := errs.KindOf(err); ok && kind == errs.KindPermissionDenied {
					r.emitACLViolation(ctx, msg, call, err)
				}
				return GenerateResult{}, err
			}
			turns = append(turns, ConversationTurn{Role: "tool", CallID: call.ID, Content: tr.Content})
		}
	}
	return GenerateResult{}, fmt.Errorf("agentruntime: step budget (%d) exhausted without a final reply", r.stepBudget)
}

// loadHistory reconstructs a bounded ConversationTurn window from C1's
// message_appended events, mirroring conversation.Service's own
// originalQuestionContent decode of the same payload shape.
func (r *Runtime) loadHistory(ctx context.Context, conversationID string) ([]ConversationTurn, error) {
	timeline, err := r.log.ReadTimeline(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	var turns []ConversationTurn
	for _, ev := range timeline {
		if ev.Kind != models.EventMessageAppended {
			continue
		}
		var payload struct {
			SenderAgentID string `json:"senderAgentId"`
			Content       string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		role := "user"
		if payload.SenderAgentID == r.agent.ID {
			role = "assistant"
		}
		turns = append(turns, ConversationTurn{Role: role, Content: payload.Content})
	}
	if len(turns) > r.historyWindow {
		turns = turns[len(turns)-r.historyWindow:]
	}
	return turns, nil
}

// emitHumanIntervention handles a generator failure: a
// human_intervention_required message lands on the same conversation, the
// conversation's state is left unchanged (no transition call), and the
// operator notifier gets a best-effort nudge.
func (r *Runtime) emitHumanIntervention(ctx context.Context, msg models.Message, cause error) {
	r.logger.Error("generator failed, leaving conversation waiting for a human", "conversationId", *msg.ConversationID, "error", cause)

	asker := msg.SenderAgentID
	if _, err := r.bus.Publish(ctx, models.Message{
		ID:               uuid.NewString(),
		ConversationID:   msg.ConversationID,
		SquadID:          msg.SquadID,
		SenderAgentID:    r.agent.ID,
		RecipientAgentID: &asker,
		Type:             models.MessageHumanInterventionRequired,
		Content:          cause.Error(),
	}); err != nil {
		r.logger.Error("failed to publish human_intervention_required", "error", err)
	}
	if r.notifier != nil {
		r.notifier.NotifyHumanInterventionRequired(ctx, *msg.ConversationID, r.agent.ID, cause.Error())
	}
}

// emitACLViolation handles a tool ACL violation: logged as a system event
// on the conversation, no state advance.
func (r *Runtime) emitACLViolation(ctx context.Context, msg models.Message, call ToolCall, cause error) {
	r.logger.Warn("tool ACL violation", "conversationId", *msg.ConversationID, "tool", call.Name, "error", cause)

	note := fmt.Sprintf(`{"note":"tool_acl_violation","agentId":%q,"tool":%q}`, r.agent.ID, call.Name)
	if _, err := r.log.Append(ctx, *msg.ConversationID, msg.SquadID, models.EventExternalNote, []byte(note), &r.agent.ID); err != nil {
		r.logger.Error("failed to record tool ACL violation event", "error", err)
	}
}

// ack advances the agent's durable watermark to the highest event sequence this
// conversation has recorded so far, folding in the message being processed.
// Broadcasts (no ConversationID) have no conversation-scoped timeline to
// anchor against, so they are always redelivered on restart — acceptable
// given the spec's explicit non-goal of durable cross-restart bus delivery.
func (r *Runtime) ack(ctx context.Context, msg models.Message) {
	if msg.ConversationID == nil {
		return
	}
	seq, err := r.log.MaxSequence(ctx, *msg.ConversationID)
	if err != nil {
		r.logger.Error("failed to read max sequence for ack", "conversationId", *msg.ConversationID, "error", err)
		return
	}
	if err := r.bus.Ack(ctx, r.agent.ID, seq); err != nil {
		r.logger.Error("failed to ack watermark", "error", err)
	}
}
