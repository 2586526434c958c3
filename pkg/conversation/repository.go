package conversation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
)

// repository is the pgx-backed persistence for conversations and the
// routing inputs (rules, agents) C2 needs, grounded on
// Strob0t-CodeForge/internal/adapter/postgres/store.go's plain-SQL
// repository shape.
type repository struct {
	pool *pgxpool.Pool
}

func newRepository(pool *pgxpool.Pool) *repository {
	return &repository{pool: pool}
}

func (r *repository) insert(ctx context.Context, c models.Conversation) (models.Conversation, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, squad_id, task_execution_id, asker_agent_id, current_responder_agent_id, question_type, escalation_level, state, parent_conversation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		 RETURNING created_at, updated_at`,
		c.ID, c.SquadID, c.TaskExecutionID, c.AskerAgentID, c.CurrentResponderAgentID, c.QuestionType, c.EscalationLevel, string(c.State), c.ParentConversationID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation: insert: %w", err)
	}
	return c, nil
}

func (r *repository) get(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	var state string
	err := r.pool.QueryRow(ctx,
		`SELECT id, squad_id, task_execution_id, asker_agent_id, current_responder_agent_id, question_type, escalation_level, state, parent_conversation_id, last_timer_check_at, created_at, updated_at, closed_at
		 FROM conversations WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.SquadID, &c.TaskExecutionID, &c.AskerAgentID, &c.CurrentResponderAgentID, &c.QuestionType, &c.EscalationLevel, &state, &c.ParentConversationID, &c.LastTimerCheckAt, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Conversation{}, errs.New(errs.KindNotFound, "conversation not found")
		}
		return models.Conversation{}, fmt.Errorf("conversation: get: %w", err)
	}
	c.State = models.ConversationState(state)
	return c, nil
}

// updateState persists a state transition plus any fields that change
// alongside it (responder reassignment on escalation, closedAt on
// terminal states). Called with the conversation lock already held.
func (r *repository) updateState(ctx context.Context, c models.Conversation) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET state = $2, current_responder_agent_id = $3, escalation_level = $4, closed_at = $5, last_timer_check_at = $6, updated_at = now()
		 WHERE id = $1`,
		c.ID, string(c.State), c.CurrentResponderAgentID, c.EscalationLevel, c.ClosedAt, c.LastTimerCheckAt,
	)
	if err != nil {
		return fmt.Errorf("conversation: update state: %w", err)
	}
	return nil
}

// touchTimerCheck stamps lastTimerCheckAt without otherwise changing the
// row, used by the recovery sweep to mark a conversation as evaluated this
// pass even when no transition fires.
func (r *repository) touchTimerCheck(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE conversations SET last_timer_check_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("conversation: touch timer check: %w", err)
	}
	return nil
}

// overdue returns non-terminal conversations whose updated_at is older than
// the relevant timeout for their current state (waiting -> answerTimeout,
// answered -> ackTimeout). Used both by the periodic timer sweep and by
// startup recovery.
func (r *repository) overdue(ctx context.Context, answerTimeoutSeconds, ackTimeoutSeconds int) ([]models.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, task_execution_id, asker_agent_id, current_responder_agent_id, question_type, escalation_level, state, parent_conversation_id, last_timer_check_at, created_at, updated_at, closed_at
		 FROM conversations
		 WHERE closed_at IS NULL
		   AND (
		     (state = 'waiting' AND updated_at < now() - make_interval(secs => $1::int))
		     OR (state = 'answered' AND updated_at < now() - make_interval(secs => $2::int))
		   )`,
		answerTimeoutSeconds, ackTimeoutSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: query overdue: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var state string
		if err := rows.Scan(&c.ID, &c.SquadID, &c.TaskExecutionID, &c.AskerAgentID, &c.CurrentResponderAgentID, &c.QuestionType, &c.EscalationLevel, &state, &c.ParentConversationID, &c.LastTimerCheckAt, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan overdue: %w", err)
		}
		c.State = models.ConversationState(state)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repository) activeRules(ctx context.Context, squadID string) ([]models.RoutingRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active
		 FROM routing_rules WHERE squad_id = $1 AND active = true`,
		squadID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: query active rules: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		var r2 models.RoutingRule
		var askerRole, responderRole string
		if err := rows.Scan(&r2.ID, &r2.SquadID, &askerRole, &r2.QuestionType, &r2.EscalationLevel, &responderRole, &r2.Priority, &r2.Active); err != nil {
			return nil, fmt.Errorf("conversation: scan rule: %w", err)
		}
		r2.AskerRole = models.Role(askerRole)
		r2.ResponderRole = models.Role(responderRole)
		out = append(out, r2)
	}
	return out, rows.Err()
}

func (r *repository) activeAgents(ctx context.Context, squadID string) ([]models.Agent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, role, specialization, active
		 FROM agents WHERE squad_id = $1 AND active = true`,
		squadID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: query active agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var role string
		if err := rows.Scan(&a.ID, &a.SquadID, &role, &a.Specialization, &a.Active); err != nil {
			return nil, fmt.Errorf("conversation: scan agent: %w", err)
		}
		a.Role = models.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) agentRole(ctx context.Context, agentID string) (models.Role, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM agents WHERE id = $1`, agentID).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", errs.New(errs.KindNotFound, "agent not found")
		}
		return "", fmt.Errorf("conversation: agent role: %w", err)
	}
	return models.Role(role), nil
}
