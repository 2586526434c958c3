package squad

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
)

// repository is the pgx-backed persistence for squads, agents, routing
// rules, and stored templates. Grounded on
// Strob0t-CodeForge/internal/adapter/postgres/store.go's plain-SQL
// repository shape; applyTemplate is the one place squadron needs a
// multi-insert transaction Strob0t-CodeForge doesn't have an exact analogue
// for, so it's built directly on pgxpool.Pool.Begin the way pkg/eventlog.Append
// already does for its own (smaller) multi-statement transaction.
type repository struct {
	pool *pgxpool.Pool
}

func newRepository(pool *pgxpool.Pool) *repository {
	return &repository{pool: pool}
}

// applyTemplate runs the full create-Squad, create-Agents, create-RoutingRules
// sequence inside one transaction and returns the assembled
// result for invariant validation before commit. The caller (Service.Apply)
// validates invariants and only then commits; any invariant failure or
// lower-level error rolls the transaction back, so no partial squad is ever
// observable.
func (r *repository) applyTemplate(ctx context.Context, tmpl models.SquadTemplate, ownerID, squadName string, cust Customization) (pgx.Tx, models.Squad, []models.Agent, []models.RoutingRule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, models.Squad{}, nil, nil, fmt.Errorf("squad: begin tx: %w", err)
	}

	sq := models.Squad{ID: uuid.NewString(), OwnerID: ownerID, Name: squadName, Description: tmpl.Description, Active: true}
	err = tx.QueryRow(ctx,
		`INSERT INTO squads (id, owner_id, name, description, created_at, active)
		 VALUES ($1, $2, $3, $4, now(), true)
		 RETURNING created_at`,
		sq.ID, sq.OwnerID, sq.Name, sq.Description,
	).Scan(&sq.CreatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, models.Squad{}, nil, nil, fmt.Errorf("squad: insert squad: %w", err)
	}

	agents := make([]models.Agent, 0, len(tmpl.Agents))
	for _, ta := range tmpl.Agents {
		ta = applyOverride(ta, cust)
		toolsJSON, err := json.Marshal(ta.ToolCapabilities)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, models.Squad{}, nil, nil, fmt.Errorf("squad: marshal tool capabilities: %w", err)
		}
		a := models.Agent{
			ID:               uuid.NewString(),
			SquadID:          sq.ID,
			Role:             ta.Role,
			Specialization:   ta.Specialization,
			GeneratorRef:     ta.GeneratorRef,
			SystemPrompt:     ta.SystemPromptRef,
			ToolCapabilities: ta.ToolCapabilities,
			Active:           true,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO agents (id, squad_id, role, specialization, generator_vendor, generator_model, generator_temp, system_prompt, tool_capabilities, active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, now())
			 RETURNING created_at`,
			a.ID, a.SquadID, string(a.Role), a.Specialization, a.GeneratorRef.Vendor, a.GeneratorRef.Model, a.GeneratorRef.Temperature, a.SystemPrompt, toolsJSON,
		).Scan(&a.CreatedAt)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, models.Squad{}, nil, nil, fmt.Errorf("squad: insert agent %s: %w", a.Role, err)
		}
		agents = append(agents, a)
	}

	rules := make([]models.RoutingRule, 0, len(tmpl.RoutingRules))
	for _, tr := range tmpl.RoutingRules {
		rr := models.RoutingRule{
			ID:              uuid.NewString(),
			SquadID:         sq.ID,
			AskerRole:       tr.AskerRole,
			QuestionType:    tr.QuestionType,
			EscalationLevel: tr.EscalationLevel,
			ResponderRole:   tr.ResponderRole,
			Priority:        tr.Priority,
			Active:          true,
		}
		if rr.QuestionType == "" {
			rr.QuestionType = models.DefaultQuestionType
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO routing_rules (id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, true)`,
			rr.ID, rr.SquadID, string(rr.AskerRole), rr.QuestionType, rr.EscalationLevel, string(rr.ResponderRole), rr.Priority,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, models.Squad{}, nil, nil, fmt.Errorf("squad: insert routing rule: %w", err)
		}
		rules = append(rules, rr)
	}

	return tx, sq, agents, rules, nil
}

func (r *repository) get(ctx context.Context, id string) (models.Squad, error) {
	var sq models.Squad
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, created_at, active FROM squads WHERE id = $1`,
		id,
	).Scan(&sq.ID, &sq.OwnerID, &sq.Name, &sq.Description, &sq.CreatedAt, &sq.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Squad{}, errs.New(errs.KindNotFound, "squad not found")
		}
		return models.Squad{}, fmt.Errorf("squad: get: %w", err)
	}
	return sq, nil
}

func (r *repository) insertEmpty(ctx context.Context, ownerID, name, description string) (models.Squad, error) {
	sq := models.Squad{ID: uuid.NewString(), OwnerID: ownerID, Name: name, Description: description, Active: true}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO squads (id, owner_id, name, description, created_at, active)
		 VALUES ($1, $2, $3, $4, now(), true)
		 RETURNING created_at`,
		sq.ID, sq.OwnerID, sq.Name, sq.Description,
	).Scan(&sq.CreatedAt)
	if err != nil {
		return models.Squad{}, fmt.Errorf("squad: insert empty squad: %w", err)
	}
	return sq, nil
}

// deleteSquad soft-deletes the squad (active=false); historical events,
// conversations, and agents are left untouched — only the squad's own
// active flag flips.
func (r *repository) deleteSquad(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE squads SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("squad: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "squad not found")
	}
	return nil
}

func (r *repository) agentsByRole(ctx context.Context, squadID string) (map[models.Role][]models.Agent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, role, specialization, generator_vendor, generator_model, generator_temp, system_prompt, tool_capabilities, active, created_at
		 FROM agents WHERE squad_id = $1 AND active = true`,
		squadID,
	)
	if err != nil {
		return nil, fmt.Errorf("squad: query agents: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Role][]models.Agent)
	for rows.Next() {
		var a models.Agent
		var role string
		var toolsJSON []byte
		if err := rows.Scan(&a.ID, &a.SquadID, &role, &a.Specialization, &a.GeneratorRef.Vendor, &a.GeneratorRef.Model, &a.GeneratorRef.Temperature, &a.SystemPrompt, &toolsJSON, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("squad: scan agent: %w", err)
		}
		a.Role = models.Role(role)
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &a.ToolCapabilities); err != nil {
				return nil, fmt.Errorf("squad: unmarshal tool capabilities: %w", err)
			}
		}
		out[a.Role] = append(out[a.Role], a)
	}
	return out, rows.Err()
}

// allActiveAgents returns every active agent across every squad, for the
// entrypoint's one-Runtime-per-agent boot sweep — same row shape as
// agentsByRole, without the squadID/role grouping.
func (r *repository) allActiveAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, role, specialization, generator_vendor, generator_model, generator_temp, system_prompt, tool_capabilities, active, created_at
		 FROM agents WHERE active = true`,
	)
	if err != nil {
		return nil, fmt.Errorf("squad: query all active agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var role string
		var toolsJSON []byte
		if err := rows.Scan(&a.ID, &a.SquadID, &role, &a.Specialization, &a.GeneratorRef.Vendor, &a.GeneratorRef.Model, &a.GeneratorRef.Temperature, &a.SystemPrompt, &toolsJSON, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("squad: scan agent: %w", err)
		}
		a.Role = models.Role(role)
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &a.ToolCapabilities); err != nil {
				return nil, fmt.Errorf("squad: unmarshal tool capabilities: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAgentIDs implements bus.SquadMembership — the set of agent ids that
// receive a broadcast.
func (r *repository) ActiveAgentIDs(ctx context.Context, squadID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM agents WHERE squad_id = $1 AND active = true`, squadID)
	if err != nil {
		return nil, fmt.Errorf("squad: query active agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("squad: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) activeRules(ctx context.Context, squadID string) ([]models.RoutingRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, squad_id, asker_role, question_type, escalation_level, responder_role, priority, active
		 FROM routing_rules WHERE squad_id = $1 AND active = true`,
		squadID,
	)
	if err != nil {
		return nil, fmt.Errorf("squad: query active rules: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		var rr models.RoutingRule
		var askerRole, responderRole string
		if err := rows.Scan(&rr.ID, &rr.SquadID, &askerRole, &rr.QuestionType, &rr.EscalationLevel, &responderRole, &rr.Priority, &rr.Active); err != nil {
			return nil, fmt.Errorf("squad: scan rule: %w", err)
		}
		rr.AskerRole = models.Role(askerRole)
		rr.ResponderRole = models.Role(responderRole)
		out = append(out, rr)
	}
	return out, rows.Err()
}

// storeTemplate persists the raw template definition under its slug so
// applyTemplate can be invoked by templateId alone on subsequent calls.
// ON CONFLICT updates the definition in place — re-registering a template
// under the same slug replaces it, matching the idempotent config-reload
// pattern tarsy's pkg/config/loader.go follows for its own chain configs.
func (r *repository) storeTemplate(ctx context.Context, tmpl models.SquadTemplate) error {
	def, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("squad: marshal template: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO templates (slug, name, description, version, definition, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (slug) DO UPDATE SET name = $2, description = $3, version = $4, definition = $5`,
		tmpl.Slug, tmpl.Name, tmpl.Description, tmpl.Version, def,
	)
	if err != nil {
		return fmt.Errorf("squad: store template: %w", err)
	}
	return nil
}

func (r *repository) loadTemplate(ctx context.Context, slug string) (models.SquadTemplate, error) {
	var def []byte
	err := r.pool.QueryRow(ctx, `SELECT definition FROM templates WHERE slug = $1`, slug).Scan(&def)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.SquadTemplate{}, errs.New(errs.KindNotFound, "template not found")
		}
		return models.SquadTemplate{}, fmt.Errorf("squad: load template: %w", err)
	}
	var tmpl models.SquadTemplate
	if err := json.Unmarshal(def, &tmpl); err != nil {
		return models.SquadTemplate{}, fmt.Errorf("squad: unmarshal stored template: %w", err)
	}
	return tmpl, nil
}
