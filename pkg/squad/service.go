// Package squad implements C6, the Squad/Template Service: atomic
// instantiation of a squad (agents + routing rules) from a declarative
// YAML template, plus the empty-squad and soft-delete paths the HTTP API
// exposes directly. Grounded on
// Strob0t-CodeForge/internal/adapter/postgres/store.go's transactional
// create methods, generalized to the one multi-row transaction this domain
// needs that Strob0t-CodeForge's single-row creates don't have an exact
// analogue for.
package squad

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/routing"
)

type Service struct {
	repo *repository
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{repo: newRepository(pool)}
}

// RegisterTemplate stores a parsed template under its slug so it can later
// be applied by templateId. Idempotent: re-registering the same slug
// replaces the stored definition.
func (s *Service) RegisterTemplate(ctx context.Context, raw []byte) (models.SquadTemplate, error) {
	tmpl, err := ParseTemplate(raw)
	if err != nil {
		return models.SquadTemplate{}, errs.Wrap(errs.KindInvalid, err)
	}
	if tmpl.Slug == "" {
		return models.SquadTemplate{}, errs.New(errs.KindInvalid, "squad: template slug is required")
	}
	if err := s.repo.storeTemplate(ctx, tmpl); err != nil {
		return models.SquadTemplate{}, err
	}
	return tmpl, nil
}

// CreateEmpty creates a squad with no agents or rules — the `POST /squads`
// path, distinct from template application.
func (s *Service) CreateEmpty(ctx context.Context, ownerID, name, description string) (models.Squad, error) {
	return s.repo.insertEmpty(ctx, ownerID, name, description)
}

func (s *Service) Get(ctx context.Context, id string) (models.Squad, error) {
	return s.repo.get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.deleteSquad(ctx, id)
}

// ApplyTemplate runs the applyTemplate transaction: create Squad, create
// Agents (honoring customization overrides), create RoutingRules, validate
// invariants, commit. Any failure — including a failed invariant — rolls
// back the whole transaction, so callers never observe a partial squad.
func (s *Service) ApplyTemplate(ctx context.Context, templateSlug, ownerID, squadName string, cust Customization) (models.Squad, []models.Agent, []models.RoutingRule, error) {
	tmpl, err := s.repo.loadTemplate(ctx, templateSlug)
	if err != nil {
		return models.Squad{}, nil, nil, err
	}

	tx, sq, agents, rules, err := s.repo.applyTemplate(ctx, tmpl, ownerID, squadName, cust)
	if err != nil {
		return models.Squad{}, nil, nil, err
	}

	if err := validateInvariants(agents, rules); err != nil {
		_ = tx.Rollback(ctx)
		return models.Squad{}, nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Squad{}, nil, nil, fmt.Errorf("squad: commit apply template: %w", err)
	}
	return sq, agents, rules, nil
}

// validateInvariants checks the three squad-level invariants against the
// in-flight (uncommitted) agents and rules:
//  1. at least one project_manager agent.
//  2. no routing rule names a responderRole with no matching agent in the
//     squad (an "orphan responder role").
//  3. every (askerRole, questionType, escalationLevel) a rule names is
//     resolvable to exactly one agent by the routing engine.
//
// All violations are reported together under one KindInvalid error so a
// template author sees every problem in one round trip, not one-at-a-time.
func validateInvariants(agents []models.Agent, rules []models.RoutingRule) error {
	var problems []string

	hasPM := false
	rolesPresent := make(map[models.Role]bool)
	for _, a := range agents {
		rolesPresent[a.Role] = true
		if a.Role == models.RoleProjectManager {
			hasPM = true
		}
	}
	if !hasPM {
		problems = append(problems, "squad has no project_manager agent")
	}

	type triple struct {
		role  models.Role
		qtype string
		level int
	}
	seen := make(map[triple]bool)
	for _, r := range rules {
		if !rolesPresent[r.ResponderRole] {
			problems = append(problems, fmt.Sprintf("routing rule responder role %q has no agent in the squad", r.ResponderRole))
		}
		seen[triple{r.AskerRole, r.QuestionType, r.EscalationLevel}] = true
	}

	triples := make([]triple, 0, len(seen))
	for t := range seen {
		triples = append(triples, t)
	}
	sort.Slice(triples, func(i, j int) bool {
		if triples[i].role != triples[j].role {
			return triples[i].role < triples[j].role
		}
		if triples[i].qtype != triples[j].qtype {
			return triples[i].qtype < triples[j].qtype
		}
		return triples[i].level < triples[j].level
	})
	for _, t := range triples {
		if _, err := routing.Route(rules, agents, t.role, t.qtype, t.level, ""); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	msg := "squad: invariant violation"
	for _, p := range problems {
		msg += "; " + p
	}
	return errs.New(errs.KindInvalid, msg)
}

// LoadRules returns the squad's active routing rules for the squad API.
// ActiveAgentIDs satisfies bus.SquadMembership, so this repository backs
// C3's broadcast fan-out. The routing RuleCache is filled by
// pkg/conversation's own rules query, not by LoadRules.
func (s *Service) LoadRules(ctx context.Context, squadID string) ([]models.RoutingRule, error) {
	return s.repo.activeRules(ctx, squadID)
}

func (s *Service) ActiveAgentIDs(ctx context.Context, squadID string) ([]string, error) {
	return s.repo.ActiveAgentIDs(ctx, squadID)
}

func (s *Service) AgentsByRole(ctx context.Context, squadID string) (map[models.Role][]models.Agent, error) {
	return s.repo.agentsByRole(ctx, squadID)
}

// AllActiveAgents returns every active agent across every squad, used by
// cmd/squadron at boot to start one agentruntime.Runtime per agent.
func (s *Service) AllActiveAgents(ctx context.Context) ([]models.Agent, error) {
	return s.repo.allActiveAgents(ctx)
}
