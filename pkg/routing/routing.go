// Package routing implements C2, the pure routing algorithm that decides
// which agent answers a question. No DB calls in the hot path — callers
// (pkg/conversation) load the active rule set (optionally through
// RuleCache) and the candidate agents, and pass both in here.
package routing

import (
	"sort"

	"github.com/opensquad/squadron/pkg/models"
)

// NoResponder is returned by Route when no rule, or no agent satisfying a
// matched rule, can be found. Conversation handling maps this to the
// errs.KindNoResponder HTTP 422.
type NoResponder struct {
	SquadID         string
	AskerRole       models.Role
	QuestionType    string
	EscalationLevel int
}

func (e *NoResponder) Error() string {
	return "no responder for " + string(e.AskerRole) + "/" + e.QuestionType
}

// Route resolves the responder agent for a question, following the six-step
// algorithm:
//  1. Start from rules (already filtered to active, squad-scoped).
//  2. Keep rules whose askerRole/escalationLevel match the question.
//  3. Prefer rules whose questionType matches exactly; if none match,
//     fall back to rules whose questionType is "default".
//  4. Among the surviving rules, pick the highest priority; ties break by
//     lexicographically smallest responderRole, then smallest rule ID.
//  5. Resolve the winning rule's responderRole to a concrete agent: prefer
//     one whose specialization matches the question's metadata
//     specialization hint, else the lexicographically smallest agentId
//     among same-role agents.
//  6. If any step yields no candidate, return NoResponder.
func Route(rules []models.RoutingRule, agents []models.Agent, askerRole models.Role, questionType string, escalationLevel int, specializationHint string) (models.Agent, error) {
	noResponder := &NoResponder{AskerRole: askerRole, QuestionType: questionType, EscalationLevel: escalationLevel}

	var candidates []models.RoutingRule
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if r.AskerRole == askerRole && r.EscalationLevel == escalationLevel {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return models.Agent{}, noResponder
	}

	exact := filterByQuestionType(candidates, questionType)
	pool := exact
	if len(pool) == 0 {
		pool = filterByQuestionType(candidates, models.DefaultQuestionType)
	}
	if len(pool) == 0 {
		return models.Agent{}, noResponder
	}

	winner := pickWinner(pool)

	agent, ok := resolveAgent(agents, winner.ResponderRole, specializationHint)
	if !ok {
		return models.Agent{}, noResponder
	}
	return agent, nil
}

func filterByQuestionType(rules []models.RoutingRule, questionType string) []models.RoutingRule {
	var out []models.RoutingRule
	for _, r := range rules {
		if r.QuestionType == questionType {
			out = append(out, r)
		}
	}
	return out
}

// pickWinner applies step 4's tie-break: highest priority, then smallest
// responderRole, then smallest rule ID.
func pickWinner(rules []models.RoutingRule) models.RoutingRule {
	sorted := make([]models.RoutingRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.ResponderRole != b.ResponderRole {
			return a.ResponderRole < b.ResponderRole
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// resolveAgent applies step 5: among active agents with the given role,
// prefer a specialization match on specializationHint, else the
// lexicographically smallest agentId.
func resolveAgent(agents []models.Agent, role models.Role, specializationHint string) (models.Agent, bool) {
	var sameRole []models.Agent
	for _, a := range agents {
		if a.Active && a.Role == role {
			sameRole = append(sameRole, a)
		}
	}
	if len(sameRole) == 0 {
		return models.Agent{}, false
	}

	if specializationHint != "" {
		for _, a := range sameRole {
			if a.Specialization == specializationHint {
				return a, true
			}
		}
	}

	sort.Slice(sameRole, func(i, j int) bool { return sameRole[i].ID < sameRole[j].ID })
	return sameRole[0], true
}
