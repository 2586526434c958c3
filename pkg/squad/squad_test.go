package squad_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/squad"
	"github.com/opensquad/squadron/test/testdb"
)

const validTemplate = `
name: "Delivery Squad"
slug: delivery-squad
description: "standard backend delivery squad"
version: "1.0.0"
agents:
  - role: project_manager
    specialization: default
    generatorRef: { vendor: anthropic, model: claude, temperature: 0.2 }
    systemPromptRef: "project_manager/default"
  - role: tech_lead
    specialization: default
    generatorRef: { vendor: anthropic, model: claude, temperature: 0.3 }
    systemPromptRef: "tech_lead/default"
  - role: backend_developer
    specialization: python_fastapi
    generatorRef: { vendor: anthropic, model: claude, temperature: 0.5 }
    systemPromptRef: "backend_developer/default"
    toolCapabilities: [ticket.create]
routingRules:
  - askerRole: backend_developer
    questionType: implementation
    escalationLevel: 0
    responderRole: tech_lead
    priority: 10
  - askerRole: backend_developer
    questionType: default
    escalationLevel: 0
    responderRole: tech_lead
    priority: 1
`

const orphanResponderTemplate = `
name: "Broken Squad"
slug: broken-squad
version: "1.0.0"
agents:
  - role: project_manager
    specialization: default
routingRules:
  - askerRole: project_manager
    questionType: default
    escalationLevel: 0
    responderRole: solution_architect
    priority: 1
`

func newService(t *testing.T) *squad.Service {
	t.Helper()
	pool := testdb.SetupTestPool(t)
	return squad.New(pool)
}

func TestApplyTemplate_CreatesSquadAgentsAndRules(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.RegisterTemplate(ctx, []byte(validTemplate))
	require.NoError(t, err)

	sq, agents, rules, err := svc.ApplyTemplate(ctx, "delivery-squad", "owner-1", "Team Rocket", squad.Customization{})
	require.NoError(t, err)
	require.Equal(t, "Team Rocket", sq.Name)
	require.True(t, sq.Active)
	require.Len(t, agents, 3)
	require.Len(t, rules, 2)
}

func TestApplyTemplate_TwiceWithDifferentNamesProducesStructurallyIdenticalSquads(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.RegisterTemplate(ctx, []byte(validTemplate))
	require.NoError(t, err)

	_, agentsA, rulesA, err := svc.ApplyTemplate(ctx, "delivery-squad", "owner-1", "Squad A", squad.Customization{})
	require.NoError(t, err)
	_, agentsB, rulesB, err := svc.ApplyTemplate(ctx, "delivery-squad", "owner-1", "Squad B", squad.Customization{})
	require.NoError(t, err)

	require.Len(t, agentsA, len(agentsB))
	require.Len(t, rulesA, len(rulesB))

	rolesA := make(map[models.Role]int)
	for _, a := range agentsA {
		rolesA[a.Role]++
	}
	rolesB := make(map[models.Role]int)
	for _, a := range agentsB {
		rolesB[a.Role]++
	}
	require.Equal(t, rolesA, rolesB)
}

func TestApplyTemplate_OrphanResponderRoleAbortsWholeTransaction(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.RegisterTemplate(ctx, []byte(orphanResponderTemplate))
	require.NoError(t, err)

	_, _, _, err = svc.ApplyTemplate(ctx, "broken-squad", "owner-1", "Broken", squad.Customization{})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindInvalid, kind)
}

func TestApplyTemplate_CustomizationOverridesSpecialization(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.RegisterTemplate(ctx, []byte(validTemplate))
	require.NoError(t, err)

	cust := squad.Customization{
		Agents: map[models.Role]squad.AgentOverride{
			models.RoleBackendDeveloper: {Specialization: "node_express"},
		},
	}
	_, agents, _, err := svc.ApplyTemplate(ctx, "delivery-squad", "owner-1", "Custom Squad", cust)
	require.NoError(t, err)

	var found bool
	for _, a := range agents {
		if a.Role == models.RoleBackendDeveloper {
			found = true
			require.Equal(t, "node_express", a.Specialization)
		}
	}
	require.True(t, found)
}

func TestDeleteSquad_SoftDeletesWithoutRemovingRows(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.RegisterTemplate(ctx, []byte(validTemplate))
	require.NoError(t, err)
	sq, _, _, err := svc.ApplyTemplate(ctx, "delivery-squad", "owner-1", "To Delete", squad.Customization{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, sq.ID))

	reloaded, err := svc.Get(ctx, sq.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Active)
}

func TestCreateEmpty_HasNoAgentsOrRules(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	sq, err := svc.CreateEmpty(ctx, "owner-1", "Blank Squad", "")
	require.NoError(t, err)
	require.True(t, sq.Active)

	ids, err := svc.ActiveAgentIDs(ctx, sq.ID)
	require.NoError(t, err)
	require.Empty(t, ids)
}
