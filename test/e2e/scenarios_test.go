package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/api"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/models"
)

// deliverySquadTemplate is a minimal two-role squad with one routing rule
// per escalation level, reused across scenarios. Grounded on
// pkg/squad/squad_test.go's validTemplate.
const deliverySquadTemplate = `
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
  - role: solution_architect
    specialization: default
    generatorRef: { vendor: anthropic, model: claude, temperature: 0.3 }
    systemPromptRef: "solution_architect/default"
routingRules:
  - askerRole: project_manager
    questionType: default
    escalationLevel: 0
    responderRole: tech_lead
    priority: 1
  - askerRole: project_manager
    questionType: default
    escalationLevel: 1
    responderRole: solution_architect
    priority: 1
`

// brokenSquadTemplate names a routing rule whose responderRole has no agent
// in the squad, violating the orphan-responder-role invariant.
// Grounded on pkg/squad/squad_test.go's orphanResponderTemplate.
const brokenSquadTemplate = `
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

// Scenario 1: single-hop question and answer reaches acknowledged.
func TestScenario_SingleHopQuestionAndAnswer(t *testing.T) {
	app := NewApp(t)

	applied := app.RegisterAndApply(deliverySquadTemplate, "delivery-squad", "owner-1", "Team Rocket")
	pm := AgentByRole(applied, "project_manager")
	require.NotEmpty(t, pm)

	var convResp api.ConversationResponse
	app.DoJSON(http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "default",
		Content:      "which framework should we use for the new service?",
	}, http.StatusCreated, &convResp)
	require.Equal(t, models.StateWaiting, convResp.Conversation.State)
	responder := convResp.Conversation.CurrentResponderAgentID
	require.NotEmpty(t, responder)

	var answered api.MessageEventResponse
	app.DoJSON(http.MethodPost, "/conversations/"+convResp.Conversation.ID+"/messages", api.PostMessageRequest{
		Type:    api.MessageKindAnswer,
		AgentID: responder,
		Content: "use FastAPI, matches the rest of the stack",
	}, http.StatusCreated, &answered)
	require.Equal(t, models.StateAnswered, answered.Conversation.State)
	require.Equal(t, models.EventAnswered, answered.EventKind)

	var acked api.MessageEventResponse
	app.DoJSON(http.MethodPost, "/conversations/"+convResp.Conversation.ID+"/messages", api.PostMessageRequest{
		Type:    api.MessageKindAcknowledge,
		AgentID: pm,
	}, http.StatusCreated, &acked)
	require.Equal(t, models.StateAcknowledged, acked.Conversation.State)
	require.NotNil(t, acked.Conversation.ClosedAt)

	var timeline api.TimelineResponse
	app.DoJSON(http.MethodGet, "/conversations/"+convResp.Conversation.ID+"/timeline", nil, http.StatusOK, &timeline)
	require.GreaterOrEqual(t, len(timeline.Events), 3)
}

// Scenario 2: an unanswered question escalates to the next routing level
// once the configured answer timeout elapses, driven by the real timer
// sweep rather than a direct Escalate call.
func TestScenario_EscalationOnAnswerTimeout(t *testing.T) {
	app := NewApp(t, WithConversationConfig(conversation.Config{
		AnswerTimeoutSeconds: 1,
		AckTimeoutSeconds:    120,
	}))

	applied := app.RegisterAndApply(deliverySquadTemplate, "delivery-squad", "owner-2", "Slow Squad")
	pm := AgentByRole(applied, "project_manager")
	sa := AgentByRole(applied, "solution_architect")

	var convResp api.ConversationResponse
	app.DoJSON(http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "default",
		Content:      "how do we handle the migration?",
	}, http.StatusCreated, &convResp)
	require.Equal(t, 0, convResp.Conversation.EscalationLevel)

	require.Eventually(t, func() bool {
		rec := app.Do(http.MethodGet, "/conversations/"+convResp.Conversation.ID+"/timeline", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var timeline api.TimelineResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &timeline); err != nil {
			return false
		}
		for _, e := range timeline.Events {
			if e.Kind == models.EventEscalated {
				return true
			}
		}
		return false
	}, 12*time.Second, 200*time.Millisecond, "conversation never escalated on answer timeout")

	require.NotEmpty(t, sa)
}

// Scenario 3: a question type with no configured responder at its
// escalation level is rejected at initiation with 422, not silently queued.
func TestScenario_NoResponderRejectedAtInitiation(t *testing.T) {
	app := NewApp(t)

	applied := app.RegisterAndApply(deliverySquadTemplate, "delivery-squad", "owner-3", "No Route Squad")
	pm := AgentByRole(applied, "project_manager")

	rec := app.Do(http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "unroutable_question_type",
		Content:      "nobody owns this",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.NotEmpty(t, errResp.Error)
}

// Scenario 4: broadcasting a message to every active squad member delivers
// it to each subscriber's bus queue (the fan-out C3 itself, independent of
// the conversation state machine). Grounded on Publish's broadcast mode
// and pkg/bus's own broadcast test shape.
func TestScenario_BroadcastDeliversToEverySquadMember(t *testing.T) {
	app := NewApp(t)

	applied := app.RegisterAndApply(deliverySquadTemplate, "delivery-squad", "owner-4", "Broadcast Squad")
	pm := AgentByRole(applied, "project_manager")
	tl := AgentByRole(applied, "tech_lead")
	sa := AgentByRole(applied, "solution_architect")

	tlInbox := app.Bus.Subscribe(tl)
	saInbox := app.Bus.Subscribe(sa)

	_, err := app.Bus.Publish(t.Context(), models.Message{
		SquadID:       applied.Squad.ID,
		SenderAgentID: pm,
		Type:          models.MessageStandup,
		Content:       "standup moved to 10am",
	})
	require.NoError(t, err)

	select {
	case msg := <-tlInbox:
		require.Equal(t, "standup moved to 10am", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("tech_lead never received the broadcast")
	}
	select {
	case msg := <-saInbox:
		require.Equal(t, "standup moved to 10am", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("solution_architect never received the broadcast")
	}
}

// Scenario 6: applying a template whose routing rules reference a role with
// no matching agent is rejected atomically — no partial squad, no orphan
// agents or rules, left behind by the failed attempt.
func TestScenario_TemplateApplyIsAtomicOnInvariantViolation(t *testing.T) {
	app := NewApp(t)

	app.DoJSON(http.MethodPost, "/templates", api.RegisterTemplateRequest{Template: brokenSquadTemplate}, http.StatusCreated, nil)

	rec := app.Do(http.MethodPost, "/templates/broken-squad/apply", api.ApplyTemplateRequest{
		OwnerID:   "owner-5",
		SquadName: "Should Not Exist",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var count int
	require.NoError(t, app.Pool.QueryRow(t.Context(),
		`SELECT count(*) FROM squads WHERE name = 'Should Not Exist'`).Scan(&count))
	require.Zero(t, count, "a failed ApplyTemplate must not leave a partial squad row behind")
}
