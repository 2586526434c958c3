package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/api"
	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/sse"
	"github.com/opensquad/squadron/pkg/squad"
	"github.com/opensquad/squadron/test/testdb"
)

const deliveryTemplate = `
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
routingRules:
  - askerRole: project_manager
    questionType: default
    escalationLevel: 0
    responderRole: tech_lead
    priority: 1
`

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	pool, listener := testdb.SetupTestPoolWithListener(t)

	log := eventlog.New(pool, nil)
	squads := squad.New(pool)
	b := bus.New(bus.DefaultConfig(), log, pool, squads)
	conv := conversation.New(pool, log, b, nil, nil, conversation.DefaultConfig())
	stream := sse.New(log, listener, pool, sse.Config{HeartbeatInterval: time.Hour, ClientBuffer: 16})

	s := api.NewServer(pool, squads, conv, log, b, stream, ":0")
	require.NoError(t, s.ValidateWiring())
	return s
}

func doJSON(t *testing.T, s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestValidateWiring_ReportsEveryMissingDependency(t *testing.T) {
	s := api.NewServer(nil, nil, nil, nil, nil, nil, ":0")
	err := s.ValidateWiring()
	require.Error(t, err)
	require.Contains(t, err.Error(), "database pool")
	require.Contains(t, err.Error(), "squad service")
	require.Contains(t, err.Error(), "conversation service")
	require.Contains(t, err.Error(), "event log")
	require.Contains(t, err.Error(), "bus")
	require.Contains(t, err.Error(), "sse manager")
}

func TestSquadLifecycle_CreateApplyGetConversationTimeline(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/templates", api.RegisterTemplateRequest{Template: deliveryTemplate})
	require.Equal(t, http.StatusCreated, rec.Code)

	applyReq := api.ApplyTemplateRequest{OwnerID: "owner-1", SquadName: "Team Rocket"}
	rec = doJSON(t, s, http.MethodPost, "/templates/delivery-squad/apply", applyReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var applied api.SquadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &applied))
	require.Equal(t, "Team Rocket", applied.Squad.Name)
	require.Len(t, applied.Agents, 2)

	rec = doJSON(t, s, http.MethodGet, "/squads/"+applied.Squad.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pm string
	for _, a := range applied.Agents {
		if a.Role == "project_manager" {
			pm = a.ID
		}
	}
	require.NotEmpty(t, pm)

	initReq := api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "default",
		Content:      "how should we proceed?",
		Metadata:     map[string]string{"priority": "high"},
	}
	rec = doJSON(t, s, http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", initReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var convResp api.ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convResp))
	require.Equal(t, "waiting", string(convResp.Conversation.State))

	rec = doJSON(t, s, http.MethodGet, "/conversations/"+convResp.Conversation.ID+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline api.TimelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	require.NotEmpty(t, timeline.Events)

	answerReq := api.PostMessageRequest{Type: api.MessageKindAnswer, AgentID: convResp.Conversation.CurrentResponderAgentID, Content: "use REST"}
	rec = doJSON(t, s, http.MethodPost, "/conversations/"+convResp.Conversation.ID+"/messages", answerReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestInitiateConversation_NoResponderReturns422(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/templates", api.RegisterTemplateRequest{Template: deliveryTemplate})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/templates/delivery-squad/apply", api.ApplyTemplateRequest{OwnerID: "owner-1", SquadName: "No Route"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var applied api.SquadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &applied))
	var pm string
	for _, a := range applied.Agents {
		if a.Role == "project_manager" {
			pm = a.ID
		}
	}

	rec = doJSON(t, s, http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "unroutable_question_type_with_no_rule",
		Content:      "nobody can answer this",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestGetSquad_UnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/squads/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReportsDatabaseStatus(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Database)
}

func TestLogin_RequiresUsername(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/auth/login", api.LoginRequest{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/auth/login", api.LoginRequest{Username: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
}
