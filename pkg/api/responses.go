package api

import (
	"time"

	"github.com/opensquad/squadron/pkg/database"
	"github.com/opensquad/squadron/pkg/models"
)

// ErrorResponse is the uniform error body every non-2xx response carries.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// LoginResponse is POST /auth/login's 200 body.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// HealthResponse is GET /health's body, grounded on tarsy's
// pkg/api/server.go healthHandler/HealthResponse shape, narrowed to the
// components squadron actually has (DB + bus queue depths — no MCP
// registry, warnings service, or worker pool health to report here).
type HealthResponse struct {
	Status    string                 `json:"status"`
	Database  *database.HealthStatus `json:"database,omitempty"`
	BusQueues map[string]int         `json:"busQueues"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// SquadResponse is the squad + agent roster shape GET /squads/{id} and the
// squad-creation endpoints return.
type SquadResponse struct {
	Squad  models.Squad         `json:"squad"`
	Agents []models.Agent       `json:"agents,omitempty"`
	Rules  []models.RoutingRule `json:"routingRules,omitempty"`
}

// ConversationResponse wraps a models.Conversation, the 201 body for
// POST /squads/{id}/conversations.
type ConversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
}

// MessageEventResponse is POST /conversations/{id}/messages's 201 body:
// the resulting conversation plus the event kind that records the
// transition (the spec says "201 + event"; the conversation row is the
// event's net observable effect, and the event kind names which transition
// fired).
type MessageEventResponse struct {
	Conversation models.Conversation `json:"conversation"`
	EventKind    models.EventKind    `json:"eventKind"`
}

// TimelineResponse is GET /conversations/{id}/timeline's body.
type TimelineResponse struct {
	Events []models.ConversationEvent `json:"events"`
}

// WatermarkResponse is GET /squads/{id}/agents/{agentId}/watermark's body.
type WatermarkResponse struct {
	Watermark models.AgentWatermark `json:"watermark"`
}
