package api

// LoginRequest is POST /auth/login's body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

// CreateSquadRequest is POST /squads's body.
type CreateSquadRequest struct {
	OwnerID     string `json:"ownerId" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// RegisterTemplateRequest is POST /templates's body: the raw YAML template
// document, carried as a string so the request body can be authored the
// same way a template file on disk is.
type RegisterTemplateRequest struct {
	Template string `json:"template" binding:"required"`
}

// ApplyTemplateRequest is POST /templates/{slug}/apply's body.
type ApplyTemplateRequest struct {
	OwnerID       string                      `json:"ownerId" binding:"required"`
	SquadName     string                      `json:"squadName" binding:"required"`
	Customization map[string]AgentOverrideDTO `json:"customization,omitempty"`
}

// AgentOverrideDTO mirrors squad.AgentOverride at the wire boundary, keyed
// by role in the request body's customization map.
type AgentOverrideDTO struct {
	Specialization  string           `json:"specialization,omitempty"`
	GeneratorRef    *GeneratorRefDTO `json:"generatorRef,omitempty"`
	SystemPromptRef string           `json:"systemPromptRef,omitempty"`
}

// GeneratorRefDTO mirrors models.GeneratorRef at the wire boundary.
type GeneratorRefDTO struct {
	Vendor      string  `json:"vendor"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
}

// InitiateConversationRequest is POST /squads/{id}/conversations's body,
// the fields a caller supplies to start a new conversation thread.
type InitiateConversationRequest struct {
	AskerAgentID    string            `json:"askerAgentId" binding:"required"`
	QuestionType    string            `json:"questionType" binding:"required"`
	Content         string            `json:"content" binding:"required"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TaskExecutionID *string           `json:"taskExecutionId,omitempty"`
}

// MessageKind selects which conversation.Service method PostMessageRequest
// dispatches to.
type MessageKind string

const (
	MessageKindAnswer      MessageKind = "answer"
	MessageKindAcknowledge MessageKind = "acknowledge"
	MessageKindFollowUp    MessageKind = "follow_up"
	MessageKindEscalate    MessageKind = "escalate"
)

// PostMessageRequest is POST /conversations/{id}/messages's body. Type
// selects the transition (answer/acknowledge/follow_up/escalate); content
// and agentId apply to the kinds that need them.
type PostMessageRequest struct {
	Type    MessageKind `json:"type" binding:"required"`
	AgentID string      `json:"agentId"`
	Content string      `json:"content"`
	Reason  string      `json:"reason"`
}
