// Package models holds the domain entities shared by every component:
// Squad, Agent, RoutingRule, Conversation, ConversationEvent, Message, and
// SquadTemplate. Grounded on tarsy's pkg/models/{session,stage,message,event}.go
// shape (plain structs, role/status as typed strings, nullable fields as
// pointers) and the field lists of tarsy's ent/schema/*.go definitions,
// translated from tarsy's session/stage domain onto squads/agents/conversations.
package models

import "time"

// Role enumerates the fixed set of agent roles the spec names.
type Role string

const (
	RoleProjectManager    Role = "project_manager"
	RoleSolutionArchitect Role = "solution_architect"
	RoleTechLead          Role = "tech_lead"
	RoleBackendDeveloper  Role = "backend_developer"
	RoleFrontendDeveloper Role = "frontend_developer"
	RoleQATester          Role = "qa_tester"
	RoleDevOpsEngineer    Role = "devops_engineer"
	RoleAIEngineer        Role = "ai_engineer"
	RoleDesigner          Role = "designer"
	RoleDataScientist     Role = "data_scientist"
	RoleDataEngineer      Role = "data_engineer"
	RoleMLEngineer        Role = "ml_engineer"
)

// ValidRoles lists every role accepted by template/agent validation.
var ValidRoles = []Role{
	RoleProjectManager, RoleSolutionArchitect, RoleTechLead, RoleBackendDeveloper,
	RoleFrontendDeveloper, RoleQATester, RoleDevOpsEngineer, RoleAIEngineer,
	RoleDesigner, RoleDataScientist, RoleDataEngineer, RoleMLEngineer,
}

// IsValidRole reports whether r is one of the spec's named roles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// Squad is a named, user-owned container for agents and routing rules.
type Squad struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
	Active      bool
}

// GeneratorRef is an opaque handle identifying a TextGenerator binding —
// vendor, model, and sampling parameters are meaningful only to the
// agentruntime generator implementation that resolves it.
type GeneratorRef struct {
	Vendor      string  `json:"vendor" yaml:"vendor"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Agent is one role instance within a squad.
type Agent struct {
	ID               string
	SquadID          string
	Role             Role
	Specialization   string
	GeneratorRef     GeneratorRef
	SystemPrompt     string
	ToolCapabilities []string
	Active           bool
	CreatedAt        time.Time
}

// RoutingRule is a declarative dispatch entry resolved by the routing engine.
type RoutingRule struct {
	ID              string
	SquadID         string
	AskerRole       Role
	QuestionType    string // "default" is the universal fallback
	EscalationLevel int
	ResponderRole   Role
	Priority        int
	Active          bool
}

// DefaultQuestionType is the fallback questionType matched when no rule
// names the asked-for type at a given escalation level.
const DefaultQuestionType = "default"

// ConversationState is one of the states in the C4 state diagram.
type ConversationState string

const (
	StateInitiated    ConversationState = "initiated"
	StateWaiting      ConversationState = "waiting"
	StateAnswered     ConversationState = "answered"
	StateAcknowledged ConversationState = "acknowledged"
	StateEscalated    ConversationState = "escalated"
	StateTimedOut     ConversationState = "timed_out"
	StateAbandoned    ConversationState = "abandoned"
)

// IsTerminal reports whether s closes the conversation, per the data
// model's explicit terminal-state list. escalated is not terminal by this
// definition — the row itself takes no further Answer/Acknowledge calls,
// but closedAt is reserved for acknowledged/timed_out/abandoned.
func (s ConversationState) IsTerminal() bool {
	return s == StateAcknowledged || s == StateTimedOut || s == StateAbandoned
}

// Conversation is a durable question thread between two agents.
type Conversation struct {
	ID                      string
	SquadID                 string
	TaskExecutionID         *string
	AskerAgentID            string
	CurrentResponderAgentID string
	QuestionType            string
	EscalationLevel         int
	State                   ConversationState
	ParentConversationID    *string

	// LastTimerCheckAt is set each time the timer service evaluates this
	// conversation for an overdue transition; read at startup recovery to
	// avoid re-evaluating the same conversation twice in one sweep.
	// Grounded on tarsy's AlertSession.LastInteractionAt/PodID fields.
	LastTimerCheckAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// EventKind enumerates the kinds of ConversationEvent.
type EventKind string

const (
	EventInitiated       EventKind = "initiated"
	EventAnswered        EventKind = "answered"
	EventAcknowledged    EventKind = "acknowledged"
	EventEscalated       EventKind = "escalated"
	EventTimedOut        EventKind = "timed_out"
	EventMessageAppended EventKind = "message_appended"
	EventStateChanged    EventKind = "state_changed"
	EventExternalNote    EventKind = "external_note"
)

// ConversationEvent is an immutable record of one thing that happened on a
// conversation. Broadcast messages, which have no conversation, produce no
// ConversationEvent; they are stored in the messages table only.
type ConversationEvent struct {
	ID             int64
	ConversationID string
	SquadID        string
	Sequence       int64 // monotone per conversation, starts at 1
	Kind           EventKind
	Payload        []byte // opaque JSON blob
	AuthorAgentID  *string
	OccurredAt     time.Time
}

// StateChangedPayload is the JSON payload of an EventStateChanged event.
type StateChangedPayload struct {
	From   ConversationState `json:"from"`
	To     ConversationState `json:"to"`
	Reason string            `json:"reason"`
}

// MessageType enumerates the kinds of Message the bus carries.
type MessageType string

const (
	MessageQuestion                  MessageType = "question"
	MessageAnswer                    MessageType = "answer"
	MessageAcknowledgment            MessageType = "acknowledgment"
	MessageStandup                   MessageType = "standup"
	MessageTaskAssignment            MessageType = "task_assignment"
	MessageStatusUpdate              MessageType = "status_update"
	MessageReviewRequest             MessageType = "review_request"
	MessageReviewFeedback            MessageType = "review_feedback"
	MessageCompletion                MessageType = "completion"
	MessageHumanInterventionRequired MessageType = "human_intervention_required"
	MessageSystem                    MessageType = "system"
)

// Message is the datagram moved by the bus. A Message with a ConversationID
// produces a message_appended ConversationEvent when it is durably appended;
// a broadcast (nil ConversationID) produces none.
type Message struct {
	ID               string
	ConversationID   *string // nil for broadcasts
	SquadID          string
	SenderAgentID    string
	RecipientAgentID *string // nil for broadcast
	Type             MessageType
	Content          string
	Metadata         map[string]string
	CreatedAt        time.Time
}

// SquadTemplate is the declarative spec a squad is instantiated from.
type SquadTemplate struct {
	Name         string                `yaml:"name"`
	Slug         string                `yaml:"slug"`
	Description  string                `yaml:"description"`
	Version      string                `yaml:"version"`
	Agents       []TemplateAgent       `yaml:"agents"`
	RoutingRules []TemplateRoutingRule `yaml:"routingRules"`
}

// TemplateAgent describes one agent entry inside a SquadTemplate.
type TemplateAgent struct {
	Role             Role         `yaml:"role"`
	Specialization   string       `yaml:"specialization"`
	GeneratorRef     GeneratorRef `yaml:"generatorRef"`
	SystemPromptRef  string       `yaml:"systemPromptRef"`
	ToolCapabilities []string     `yaml:"toolCapabilities"`
}

// TemplateRoutingRule describes one routing rule entry inside a SquadTemplate.
type TemplateRoutingRule struct {
	AskerRole       Role   `yaml:"askerRole"`
	QuestionType    string `yaml:"questionType"`
	EscalationLevel int    `yaml:"escalationLevel"`
	ResponderRole   Role   `yaml:"responderRole"`
	Priority        int    `yaml:"priority"`
}

// AgentWatermark is the durable (agentId -> lastDeliveredSequence) record C3
// uses for crash-safe redelivery, grounded on tarsy's orphan-recovery idea
// (AlertSession.LastInteractionAt) applied at message-delivery granularity.
type AgentWatermark struct {
	AgentID          string
	LastDeliveredSeq int64
	UpdatedAt        time.Time
}
