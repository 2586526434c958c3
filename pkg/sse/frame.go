package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/opensquad/squadron/pkg/models"
)

// Frame is one text/event-stream frame: "id: <ID>\nevent: <Event>\ndata:
// <Data>\n\n". ID is empty for a heartbeat, which carries no resume cursor.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f Frame) error {
	var b strings.Builder
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", f.Event)
	fmt.Fprintf(&b, "data: %s\n\n", f.Data)
	if _, err := w.Write([]byte(b.String())); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// messageFramePayload is the JSON body of a "message" frame.
type messageFramePayload struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	SenderAgentID  string            `json:"senderAgentId"`
	SenderRole     string            `json:"senderRole,omitempty"`
	RecipientAgent *string           `json:"recipientAgentId,omitempty"`
	RecipientRole  string            `json:"recipientRole,omitempty"`
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     string            `json:"occurredAt"`
	Sequence       int64             `json:"sequence"`
}

// stateChangedFramePayload is the JSON body of a "state_changed" frame.
type stateChangedFramePayload struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Reason         string `json:"reason"`
	OccurredAt     string `json:"occurredAt"`
	Sequence       int64  `json:"sequence"`
}

// genericFramePayload covers event kinds with no frame-specific shape:
// the raw event fields, for "answer_complete"/"completed"/"error" frames.
type genericFramePayload struct {
	ConversationID string          `json:"conversationId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	AuthorAgentID  *string         `json:"authorAgentId,omitempty"`
	OccurredAt     string          `json:"occurredAt"`
	Sequence       int64           `json:"sequence"`
}

// buildFrame translates one committed ConversationEvent into its SSE frame
// kind. The event-kind vocabulary is narrower than
// the frame-kind vocabulary (no generator in this repo ever streams partial
// answers, so "answer_streaming" is never produced); the mapping below is
// an Open Question resolution recorded in DESIGN.md:
//   - message_appended    -> "message"
//   - answered            -> "answer_complete"
//   - state_changed, acknowledged, timed_out, escalated, initiated ->
//     "state_changed"
//   - any of the kinds above except message_appended, when the target state
//     is terminal (models.ConversationState.IsTerminal), becomes
//     "completed" instead — a subscriber watching for task completion
//     only ever needs that one frame kind, not a state_changed it has to
//     inspect to detect finality
//   - external_note       -> "error" (the only external_note producer today
//     is a tool ACL violation, itself an error condition worth surfacing)
func buildFrame(ev models.ConversationEvent, roles map[string]models.Role) (Frame, error) {
	id := strconv.FormatInt(ev.ID, 10)
	occurredAt := ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z")

	switch ev.Kind {
	case models.EventMessageAppended:
		var decoded struct {
			MessageID        string            `json:"messageId"`
			Type             string            `json:"type"`
			SenderAgentID    string            `json:"senderAgentId"`
			RecipientAgentID *string           `json:"recipientAgentId,omitempty"`
			Content          string            `json:"content"`
			Metadata         map[string]string `json:"metadata,omitempty"`
		}
		if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
			return Frame{}, fmt.Errorf("sse: decode message_appended payload: %w", err)
		}
		var recipientRole string
		if decoded.RecipientAgentID != nil {
			recipientRole = string(roles[*decoded.RecipientAgentID])
		}
		data, err := json.Marshal(messageFramePayload{
			MessageID:      decoded.MessageID,
			ConversationID: ev.ConversationID,
			SenderAgentID:  decoded.SenderAgentID,
			SenderRole:     string(roles[decoded.SenderAgentID]),
			RecipientAgent: decoded.RecipientAgentID,
			RecipientRole:  recipientRole,
			Type:           decoded.Type,
			Content:        decoded.Content,
			Metadata:       decoded.Metadata,
			OccurredAt:     occurredAt,
			Sequence:       ev.Sequence,
		})
		if err != nil {
			return Frame{}, err
		}
		return Frame{ID: id, Event: "message", Data: data}, nil

	case models.EventStateChanged, models.EventAnswered, models.EventAcknowledged,
		models.EventEscalated, models.EventTimedOut, models.EventInitiated:
		var decoded models.StateChangedPayload
		if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
			return Frame{}, fmt.Errorf("sse: decode state payload: %w", err)
		}
		data, err := json.Marshal(stateChangedFramePayload{
			ConversationID: ev.ConversationID,
			From:           string(decoded.From),
			To:             string(decoded.To),
			Reason:         decoded.Reason,
			OccurredAt:     occurredAt,
			Sequence:       ev.Sequence,
		})
		if err != nil {
			return Frame{}, err
		}

		event := "state_changed"
		if ev.Kind == models.EventAnswered {
			event = "answer_complete"
		}
		frame := Frame{ID: id, Event: event, Data: data}
		if !models.ConversationState(decoded.To).IsTerminal() {
			return frame, nil
		}
		// A terminal transition's frame becomes "completed" instead of
		// state_changed/answer_complete, so a subscriber watching only for
		// task completion has one frame kind to match, not a state_changed
		// it would otherwise have to inspect for finality.
		return Frame{ID: id, Event: "completed", Data: data}, nil

	case models.EventExternalNote:
		data, err := json.Marshal(genericFramePayload{
			ConversationID: ev.ConversationID,
			Kind:           string(ev.Kind),
			Payload:        json.RawMessage(ev.Payload),
			AuthorAgentID:  ev.AuthorAgentID,
			OccurredAt:     occurredAt,
			Sequence:       ev.Sequence,
		})
		if err != nil {
			return Frame{}, err
		}
		return Frame{ID: id, Event: "error", Data: data}, nil

	default:
		data, err := json.Marshal(genericFramePayload{
			ConversationID: ev.ConversationID,
			Kind:           string(ev.Kind),
			Payload:        json.RawMessage(ev.Payload),
			AuthorAgentID:  ev.AuthorAgentID,
			OccurredAt:     occurredAt,
			Sequence:       ev.Sequence,
		})
		if err != nil {
			return Frame{}, err
		}
		return Frame{ID: id, Event: string(ev.Kind), Data: data}, nil
	}
}
