// Package notify is A3, the escalation/operator notifier: a best-effort,
// fail-open Slack post whenever a conversation needs a human (exhausted its
// escalation chain, or an Agent Runtime generator failure forced a
// human_intervention_required message).
//
// Grounded on tarsy's pkg/slack/service.go: a nil-safe Service whose every
// method is a no-op when unconfigured, and whose errors are logged, never
// returned — notification failures must never fail the conversation
// operation that triggered them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier posts operator alerts to Slack. The zero-safe way to build one
// that does nothing is New("", "") — every method below is a no-op on a nil
// receiver as well, so callers never need to check before calling.
type Notifier struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// New builds a Notifier from SLACK_BOT_TOKEN/SLACK_NOTIFY_CHANNEL. Returns
// nil when either is empty — notifications are entirely optional.
func New(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return nil
	}
	return &Notifier{
		api:     slack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "notify"),
	}
}

// NotifyHumanInterventionRequired posts when an Agent Runtime generator
// failure forces a human_intervention_required system message.
func (n *Notifier) NotifyHumanInterventionRequired(ctx context.Context, conversationID, agentID, reason string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":rotating_light: Conversation `%s` needs human intervention — agent `%s`: %s", conversationID, agentID, reason)
	n.post(ctx, text)
}

// NotifyEscalationExhausted posts when a conversation's escalation chain
// ran out of responders (routing.NoResponder at the deepest level reached).
func (n *Notifier) NotifyEscalationExhausted(ctx context.Context, conversationID string, escalationLevel int) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":warning: Conversation `%s` exhausted its escalation chain at level %d with no responder found", conversationID, escalationLevel)
	n.post(ctx, text)
}

func (n *Notifier) post(ctx context.Context, text string) {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("notify: failed to post Slack message", "error", err)
	}
}
