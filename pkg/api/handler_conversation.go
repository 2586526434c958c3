package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opensquad/squadron/pkg/errs"
	"github.com/opensquad/squadron/pkg/models"
)

func (s *Server) handleInitiateConversation(c *gin.Context) {
	squadID := c.Param("id")
	var req InitiateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	conv, err := s.conv.Initiate(c.Request.Context(), squadID, req.AskerAgentID, req.QuestionType, req.Content, req.Metadata, req.TaskExecutionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ConversationResponse{Conversation: conv})
}

// handlePostMessage dispatches POST /conversations/{id}/messages to the
// C4 transition req.Type names: answer/acknowledge/follow_up/escalate are
// the only caller-driven moves a conversation can make past "waiting".
func (s *Server) handlePostMessage(c *gin.Context) {
	conversationID := c.Param("id")
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		conv      models.Conversation
		err       error
		eventKind models.EventKind
	)
	switch req.Type {
	case MessageKindAnswer:
		conv, err = s.conv.Answer(ctx, conversationID, req.AgentID, req.Content)
		eventKind = models.EventAnswered
	case MessageKindAcknowledge:
		conv, err = s.conv.Acknowledge(ctx, conversationID, req.AgentID)
		eventKind = models.EventAcknowledged
	case MessageKindFollowUp:
		conv, err = s.conv.FollowUp(ctx, conversationID, req.AgentID, req.Content)
		eventKind = models.EventMessageAppended
	case MessageKindEscalate:
		conv, err = s.conv.Escalate(ctx, conversationID, req.Reason)
		eventKind = models.EventEscalated
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown message type: " + string(req.Type)})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, MessageEventResponse{Conversation: conv, EventKind: eventKind})
}

func (s *Server) handleTimeline(c *gin.Context) {
	conversationID := c.Param("id")
	fromSequence := int64(0)
	if raw := c.Query("fromSequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "fromSequence must be an integer"})
			return
		}
		fromSequence = n
	}

	var exists bool
	if err := s.pool.QueryRow(c.Request.Context(),
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID,
	).Scan(&exists); err != nil {
		writeError(c, err)
		return
	}
	if !exists {
		writeError(c, errs.New(errs.KindNotFound, "conversation not found"))
		return
	}

	events, err := s.log.ReadTimeline(c.Request.Context(), conversationID, fromSequence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TimelineResponse{Events: events})
}

func (s *Server) handleWatermark(c *gin.Context) {
	agentID := c.Param("agentId")
	wm, err := s.bus.Watermark(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, WatermarkResponse{Watermark: wm})
}
