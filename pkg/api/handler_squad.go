package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/squad"
)

func (s *Server) handleCreateSquad(c *gin.Context) {
	var req CreateSquadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sq, err := s.squads.CreateEmpty(c.Request.Context(), req.OwnerID, req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SquadResponse{Squad: sq})
}

func (s *Server) handleGetSquad(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	sq, err := s.squads.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	byRole, err := s.squads.AgentsByRole(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	var agents []models.Agent
	for _, as := range byRole {
		agents = append(agents, as...)
	}

	rules, err := s.squads.LoadRules(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SquadResponse{Squad: sq, Agents: agents, Rules: rules})
}

func (s *Server) handleRegisterTemplate(c *gin.Context) {
	var req RegisterTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	tmpl, err := s.squads.RegisterTemplate(c.Request.Context(), []byte(req.Template))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (s *Server) handleApplyTemplate(c *gin.Context) {
	slug := c.Param("slug")
	var req ApplyTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	cust := squad.Customization{Agents: make(map[models.Role]squad.AgentOverride, len(req.Customization))}
	for role, o := range req.Customization {
		override := squad.AgentOverride{Specialization: o.Specialization, SystemPromptRef: o.SystemPromptRef}
		if o.GeneratorRef != nil {
			override.GeneratorRef = &models.GeneratorRef{
				Vendor:      o.GeneratorRef.Vendor,
				Model:       o.GeneratorRef.Model,
				Temperature: o.GeneratorRef.Temperature,
			}
		}
		cust.Agents[models.Role(role)] = override
	}

	sq, agents, rules, err := s.squads.ApplyTemplate(c.Request.Context(), slug, req.OwnerID, req.SquadName, cust)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SquadResponse{Squad: sq, Agents: agents, Rules: rules})
}
