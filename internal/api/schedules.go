package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"AutoInvest/internal/model"
	"AutoInvest/internal/schedule"
)

func (s *Server) handleCreateSchedule(c *gin.Context) {
	var req schedule.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.AccountID = c.Param("account_id")

	sc, err := s.deps.Schedules.Create(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	createdResponse(c, sc)
}

func (s *Server) handleListSchedules(c *gin.Context) {
	filter := model.ScheduleFilter{
		Status:      model.Status(c.Query("status")),
		PortfolioID: c.Query("portfolio_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(c, model.Invalid("status", "%q is not a schedule status", filter.Status))
		return
	}

	list, err := s.deps.Schedules.List(c.Request.Context(), c.Param("account_id"), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []*model.Schedule{}
	}
	successResponse(c, list)
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	sc, err := s.deps.Schedules.Get(c.Request.Context(), c.Param("account_id"), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, sc)
}

func (s *Server) handleUpdateSchedule(c *gin.Context) {
	var req schedule.UpdateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	sc, err := s.deps.Schedules.Update(c.Request.Context(), c.Param("account_id"), c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, sc)
}

// handleCancelSchedule backs DELETE; schedules are never hard-deleted.
func (s *Server) handleCancelSchedule(c *gin.Context) {
	s.transition(c, s.deps.Schedules.Cancel)
}

func (s *Server) handlePauseSchedule(c *gin.Context) {
	s.transition(c, s.deps.Schedules.Pause)
}

func (s *Server) handleResumeSchedule(c *gin.Context) {
	s.transition(c, s.deps.Schedules.Resume)
}

func (s *Server) transition(c *gin.Context, op func(ctx context.Context, accountID, id string) (*model.Schedule, error)) {
	sc, err := op(c.Request.Context(), c.Param("account_id"), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, sc)
}

func (s *Server) handleScheduleAudit(c *gin.Context) {
	entries, err := s.deps.Schedules.Audit(c.Request.Context(), c.Param("account_id"), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	successResponse(c, entries)
}

func (s *Server) handleScheduleExecutions(c *gin.Context) {
	ctx := c.Request.Context()
	sc, err := s.deps.Schedules.Get(ctx, c.Param("account_id"), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	recs, err := s.deps.Store.Executions(ctx, sc.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []model.ExecutionRecord{}
	}
	successResponse(c, recs)
}
