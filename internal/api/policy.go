package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"AutoInvest/internal/compliance"
	"AutoInvest/internal/insight"
	"AutoInvest/internal/model"
)

// snapshotRequest carries a portfolio snapshot inline or names a portfolio
// to fetch it from the brokerage.
type snapshotRequest struct {
	PortfolioID string                   `json:"portfolio_id"`
	Snapshot    *model.PortfolioSnapshot `json:"snapshot"`
}

func (s *Server) resolveSnapshot(ctx context.Context, accountID string, req snapshotRequest) (*model.PortfolioSnapshot, error) {
	if req.Snapshot != nil {
		return req.Snapshot, nil
	}
	if req.PortfolioID == "" {
		return nil, nil
	}
	if s.deps.Snapshots == nil {
		return nil, model.Invalid("snapshot", "no brokerage configured; send the snapshot inline")
	}
	return s.deps.Snapshots.Snapshot(ctx, accountID, req.PortfolioID)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("account_id")

	withHistory, _ := strconv.ParseBool(c.DefaultQuery("include_history", "false"))
	if withHistory {
		history, err := s.deps.Store.PolicyHistory(ctx, accountID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if len(history) == 0 {
			s.writeError(c, model.ErrNotFound)
			return
		}
		successResponse(c, gin.H{"current": history[0], "history": history})
		return
	}

	p, err := s.deps.Store.CurrentPolicy(ctx, accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	successResponse(c, p)
}

// handlePutPolicy stores a new IPS version. Earlier versions are kept.
func (s *Server) handlePutPolicy(c *gin.Context) {
	var p model.InvestmentPolicy
	if !s.bindJSON(c, &p) {
		return
	}
	p.AccountID = c.Param("account_id")
	p.Normalize()
	if err := compliance.CheckWrite(&p); err != nil {
		s.writeError(c, err)
		return
	}
	p.CreatedAt = s.deps.Now().UTC()

	if err := s.deps.Store.PutPolicy(c.Request.Context(), &p); err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info().Str("account_id", p.AccountID).Int("version", p.Version).Msg("investment policy stored")
	successResponse(c, gin.H{
		"policy":     p,
		"validation": compliance.ValidatePolicy(&p),
	})
}

func (s *Server) handleValidatePolicy(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("account_id")

	var req snapshotRequest
	if !s.bindJSON(c, &req) {
		return
	}
	p, err := s.deps.Store.CurrentPolicy(ctx, accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.resolveSnapshot(ctx, accountID, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if snap == nil {
		s.writeError(c, model.Invalid("snapshot", "either snapshot or portfolio_id is required"))
		return
	}
	successResponse(c, compliance.ComputeDrift(p, snap))
}

// handleInsights works with whatever is available: a missing policy or
// snapshot only narrows the signals that can fire.
func (s *Server) handleInsights(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("account_id")

	var req snapshotRequest
	if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
		return
	}

	in := &insight.Input{
		AccountID: accountID,
		Currency:  s.config.DefaultCurrency,
		Now:       s.deps.Now(),
	}
	p, err := s.deps.Store.CurrentPolicy(ctx, accountID)
	switch {
	case err == nil:
		in.Policy = p
	case !errors.Is(err, model.ErrNotFound):
		s.writeError(c, err)
		return
	}
	if in.Snapshot, err = s.resolveSnapshot(ctx, accountID, req); err != nil {
		s.writeError(c, err)
		return
	}
	if in.Schedules, err = s.deps.Schedules.List(ctx, accountID, model.ScheduleFilter{}); err != nil {
		s.writeError(c, err)
		return
	}
	if len(in.Schedules) > 0 {
		in.Currency = in.Schedules[0].Currency
	}

	insights := s.deps.Insights.Generate(ctx, in)
	if insights == nil {
		insights = []model.Insight{}
	}
	successResponse(c, insights)
}
