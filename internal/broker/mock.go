package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"AutoInvest/internal/model"
)

// Mock is an in-process Executor and SnapshotSource for dry runs and tests.
// It executes each token once and replays the receipt for repeats.
type Mock struct {
	mu        sync.Mutex
	receipts  map[string]model.ExecutionReceipt
	snapshots map[string]*model.PortfolioSnapshot
	failNext  int
	requests  int
}

func NewMock() *Mock {
	return &Mock{
		receipts:  make(map[string]model.ExecutionReceipt),
		snapshots: make(map[string]*model.PortfolioSnapshot),
	}
}

func (m *Mock) Name() string { return "mock" }

// FailNext makes the next n Invest calls fail as downstream-unavailable.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetSnapshot registers the snapshot returned for a portfolio.
func (m *Mock) SetSnapshot(accountID, portfolioID string, s *model.PortfolioSnapshot) {
	m.mu.Lock()
	m.snapshots[accountID+"/"+portfolioID] = s
	m.mu.Unlock()
}

func (m *Mock) Invest(_ context.Context, r model.ExecutionRequest) (model.ExecutionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.failNext > 0 {
		m.failNext--
		return model.ExecutionReceipt{}, fmt.Errorf("%w: mock failure", model.ErrDownstreamUnavailable)
	}
	if rec, ok := m.receipts[r.Token]; ok {
		return rec, nil
	}
	rec := model.ExecutionReceipt{OrderID: uuid.NewString(), AcceptedAt: time.Now().UTC()}
	m.receipts[r.Token] = rec
	return rec, nil
}

func (m *Mock) Snapshot(_ context.Context, accountID, portfolioID string) (*model.PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[accountID+"/"+portfolioID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// Executions is the number of distinct tokens executed.
func (m *Mock) Executions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}

// Requests is the number of Invest calls, including replays and failures.
func (m *Mock) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}
