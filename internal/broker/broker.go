package broker

import (
	"context"

	"AutoInvest/internal/model"
)

// Executor places "invest now" requests with the trading/funding collaborator.
// Implementations must honour req.Token: a repeated token never executes twice.
type Executor interface {
	Invest(ctx context.Context, req model.ExecutionRequest) (model.ExecutionReceipt, error)
	Name() string
}

// SnapshotSource reads live portfolio state.
type SnapshotSource interface {
	Snapshot(ctx context.Context, accountID, portfolioID string) (*model.PortfolioSnapshot, error)
}
