package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"AutoInvest/internal/broker"
	"AutoInvest/internal/compliance"
	"AutoInvest/internal/model"
	"AutoInvest/internal/notifier"
	"AutoInvest/internal/store"
)

// DriftSweeper checks every account with a policy against its live portfolios.
type DriftSweeper struct {
	schedules store.ScheduleStore
	policies  store.PolicyStore
	source    broker.SnapshotSource
	alerter   notifier.Alerter
	log       zerolog.Logger
}

func NewDriftSweeper(schedules store.ScheduleStore, policies store.PolicyStore, source broker.SnapshotSource, alerter notifier.Alerter, log zerolog.Logger) *DriftSweeper {
	if alerter == nil {
		alerter = notifier.Noop{}
	}
	return &DriftSweeper{
		schedules: schedules,
		policies:  policies,
		source:    source,
		alerter:   alerter,
		log:       log.With().Str("component", "drift").Logger(),
	}
}

// Sweep alerts on each portfolio, funded by an active schedule, that needs
// rebalancing. It returns the number of alerts raised.
func (d *DriftSweeper) Sweep(ctx context.Context) (int, error) {
	accounts, err := d.policies.PolicyAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list policy accounts: %w", err)
	}
	alerts := 0
	for _, accountID := range accounts {
		policy, err := d.policies.CurrentPolicy(ctx, accountID)
		if err != nil {
			d.log.Error().Err(err).Str("account_id", accountID).Msg("load policy")
			continue
		}
		active, err := d.schedules.ListSchedules(ctx, accountID, model.ScheduleFilter{Status: model.StatusActive})
		if err != nil {
			d.log.Error().Err(err).Str("account_id", accountID).Msg("list schedules")
			continue
		}
		for _, portfolioID := range portfolios(active) {
			snap, err := d.source.Snapshot(ctx, accountID, portfolioID)
			if err != nil {
				lvl := d.log.Error()
				if errors.Is(err, model.ErrNotFound) {
					lvl = d.log.Warn()
				}
				lvl.Err(err).Str("account_id", accountID).Str("portfolio_id", portfolioID).Msg("fetch snapshot")
				continue
			}
			res := compliance.ComputeDrift(policy, snap)
			if !res.NeedsRebalancing {
				continue
			}
			alerts++
			d.log.Info().Str("account_id", accountID).Str("portfolio_id", portfolioID).
				Int("actions", len(res.RecommendedActions)).Msg("portfolio drifted out of band")
			if err := d.alerter.Alert(ctx, notifier.FormatDriftAlert(accountID, portfolioID, res)); err != nil {
				d.log.Error().Err(err).Msg("send drift alert")
			}
		}
	}
	return alerts, nil
}

func portfolios(list []*model.Schedule) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range list {
		if _, ok := seen[s.PortfolioID]; ok {
			continue
		}
		seen[s.PortfolioID] = struct{}{}
		out = append(out, s.PortfolioID)
	}
	sort.Strings(out)
	return out
}
