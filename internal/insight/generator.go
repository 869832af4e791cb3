package insight

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"AutoInvest/internal/compliance"
	"AutoInvest/internal/model"
)

// idNamespace scopes deterministic insight ids.
var idNamespace = uuid.MustParse("5b0f3c1e-7d2a-4e8b-9a61-2c4f8e7d9b30")

// Input is everything a signal may look at. Any field may be empty.
type Input struct {
	AccountID  string
	Currency   string
	Policy     *model.InvestmentPolicy
	Snapshot   *model.PortfolioSnapshot
	Compliance *model.ComplianceResult
	Schedules  []*model.Schedule
	Now        time.Time
}

// Signal produces zero or more insights from one source.
type Signal interface {
	Name() string
	Produce(ctx context.Context, in *Input) ([]model.Insight, error)
}

// Generator merges signals into a deduplicated, ordered list.
type Generator struct {
	signals []Signal
	log     zerolog.Logger
}

// NewGenerator creates a generator over the given signals, consulted in order.
func NewGenerator(log zerolog.Logger, signals ...Signal) *Generator {
	return &Generator{signals: signals, log: log.With().Str("component", "insight").Logger()}
}

// Generate runs every signal and returns the merged insights. Identical inputs
// yield identical output. A failing signal is logged and skipped.
func (g *Generator) Generate(ctx context.Context, in *Input) []model.Insight {
	if in.Compliance == nil && in.Policy != nil && in.Snapshot != nil {
		in.Compliance = compliance.ComputeDrift(in.Policy, in.Snapshot)
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	type key struct {
		category model.InsightCategory
		subject  string
	}
	var merged []model.Insight
	seen := make(map[key]int)

	for _, sig := range g.signals {
		items, err := sig.Produce(ctx, in)
		if err != nil {
			g.log.Warn().Err(err).Str("signal", sig.Name()).Str("account_id", in.AccountID).Msg("signal failed, skipping")
			continue
		}
		for _, it := range items {
			k := key{it.Category, it.Subject}
			if i, ok := seen[k]; ok {
				if it.Priority.Rank() > merged[i].Priority.Rank() {
					merged[i] = withID(it)
				}
				continue
			}
			seen[k] = len(merged)
			merged = append(merged, withID(it))
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.Category < b.Category
	})
	if merged == nil {
		merged = []model.Insight{}
	}
	return merged
}

func withID(it model.Insight) model.Insight {
	if it.ID == "" {
		it.ID = uuid.NewSHA1(idNamespace, []byte(string(it.Category)+"|"+it.Subject+"|"+it.Title)).String()
	}
	return it
}
