package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"AutoInvest/internal/model"
)

// FormatSuspendedAlert reports a schedule paused after its retry window ran out.
func FormatSuspendedAlert(s *model.Schedule) string {
	var b strings.Builder
	b.WriteString("⛔ <b>Auto-invest paused</b>\n\n")
	fmt.Fprintf(&b, "Schedule: %s (%s)\n", html.EscapeString(displayName(s)), html.EscapeString(s.ID))
	fmt.Fprintf(&b, "Account: %s | Portfolio: %s\n", html.EscapeString(s.AccountID), html.EscapeString(s.PortfolioID))
	fmt.Fprintf(&b, "Amount: %s %s\n", model.DisplayAmount(s.Amount, s.Currency), s.Frequency)
	fmt.Fprintf(&b, "Missed run: %s\n", s.NextExecutionDate.In(s.Location()).Format("2006-01-02 15:04 MST"))
	if s.FirstFailureAt != nil {
		fmt.Fprintf(&b, "Failing since: %s (%d attempts)\n", s.FirstFailureAt.UTC().Format("2006-01-02 15:04 MST"), s.FailureCount)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", html.EscapeString(s.LastError))
	}
	b.WriteString("\nResume the schedule once the funding source is reachable.")
	return b.String()
}

// FormatDriftAlert reports a portfolio that drifted outside its policy bands.
func FormatDriftAlert(accountID, portfolioID string, res *model.ComplianceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚖️ <b>Rebalance needed</b> | %s\n\n", time.Now().Format("2006-01-02"))
	fmt.Fprintf(&b, "Account: %s | Portfolio: %s\n\n", html.EscapeString(accountID), html.EscapeString(portfolioID))
	for _, d := range res.Deviations {
		mark := "✅"
		if !d.WithinBands {
			mark = "❗"
		}
		fmt.Fprintf(&b, "%s %s: %.2f%% (target %.2f%%, %+.2f)\n", mark, html.EscapeString(d.AssetClass), d.CurrentPercent, d.TargetPercent, d.Deviation)
	}
	if res.UnclassifiedPercent > 0 {
		fmt.Fprintf(&b, "Unclassified: %.2f%%\n", res.UnclassifiedPercent)
	}
	if len(res.RecommendedActions) > 0 {
		b.WriteString("\n<b>Actions:</b>\n")
		for _, a := range res.RecommendedActions {
			fmt.Fprintf(&b, "  [%s] %s\n", a.Priority, html.EscapeString(a.Description))
		}
	}
	return b.String()
}

// FormatTickReport summarizes a dispatcher pass for the /tick command.
func FormatTickReport(r model.TickReport) string {
	return fmt.Sprintf("🕒 <b>Dispatch</b> | %s\n\nDue: %d\nExecuted: %d\nFailed: %d\nSkipped: %d\nSuspended: %d",
		r.StartedAt.UTC().Format("2006-01-02 15:04 MST"), r.Due, r.Executed, r.Failed, r.Skipped, r.Suspended)
}

func displayName(s *model.Schedule) string {
	if s.Name != "" {
		return s.Name
	}
	return "unnamed"
}
