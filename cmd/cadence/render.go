package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/duration"
	"github.com/livinlefevreloca/cadence/internal/runner"
	"github.com/livinlefevreloca/cadence/internal/stats"
	"github.com/livinlefevreloca/cadence/internal/window"
)

const timeLayout = "2006-01-02 15:04:05"

var historyHeader = table.Row{
	"Run ID",
	"Status",
	"Window",
	"Retry",
	"Started At",
	"Elapsed",
	"Failed Phase",
	"Reason",
}

func renderHistory(recs []*drive.Record) string {
	t := table.NewWriter()
	t.AppendHeader(historyHeader)
	for _, rec := range recs {
		elapsed := ""
		if rec.EndedAt != nil {
			elapsed = rec.Duration.Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			rec.RunID,
			string(rec.Status),
			window.Window{Start: rec.WindowStart, End: rec.WindowEnd}.String(),
			rec.RetryNumber,
			rec.StartedAt.UTC().Format(timeLayout),
			elapsed,
			rec.PhaseFailed,
			rec.FailureReason,
		})
	}
	return t.Render()
}

var phaseHeader = table.Row{
	"#",
	"Phase",
	"State",
	"Duration",
	"Detail",
}

func renderOutcome(out runner.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:     %s\n", out.RunID)
	fmt.Fprintf(&b, "Window:  %s\n", out.Window)
	fmt.Fprintf(&b, "Retry:   %d\n", out.RetryNumber)
	fmt.Fprintf(&b, "Status:  %s\n", out.Status)
	if len(out.Resumed) > 0 {
		fmt.Fprintf(&b, "Resumed: %s\n", strings.Join(out.Resumed, ", "))
	}
	if n := out.Gaps.Count(); n > 0 {
		fmt.Fprintf(&b, "Gaps:    %d detected before this window\n", n)
	}

	t := table.NewWriter()
	t.AppendHeader(phaseHeader)
	for i, p := range out.Phases {
		detail := p.SkipReason
		if p.ErrorMessage != "" {
			detail = p.ErrorKind.String() + ": " + p.ErrorMessage
		}
		t.AppendRow(table.Row{
			strconv.Itoa(i + 1),
			p.Name,
			p.State,
			round(p.Duration),
			detail,
		})
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func renderPlan(plan window.Plan, g time.Duration) string {
	t := table.NewWriter()
	t.AppendRow(table.Row{"Window", plan.Window.String()})
	t.AppendRow(table.Row{"Granularity", duration.Format(g)})
	t.AppendRow(table.Row{"Now (rounded)", plan.NowRounded.UTC().Format(time.RFC3339)})
	t.AppendRow(table.Row{"Earliest start", plan.Earliest.UTC().Format(time.RFC3339)})

	last := "none"
	if plan.LastSuccess != nil {
		last = plan.LastSuccess.RunID + " " +
			window.Window{Start: plan.LastSuccess.WindowStart, End: plan.LastSuccess.WindowEnd}.String()
	}
	t.AppendRow(table.Row{"Last success", last})

	gaps := plan.Gaps(g)
	t.AppendRow(table.Row{"Gaps", len(gaps)})
	for _, w := range gaps {
		t.AppendRow(table.Row{"", w.String()})
	}
	return t.Render() + "\n"
}

var statsPhaseHeader = table.Row{
	"Phase",
	"Completed",
	"Failed",
	"Skipped",
	"Min",
	"Avg",
	"Max",
}

func renderStats(s *stats.Summary) string {
	summary := table.NewWriter()
	summary.AppendRow(table.Row{"Pipeline", s.Pipeline})
	summary.AppendRow(table.Row{"Runs", s.Runs})
	summary.AppendRow(table.Row{"Succeeded", s.Succeeded})
	summary.AppendRow(table.Row{"Failed", s.Failed})
	summary.AppendRow(table.Row{"Running", s.Running})
	summary.AppendRow(table.Row{"Retries", s.Retries})
	summary.AppendRow(table.Row{"Gaps", s.Gaps})
	summary.AppendRow(table.Row{"Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate())})
	if !s.LastSuccessEnd.IsZero() {
		summary.AppendRow(table.Row{"Covered until", s.LastSuccessEnd.UTC().Format(time.RFC3339)})
	}
	min, max, avg := s.Durations.MinMaxAvg()
	summary.AppendRow(table.Row{"Run duration", fmt.Sprintf("min %s, avg %s, max %s", round(min), round(avg), round(max))})

	phases := table.NewWriter()
	phases.AppendHeader(statsPhaseHeader)
	for _, name := range s.PhaseNames() {
		ps := s.Phases[name]
		min, max, avg := ps.Durations.MinMaxAvg()
		phases.AppendRow(table.Row{name, ps.Completed, ps.Failed, ps.Skipped, round(min), round(avg), round(max)})
	}
	return summary.Render() + "\n" + phases.Render() + "\n"
}

func round(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
