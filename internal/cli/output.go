package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/vividflow/vividflow-api/internal/promptcheck"
	"github.com/vividflow/vividflow-api/internal/server"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderFields(w io.Writer, rows [][2]string) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	for _, r := range rows {
		if err := table.Append(r[0], r[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderSubmission(w io.Writer, resp *server.GenerateResponse) error {
	rows := [][2]string{
		{"Job ID", resp.JobID},
		{"Status", resp.Status},
		{"Queue Position", fmt.Sprintf("%d", resp.QueuePosition)},
		{"Correlation ID", resp.CorrelationID},
	}
	if a := resp.PromptAdvice; a != nil && (len(a.Warnings) > 0 || len(a.Blockers) > 0) {
		rows = append(rows, [2]string{"Prompt Risk", a.RiskLevel})
		for _, b := range a.Blockers {
			rows = append(rows, [2]string{"Blocker", b})
		}
		for _, warn := range a.Warnings {
			rows = append(rows, [2]string{"Warning", warn})
		}
	}
	return renderFields(w, rows)
}

func renderJob(w io.Writer, j *server.JobResponse) error {
	rows := [][2]string{
		{"Job ID", j.JobID},
		{"Model", j.Model},
		{"Status", j.Status},
		{"Prompt", j.Prompt},
		{"Created At", j.CreatedAt.Format(time.RFC3339)},
	}
	if j.StartedAt != nil {
		rows = append(rows, [2]string{"Started At", j.StartedAt.Format(time.RFC3339)})
	}
	if j.CompletedAt != nil {
		rows = append(rows, [2]string{"Completed At", j.CompletedAt.Format(time.RFC3339)})
	}
	if j.OutputURL != "" {
		rows = append(rows, [2]string{"Output", j.OutputURL})
	}
	if m := j.Metrics; m != nil {
		rows = append(rows,
			[2]string{"Spin-up", seconds(m.SpinUpSeconds)},
			[2]string{"Generation", seconds(m.GenerationSeconds)},
			[2]string{"Total", seconds(m.TotalSeconds)},
		)
		if m.OutputDurationSeconds > 0 {
			rows = append(rows, [2]string{"Video Length", seconds(m.OutputDurationSeconds)})
		}
	}
	if e := j.Error; e != nil {
		rows = append(rows,
			[2]string{"Error Kind", e.Kind},
			[2]string{"Error", e.Message},
		)
	}
	return renderFields(w, rows)
}

func renderHistory(w io.Writer, h *server.HistoryResponse) error {
	if len(h.Jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs found")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Model", "Status", "Created", "Output")
	for _, j := range h.Jobs {
		out := j.OutputURL
		if j.Error != nil {
			out = j.Error.Kind
		}
		if err := table.Append(j.JobID, j.Model, j.Status, j.CreatedAt.Format(time.RFC3339), out); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderUsage(w io.Writer, u *server.UsageResponse) error {
	quota, remaining := "unlimited", "unlimited"
	if u.DailyQuota > 0 {
		quota = fmt.Sprintf("%d", u.DailyQuota)
		remaining = fmt.Sprintf("%d", u.QuotaRemaining)
	}
	return renderFields(w, [][2]string{
		{"User", u.UserID},
		{"Total Jobs", fmt.Sprintf("%d", u.TotalJobs)},
		{"Last 24h", fmt.Sprintf("%d", u.Last24h)},
		{"Daily Quota", quota},
		{"Remaining", remaining},
	})
}

func renderAdvice(w io.Writer, a *promptcheck.Advice) error {
	rows := [][2]string{
		{"Safe", fmt.Sprintf("%t", a.Safe)},
		{"Risk", a.RiskLevel},
	}
	if len(a.Blockers) > 0 {
		rows = append(rows, [2]string{"Blockers", strings.Join(a.Blockers, "; ")})
	}
	if len(a.Warnings) > 0 {
		rows = append(rows, [2]string{"Warnings", strings.Join(a.Warnings, "; ")})
	}
	for _, s := range a.Suggestions {
		rows = append(rows, [2]string{"Suggestion", s})
	}
	if a.Alternative != "" {
		rows = append(rows, [2]string{"Alternative", a.Alternative})
	}
	return renderFields(w, rows)
}

func seconds(s float64) string {
	return fmt.Sprintf("%.1fs", s)
}
