package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rancher/submit-action/internal/orchestrator"
)

func (r *Runner) writeStepSummary(result orchestrator.Result) error {
	file, err := openActionFile("GITHUB_STEP_SUMMARY")
	if err != nil || file == nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			r.log.Warn("failed to close step summary file", "error", closeErr)
		}
	}()

	var builder strings.Builder
	builder.WriteString("## Submit action summary\n\n")
	builder.WriteString(renderResultDetails(result))

	if _, err := io.WriteString(file, builder.String()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}
	return nil
}

func (r *Runner) writeGitHubOutputs(result orchestrator.Result) error {
	merged := make([]outputChange, 0)
	rejected := make([]outputChange, 0)

	for _, change := range result.Changes() {
		entry := outputChange{
			Number:   change.Number,
			Branch:   change.Branch,
			Status:   string(change.Status),
			Outcome:  string(change.Outcome),
			Reason:   change.Reason,
			MergedAs: change.MergedAs,
		}
		switch change.Status {
		case orchestrator.ChangeStatusMerged, orchestrator.ChangeStatusDryRun:
			if change.Outcome.Merged() {
				merged = append(merged, entry)
				continue
			}
			rejected = append(rejected, entry)
		case orchestrator.ChangeStatusRejected, orchestrator.ChangeStatusFailed:
			rejected = append(rejected, entry)
		}
	}

	branches := make([]outputBranch, 0, len(result.Branches))
	for _, b := range result.Branches {
		branches = append(branches, outputBranch{
			Branch:     b.Branch,
			Strategy:   string(b.Strategy),
			BatchID:    b.BatchID,
			InitialTip: b.InitialTip,
			FinalTip:   b.FinalTip,
			Attempts:   b.Attempts,
			Error:      b.Err,
		})
	}

	summary := struct {
		NoWork       bool           `json:"no_work"`
		NoWorkReason string         `json:"no_work_reason"`
		Branches     []outputBranch `json:"branches"`
		Skipped      int            `json:"skipped"`
	}{NoWork: result.NoWork, NoWorkReason: result.NoWorkReason, Branches: branches, Skipped: len(result.Skipped)}

	outputs := []struct {
		key   string
		value any
	}{
		{"merged_changes", merged},
		{"rejected_changes", rejected},
		{"run_summary", summary},
	}

	file, err := openActionFile("GITHUB_OUTPUT")
	if err != nil || file == nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			r.log.Warn("failed to close github output file", "error", closeErr)
		}
	}()

	for _, out := range outputs {
		encoded, err := json.Marshal(out.value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", out.key, err)
		}
		if err := writeMultilineOutput(file, out.key, string(encoded)); err != nil {
			return err
		}
	}
	return nil
}

// openActionFile opens the file named by env for appending. A nil file means
// the variable is unset.
func openActionFile(env string) (*os.File, error) {
	path := strings.TrimSpace(os.Getenv(env))
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s directory: %w", env, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", env, err)
	}
	return file, nil
}

func renderResultDetails(result orchestrator.Result) string {
	var builder strings.Builder

	if result.NoWork {
		reason := result.NoWorkReason
		if reason == "" {
			reason = "nothing to submit"
		}
		fmt.Fprintf(&builder, "No changes submitted: %s\n", sanitizeMarkdownCell(reason))
		return builder.String()
	}

	changes := result.Changes()
	if len(changes) == 0 {
		builder.WriteString("No pull requests were evaluated.\n")
		return builder.String()
	}

	for _, b := range result.Branches {
		if b.Err == "" {
			continue
		}
		fmt.Fprintf(&builder, "> **%s** failed after %d attempt(s): %s\n\n",
			sanitizeMarkdownCell(b.Branch), b.Attempts, sanitizeMarkdownCell(b.Err))
	}

	builder.WriteString("| Branch | PR | Status | Outcome | Details | Commit |\n")
	builder.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, change := range changes {
		prCell := fmt.Sprintf("#%d", change.Number)
		if change.URL != "" {
			prCell = fmt.Sprintf("[#%d](%s)", change.Number, change.URL)
		}

		commit := change.MergedAs
		if len(commit) > 12 {
			commit = commit[:12]
		}
		if commit != "" {
			commit = "`" + commit + "`"
		}

		fmt.Fprintf(&builder, "| %s | %s | %s | %s | %s | %s |\n",
			sanitizeMarkdownCell(change.Branch),
			sanitizeMarkdownCell(prCell),
			sanitizeMarkdownCell(string(change.Status)),
			sanitizeMarkdownCell(string(change.Outcome)),
			sanitizeMarkdownCell(change.Reason),
			sanitizeMarkdownCell(commit),
		)
	}

	return builder.String()
}

type outputChange struct {
	Number   int    `json:"number"`
	Branch   string `json:"branch"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
	MergedAs string `json:"merged_as,omitempty"`
}

type outputBranch struct {
	Branch     string `json:"branch"`
	Strategy   string `json:"strategy"`
	BatchID    string `json:"batch_id"`
	InitialTip string `json:"initial_tip"`
	FinalTip   string `json:"final_tip"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

func writeMultilineOutput(w io.Writer, key, value string) error {
	if _, err := fmt.Fprintf(w, "%s<<EOF\n%s\nEOF\n", key, value); err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	return nil
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
