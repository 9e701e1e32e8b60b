package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/artifacts"
	"github.com/ChuLiYu/parallel-checker/internal/journal"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/spf13/cobra"
)

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		summaryPath string
		journalPath string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run status",
		Long:  "Summarize the coordinator's summary.json and run journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := prepare(cmd, opts)
			if err != nil {
				return err
			}
			if summaryPath == "" {
				summaryPath = filepath.Join(cfg.Coordinator.ArtifactDir, artifacts.SummaryFile)
			}
			if journalPath == "" {
				journalPath = cfg.Coordinator.JournalPath
			}
			return showStatus(cmd.OutOrStdout(), summaryPath, journalPath, asJSON)
		},
	}

	cmd.Flags().StringVar(&summaryPath, "summary", "", "summary.json path (default: <artifact_dir>/summary.json)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "run journal path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")

	return cmd
}

type statusOutput struct {
	Summary *types.RunSummary `json:"summary,omitempty"`
	Journal *journal.Summary  `json:"journal,omitempty"`
}

func showStatus(out io.Writer, summaryPath, journalPath string, asJSON bool) error {
	var status statusOutput

	summary, err := artifacts.LoadSummary(summaryPath)
	switch {
	case err == nil:
		status.Summary = &summary
	case errors.Is(err, artifacts.ErrSummaryNotFound):
	default:
		return fmt.Errorf("failed to load summary: %w", err)
	}

	if journalPath != "" {
		js, err := journal.Summarize(journalPath)
		switch {
		case err == nil:
			status.Journal = &js
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to read journal: %w", err)
		}
	}

	if status.Summary == nil && status.Journal == nil {
		return fmt.Errorf("no run found at %s", summaryPath)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	if status.Summary != nil {
		printRunSummary(out, *status.Summary)
	}
	if status.Journal != nil {
		printJournalSummary(out, journalPath, *status.Journal)
	}
	return nil
}

func printRunSummary(out io.Writer, s types.RunSummary) {
	fmt.Fprintln(out, "Run Summary:")
	fmt.Fprintf(out, "  ├─ Started:        %s\n", time.UnixMilli(s.StartedAt).Format("2006-01-02 15:04:05"))
	if s.FinishedAt != 0 {
		fmt.Fprintf(out, "  ├─ Finished:       %s\n", time.UnixMilli(s.FinishedAt).Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "  ├─ Completed:      %t\n", s.Completed)
	if s.FirstBugBy != "" {
		fmt.Fprintf(out, "  ├─ First Bug By:   %s\n", s.FirstBugBy)
	}
	fmt.Fprintf(out, "  ├─ Schedules:      %d\n", s.Aggregate.NumOfExploredSchedules)
	fmt.Fprintf(out, "  └─ Bugs Found:     %d\n", s.Aggregate.NumOfFoundBugs)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Workers:")
	for i, w := range s.Workers {
		branch := "├─"
		if i == len(s.Workers)-1 {
			branch = "└─"
		}
		bug := ""
		if w.FoundBug {
			bug = " bug"
		}
		fmt.Fprintf(out, "  %s %-24s %-9s %5.1f%%%s traces=%d\n",
			branch, w.Name, w.Status, w.Progress*100, bug, len(w.Traces))
	}
	fmt.Fprintln(out)
}

func printJournalSummary(out io.Writer, path string, js journal.Summary) {
	fmt.Fprintln(out, "Journal:")
	fmt.Fprintf(out, "  ├─ Path:           %s\n", path)
	fmt.Fprintf(out, "  ├─ Events:         %d\n", js.Events)
	fmt.Fprintf(out, "  ├─ Workers:        %d\n", len(js.Workers))
	fmt.Fprintf(out, "  ├─ Rejected:       %d\n", js.Rejected)
	if len(js.Dead) > 0 {
		fmt.Fprintf(out, "  ├─ Dead:           %s\n", strings.Join(js.Dead, ", "))
	}
	fmt.Fprintf(out, "  ├─ Bugs:           %d\n", js.Bugs)
	fmt.Fprintf(out, "  ├─ Stop Commands:  %d\n", js.Stops)
	fmt.Fprintf(out, "  ├─ Reports:        %d\n", js.Reports)
	fmt.Fprintf(out, "  └─ Completed:      %t\n", js.Completed)
	fmt.Fprintln(out)
}
