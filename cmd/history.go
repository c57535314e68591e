package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/relaunch/core/journal"
	"github.com/adalundhe/relaunch/core/storage"
)

// HistoryDefaultLimit is the default number of runs shown.
const HistoryDefaultLimit = journal.DefaultRecentLimit

var (
	historyLimit int
	historyJSON  bool
)

// historyCmd lists recorded runs.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs of this project",
	Long: `Show the iterations relaunch recorded for the project: when each one
started, what triggered it, and how it ended.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", HistoryDefaultLimit, "Number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	dirs := storage.ResolveDirs()
	cfg, err := loadConfig(dirs, nil)
	if err != nil {
		return err
	}

	runs, err := readHistory(cmd.Context(), cfg.JournalPath(dirs), historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		return outputJSONHistory(cmd.OutOrStdout(), runs)
	}
	return outputRichHistory(cmd.OutOrStdout(), runs)
}

// readHistory returns recent runs. A missing journal means no runs yet.
func readHistory(ctx context.Context, path string, limit int) ([]journal.Run, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	j, err := journal.Open(journal.Config{DBPath: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	return j.Recent(ctx, limit)
}

func outputJSONHistory(w io.Writer, runs []journal.Run) error {
	if runs == nil {
		runs = []journal.Run{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(runs)
}

func outputRichHistory(w io.Writer, runs []journal.Run) error {
	if len(runs) == 0 {
		fmt.Fprintf(w, "%sNo runs recorded for this project.%s\n", colorYellow, colorReset)
		return nil
	}

	fmt.Fprintf(w, "%s%sRecent Runs%s\n", colorBold, colorCyan, colorReset)
	fmt.Fprintf(w, "%s%s%s\n", colorGray, strings.Repeat("-", 60), colorReset)

	for _, run := range runs {
		fmt.Fprintf(w, "%s#%-4d%s %s  %s\n",
			colorBold, run.Iteration, colorReset,
			run.StartedAt.Format(time.DateTime),
			formatEnd(run))

		trigger := run.Trigger
		if trigger == "" {
			trigger = "initial launch"
		}
		fmt.Fprintf(w, "      %sTrigger:%s %s\n", colorGray, colorReset, trigger)
		fmt.Fprintf(w, "      %sCommand:%s %s\n", colorGray, colorReset, run.Command)
	}
	return nil
}

func formatEnd(run journal.Run) string {
	if run.EndedAt == nil {
		return colorYellow + "running" + colorReset
	}

	took := run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond)
	switch {
	case run.ExitCode != nil && run.EndReason == journal.ReasonExited && *run.ExitCode != 0:
		return fmt.Sprintf("%sexited %d%s after %s", colorRed, *run.ExitCode, colorReset, took)
	case run.EndReason == journal.ReasonExited:
		return fmt.Sprintf("%sexited%s after %s", colorGreen, colorReset, took)
	case run.EndReason == journal.ReasonLaunchFailed:
		return colorRed + "failed to launch" + colorReset
	default:
		return fmt.Sprintf("%s after %s", strings.ReplaceAll(run.EndReason, "_", " "), took)
	}
}
