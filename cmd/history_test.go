package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/relaunch/core/journal"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(journal.Config{DBPath: path})
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	first, err := j.BeginRun(ctx, journal.Start{SessionID: "s", Iteration: 1, Command: []string{"go", "run", "."}})
	require.NoError(t, err)
	require.NoError(t, j.FinishRun(ctx, first, journal.Finish{Pid: 10, ExitCode: 2, Reason: journal.ReasonExited}))

	_, err = j.BeginRun(ctx, journal.Start{SessionID: "s", Iteration: 2, Trigger: "/app/main.go", Command: []string{"go", "run", "."}})
	require.NoError(t, err)
	return path
}

func TestHistoryCmd_Definition(t *testing.T) {
	assert.Equal(t, "history", historyCmd.Use)

	limitFlag := historyCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "n", limitFlag.Shorthand)
	assert.NotNil(t, historyCmd.Flags().Lookup("json"))
}

func TestReadHistory_MissingJournal(t *testing.T) {
	runs, err := readHistory(context.Background(), filepath.Join(t.TempDir(), "none.db"), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReadHistory_Limit(t *testing.T) {
	runs, err := readHistory(context.Background(), seedJournal(t), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Iteration)
}

func TestOutputRichHistory(t *testing.T) {
	runs, err := readHistory(context.Background(), seedJournal(t), 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, outputRichHistory(&buf, runs))

	out := buf.String()
	assert.Contains(t, out, "Recent Runs")
	assert.Contains(t, out, "/app/main.go")
	assert.Contains(t, out, "initial launch")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "exited 2")
}

func TestOutputRichHistory_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputRichHistory(&buf, nil))
	assert.Contains(t, buf.String(), "No runs recorded")
}

func TestOutputJSONHistory(t *testing.T) {
	runs, err := readHistory(context.Background(), seedJournal(t), 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, outputJSONHistory(&buf, runs))

	var decoded []journal.Run
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "/app/main.go", decoded[0].Trigger)
	require.NotNil(t, decoded[1].ExitCode)
	assert.Equal(t, 2, *decoded[1].ExitCode)

	buf.Reset()
	require.NoError(t, outputJSONHistory(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}
