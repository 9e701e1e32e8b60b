package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/server"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "pcheck", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["coordinator"], "Should have 'coordinator' command")
	assert.True(t, commandNames["worker"], "Should have 'worker' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand(&rootOptions{})

	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	parallel := cmd.Flags().Lookup("parallel")
	require.NotNil(t, parallel, "Should have --parallel flag")
	assert.Equal(t, "p", parallel.Shorthand)
	assert.Equal(t, "1", parallel.DefValue)

	for _, name := range []string{"coordinator", "service", "strategy", "seed", "schedules", "local"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

func TestBuildCoordinatorCommand(t *testing.T) {
	cmd := buildCoordinatorCommand(&rootOptions{})

	assert.Equal(t, "coordinator", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.Flags().Lookup("expected-workers"))
	assert.NotNil(t, cmd.Flags().Lookup("journal"))

	full := cmd.Flags().Lookup("full-exploration")
	require.NotNil(t, full, "Should have --full-exploration flag")
	assert.Equal(t, "false", full.DefValue)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand(&rootOptions{})

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.Flags().Lookup("json"))
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pcheck.yaml")

	configContent := `
log:
  level: debug
  format: json

coordinator:
  listen_addr: "127.0.0.1:6000"
  expected_workers: 4
  liveness_timeout: 3s
  journal_path: "./run.journal"
  stop_on_first_bug: false

worker:
  parallel: 4
  first_ordinal: 8
  heartbeat_interval: 250ms
  exploration:
    strategy: pct
    seed: 42
    schedules: 500
    distributed: true
    coordinator_addr: "10.0.0.1:6000"
  engine:
    step_delay: 2ms
    bug_rate: 0.5
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath, true)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "127.0.0.1:6000", cfg.Coordinator.ListenAddr)
	assert.Equal(t, 4, cfg.Coordinator.ExpectedWorkers)
	assert.Equal(t, 3*time.Second, cfg.Coordinator.LivenessTimeout)
	assert.Equal(t, "./run.journal", cfg.Coordinator.JournalPath)
	assert.Equal(t, ":50053", cfg.Coordinator.HTTPAddr, "unset fields keep their defaults")
	assert.False(t, cfg.Coordinator.StopOnFirstBug)

	assert.Equal(t, 4, cfg.Worker.Parallel)
	assert.Equal(t, uint32(8), cfg.Worker.FirstOrdinal)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, "pct", cfg.Worker.Exploration.Strategy)
	require.NotNil(t, cfg.Worker.Exploration.Seed)
	assert.Equal(t, uint64(42), *cfg.Worker.Exploration.Seed)
	assert.True(t, cfg.Worker.Exploration.ParticipatesInProtocol())
	assert.Equal(t, 2*time.Millisecond, cfg.Worker.Engine.StepDelay)
	assert.Equal(t, 0.5, cfg.Worker.Engine.BugRate)
}

func TestLoadConfig_MissingDefaultFallsBack(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, server.DefaultConfig().ListenAddr, cfg.Coordinator.ListenAddr)
	assert.True(t, cfg.Coordinator.StopOnFirstBug, "stop-on-first-bug is the default")
	assert.Equal(t, types.PortfolioStrategy, cfg.Worker.Exploration.Strategy)
	assert.Equal(t, 1, cfg.Worker.Parallel)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("worker: [unclosed"), 0644))

	_, err := loadConfig(configPath, true)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "worker", "PCheckerProcess.0")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "PCheckerProcess.0", record["worker"])

	_, err = newLogger(io.Discard, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(io.Discard, "info", "xml")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(&ExitCodeError{Status: types.StatusBugFound}))
	assert.Equal(t, 2, ExitCode(&ExitCodeError{Status: types.StatusInternalError}))
	assert.Equal(t, 2, ExitCode(assert.AnError))
}

// writeConfig writes a config that keeps test runs fast and local.
func writeConfig(t *testing.T, bugRate float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcheck.yaml")
	content := "log:\n  level: error\nworker:\n  engine:\n    step_delay: 0s\n    bug_rate: " +
		formatFloat(bugRate) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestWorkerCommand_LocalRun(t *testing.T) {
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{
		"worker", "-c", writeConfig(t, 0),
		"--local", "-p", "2", "--schedules", "5", "--seed", "7",
		"-o", t.TempDir(),
	})
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	err := root.Execute()
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))
	assert.Contains(t, out.String(), "PCheckerProcess.0")
	assert.Contains(t, out.String(), "PCheckerProcess.1")
	assert.Contains(t, out.String(), "schedules=5")
}

func TestWorkerCommand_LocalBugExitsZero(t *testing.T) {
	var out bytes.Buffer
	outputDir := t.TempDir()
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{
		"worker", "-c", writeConfig(t, 1),
		"--local", "--schedules", "5", "--assembly", "Sample.dll", "-o", outputDir,
	})
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	err := root.Execute()
	assert.Equal(t, 0, ExitCode(err), "bugs only change the exit code of distributed runs")
	assert.Contains(t, out.String(), "bugs=1")

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "a local run still emits its bug trace")
}

func TestCoordinatorThenStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := server.Config{
		ListenAddr:      "127.0.0.1:0",
		HTTPAddr:        "127.0.0.1:0",
		ArtifactDir:     filepath.Join(dir, "artifacts"),
		JournalPath:     filepath.Join(dir, "run.journal"),
		ShutdownTimeout: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var coordOut bytes.Buffer
	go func() { done <- runCoordinator(ctx, &coordOut, cfg, logger) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.Contains(t, coordOut.String(), "Run Summary:")

	var out bytes.Buffer
	summaryPath := filepath.Join(cfg.ArtifactDir, "summary.json")
	require.NoError(t, showStatus(&out, summaryPath, cfg.JournalPath, false))
	assert.Contains(t, out.String(), "Run Summary:")
	assert.Contains(t, out.String(), "Journal:")

	out.Reset()
	require.NoError(t, showStatus(&out, summaryPath, "", true))
	var decoded statusOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.NotNil(t, decoded.Summary)
	assert.False(t, decoded.Summary.Completed)
	assert.Nil(t, decoded.Journal)
}

func TestStatus_NoRun(t *testing.T) {
	var out bytes.Buffer
	err := showStatus(&out, filepath.Join(t.TempDir(), "summary.json"), "", false)
	assert.Error(t, err)
}
