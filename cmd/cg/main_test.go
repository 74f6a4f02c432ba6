package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/concierge/internal/config"
	"go.uber.org/zap"
)

// writeConfig writes a sqlite, dry-run config into a temp dir and returns
// its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "concierge.yaml")
	body := "database:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "concierge.db") + "\n" +
		"sender:\n" +
		"  dry_run: true\n" +
		"qa:\n" +
		"  - question: 营业时间\n" +
		"    answer: 每天 9:00-18:00\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cg dev")
	assert.Contains(t, out, "commit: none")
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cg 1.0.0")
	assert.Contains(t, out, "built: 2026-01-01")
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCmd(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "db", "queue", "risk", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestDBMigrate(t *testing.T) {
	cfgPath := writeConfig(t, "")
	out, err := runCmd(t, "db", "migrate", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated")
	assert.Contains(t, out, "Seeded 1 canned answers")
}

func TestDBMigrate_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "db", "migrate", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestQueueCommands(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := runCmd(t, "db", "migrate", "-c", cfgPath)
	require.NoError(t, err)

	out, err := runCmd(t, "queue", "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No commands found.")

	out, err = runCmd(t, "queue", "enqueue", "-c", cfgPath,
		"--robot", "robot-1", "--target", "售后一群", "--content", "系统维护通知", "--mention", "Ann, Bo")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Queued send_message command "), out)
	id := strings.TrimSpace(strings.TrimPrefix(out, "Queued send_message command "))

	out, err = runCmd(t, "queue", "list", "-c", cfgPath, "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "0/3")

	out, err = runCmd(t, "queue", "status", "-c", cfgPath, id)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    pending")
	assert.Contains(t, out, `"mentions":["Ann","Bo"]`)
	assert.Contains(t, out, "Source:    cli")

	_, err = runCmd(t, "queue", "retry", "-c", cfgPath, id)
	require.Error(t, err, "pending commands cannot be retried")

	_, err = runCmd(t, "queue", "enqueue", "-c", cfgPath, "--robot", "robot-1", "--type", "launch")
	require.Error(t, err)
}

func TestRiskStatus_Unknown(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := runCmd(t, "db", "migrate", "-c", cfgPath)
	require.NoError(t, err)
	_, err = runCmd(t, "risk", "status", "-c", cfgPath, "missing")
	require.Error(t, err)
	_, err = runCmd(t, "risk", "resolve", "-c", cfgPath, "missing")
	require.Error(t, err)
}

func TestBuildApp(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "notify:\n  websocket:\n    enabled: true\n"))
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.monitor.Close)
	assert.NotNil(t, a.hub)
	assert.NotNil(t, a.pool)
	assert.NotNil(t, a.pipeline)
	assert.NotNil(t, a.server)
	assert.Equal(t, []string{"expire_sessions", "purge_idempotency", "reap_locks", "release_staff"}, a.sched.Jobs())
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks(config.NotifyConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, sinks, 1)

	_, err = buildSinks(config.NotifyConfig{Slack: config.SlackConfig{Enabled: true, BotToken: "xoxb-1"}}, zap.NewNop())
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	logger, err = newLogger("warn", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = newLogger("loud", false)
	require.Error(t, err)
}
