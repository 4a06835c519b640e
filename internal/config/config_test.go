package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/wire"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	cfg := DefaultConfig()
	assert.Equal(t, "/run/user/1000/procmux/procmux.sock", cfg.SocketPath)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestValidateFrameLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrame = 2048
	assert.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)
	cfg.MaxFrame = wire.MinMaxFrame
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Procs)
	assert.Empty(t, cfg.File)
	assert.Equal(t, DefaultConfig().MaxFrame, cfg.MaxFrame)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "procmux.yaml", `
server: 127.0.0.1:4050
grace_period: 2s
log_level: debug
procs:
  web: "npm run dev"
  api: ["go", "run", "./cmd"]
  worker:
    cmd: "make watch JOBS=2"
    cwd: sub
    env: {DEBUG: "1", HOME: null}
    autostart: false
    stop: {signal: SIGTERM, grace: 1500ms}
  db:
    shell: "postgres -D data"
    stop: hard-kill
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4050", cfg.Server)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, path, cfg.File)

	require.Len(t, cfg.Procs, 4)
	names := []string{cfg.Procs[0].Name, cfg.Procs[1].Name, cfg.Procs[2].Name, cfg.Procs[3].Name}
	assert.Equal(t, []string{"web", "api", "worker", "db"}, names)

	assert.Equal(t, model.ShellLine("npm run dev"), cfg.Procs[0].Command)
	assert.True(t, cfg.Procs[0].Autostart)
	assert.Equal(t, model.Argv("go", "run", "./cmd"), cfg.Procs[1].Command)

	worker := cfg.Procs[2]
	assert.Equal(t, model.Argv("make", "watch", "JOBS=2"), worker.Command)
	assert.Equal(t, filepath.Join(dir, "sub"), worker.Dir)
	assert.False(t, worker.Autostart)
	require.Len(t, worker.Env, 2)
	assert.Equal(t, "DEBUG", worker.Env[0].Name)
	require.NotNil(t, worker.Env[0].Value)
	assert.Equal(t, "1", *worker.Env[0].Value)
	assert.Equal(t, "HOME", worker.Env[1].Name)
	assert.Nil(t, worker.Env[1].Value)
	assert.Equal(t, model.StopPolicy{Signal: "SIGTERM", Grace: 1500 * time.Millisecond}, worker.Stop)

	assert.Equal(t, model.StopHardKill, cfg.Procs[3].Stop.Signal)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "procmux.json", `{"procs": {"b": "echo b", "a": {"cmd": ["echo", "a"]}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Procs, 2)
	assert.Equal(t, "b", cfg.Procs[0].Name)
	assert.Equal(t, model.Argv("echo", "a"), cfg.Procs[1].Command)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PROCMUX_GRACE_PERIOD", "750ms")
	t.Setenv("PROCMUX_JOURNAL_PATH", "/tmp/procmux-journal.db")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.GracePeriod)
	assert.Equal(t, "/tmp/procmux-journal.db", cfg.JournalPath)
}

func TestLoadRejectsBadProcs(t *testing.T) {
	cases := map[string]string{
		"both":       "procs:\n  x: {shell: a, cmd: b}\n",
		"neither":    "procs:\n  x: {cwd: /tmp}\n",
		"empty":      "procs:\n  x: \"\"\n",
		"bad signal": "procs:\n  x: {shell: a, stop: SIGNOPE}\n",
		"bad grace":  "procs:\n  x: {shell: a, stop: {grace: soon}}\n",
		"not a map":  "procs: [a, b]\n",
		"empty argv": "procs:\n  x: []\n",
	}
	for name, body := range cases {
		path := writeFile(t, t.TempDir(), "procmux.yaml", body)
		_, err := Load(path)
		assert.ErrorIs(t, err, model.ErrConfiguration, name)
	}
}

func TestParseProcsDuplicateName(t *testing.T) {
	_, err := ParseProcs([]byte("procs:\n  x: a\n  x: b\n"), "")
	assert.ErrorIs(t, err, model.ErrDuplicateName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	path, err := Discover(dir)
	require.NoError(t, err)
	assert.Empty(t, path)

	writeFile(t, dir, "procmux.json", `{}`)
	yml := writeFile(t, dir, "procmux.yml", "procs: {}\n")
	path, err = Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, yml, path)
}

func TestFromCommands(t *testing.T) {
	recs, err := FromCommands([]string{"npm start", "sleep 1", "sleep 1"}, []string{"web"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "web", recs[0].Name)
	assert.Equal(t, model.ShellLine("npm start"), recs[0].Command)
	assert.True(t, recs[0].Autostart)
	assert.Equal(t, "sleep 1", recs[1].Name)
	assert.Equal(t, "sleep 1 (2)", recs[2].Name)

	_, err = FromCommands([]string{" "}, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDecodeProcessFromScalarNode(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`"tail -f log"`), &node))
	rec, err := DecodeProcess("tail", node.Content[0], "")
	require.NoError(t, err)
	assert.Equal(t, model.ShellLine("tail -f log"), rec.Command)
}
