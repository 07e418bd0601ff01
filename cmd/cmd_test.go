package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conduit/internal/api"
	"github.com/zjrosen/conduit/internal/config"
	"github.com/zjrosen/conduit/internal/flags"
	"github.com/zjrosen/conduit/internal/sessions/cached"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/sessions/memory"
	"github.com/zjrosen/conduit/internal/testutil"
)

// run executes the root command with args against a fresh viper.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	cfgFile, debugFlag, configForce, serveAddr = "", false, false, ""
	listStatus, listStarred, listArchived, listLimit, listJSON = "", false, false, 50, false
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func memoryConfig() config.Config {
	c := config.Defaults()
	c.Flags = map[string]bool{flags.FlagSessionPersistence: false}
	c.Tracing.Enabled = false
	return c
}

func TestHubDefaults(t *testing.T) {
	d := hubDefaults(config.AgentConfig{
		Model:     "opus",
		WorkDir:   "/srv/project",
		Env:       map[string]string{"anthropic_log": "debug"},
		ExtraArgs: []string{"--max-turns", "3"},
	})
	assert.Equal(t, "opus", d.Model)
	assert.Equal(t, "/srv/project", d.WorkDir)
	assert.Equal(t, map[string]string{"ANTHROPIC_LOG": "debug"}, d.Env)
	assert.Equal(t, []string{"--max-turns", "3"}, d.ExtraArgs)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd, hubDefaults(config.AgentConfig{}).WorkDir)
}

func TestOpenStore(t *testing.T) {
	store, err := openStore(config.StorageConfig{}, flags.New(map[string]bool{flags.FlagSessionPersistence: false}))
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	path := filepath.Join(t.TempDir(), "nested", "conduit.db")
	store, err = openStore(config.StorageConfig{Path: path, CacheTTL: "1m"}, flags.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.IsType(t, &cached.Store{}, store)
	assert.FileExists(t, path)

	_, err = store.Create(context.Background(), "persisted", "s1")
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title())
}

func TestNewServer_ServesAndShutsDown(t *testing.T) {
	spawner := &testutil.FakeSpawner{}
	srv, err := newServer(memoryConfig(), "127.0.0.1:0", spawner)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.api.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.api.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.shutdown(ctx)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("API server did not stop")
	}
}

func TestServer_ApplyReloadedConfig(t *testing.T) {
	srv, err := newServer(memoryConfig(), "127.0.0.1:0", &testutil.FakeSpawner{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.shutdown(ctx)
	})

	next := memoryConfig()
	next.Agent.Model = "haiku"
	next.Agent.SystemPrompt = "be brief"
	srv.apply(next)

	d := srv.hub.Defaults()
	assert.Equal(t, "haiku", d.Model)
	assert.Equal(t, "be brief", d.SystemPrompt)
}

func TestServer_WatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: sonnet\n"), 0o600))

	viper.Reset()
	t.Cleanup(viper.Reset)
	config.Configure(viper.GetViper())
	viper.SetConfigFile(path)

	srv, err := newServer(memoryConfig(), "127.0.0.1:0", &testutil.FakeSpawner{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.shutdown(ctx)
	})

	stop := srv.watchConfig(path)
	t.Cleanup(stop)

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: opus\n"), 0o600))
	require.Eventually(t, func() bool {
		return srv.hub.Defaults().Model == "opus"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []*domain.Session{
		domain.ReconstituteSession(domain.SessionSnapshot{
			ID:        "11111111-1111-1111-1111-111111111111",
			Title:     "refactor the parser",
			Status:    domain.StatusCompleted,
			TokensIn:  1200,
			TokensOut: 300,
			CostUSD:   0.0421,
			UpdatedAt: now.Add(-3 * time.Hour),
		}),
		domain.ReconstituteSession(domain.SessionSnapshot{
			ID:              "22222222-2222-2222-2222-222222222222",
			Status:          domain.StatusRunning,
			LastUserMessage: "why is CI red?",
			UpdatedAt:       now,
		}),
	}

	out := renderSessions(sessions, now)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "refactor the parser")
	assert.Contains(t, out, "why is CI red?")
	assert.Contains(t, out, "$0.0421")
	assert.Contains(t, out, "1500")
	assert.Contains(t, out, "3h ago")
	assert.Contains(t, out, "just now")
}

func TestSessionTitle(t *testing.T) {
	long := domain.ReconstituteSession(domain.SessionSnapshot{
		Title:   strings.Repeat("word ", 30),
		Starred: true,
	})
	title := sessionTitle(long)
	assert.True(t, strings.HasPrefix(title, "* word"))
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len(title), titleWidth)

	multiline := domain.ReconstituteSession(domain.SessionSnapshot{LastUserMessage: "line one\nline two"})
	assert.Equal(t, "line one line two", sessionTitle(multiline))
}

func TestRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{2 * time.Hour, "2h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relativeTime(now, now.Add(-tt.ago)))
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, false, parseValue("FALSE"))
	assert.Equal(t, 9000, parseValue("9000"))
	assert.Equal(t, 0.5, parseValue("0.5"))
	assert.Equal(t, "opus", parseValue("opus"))
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit", "config.yaml")

	out, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	require.FileExists(t, path)

	_, err = run(t, "--config", path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "--config", path, "config", "set", "agent.model", "opus")
	require.NoError(t, err)
	_, err = run(t, "--config", path, "flags", "set", flags.FlagSummaryTitles, "false")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Conduit Configuration")

	v := viper.New()
	config.Configure(v)
	v.SetConfigFile(path)
	loaded, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "opus", loaded.Agent.Model)
	assert.False(t, loaded.FlagRegistry().Enabled(flags.FlagSummaryTitles))

	out, err = run(t, "--config", path, "flags")
	require.NoError(t, err)
	assert.Contains(t, out, flags.FlagSummaryTitles)
	assert.Contains(t, out, "false")

	out, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "model: opus")
}

func TestFlagsSet_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, "--config", path, "flags", "set", "warp-drive", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")

	_, err = run(t, "--config", path, "flags", "set", flags.FlagSummaryTitles, "sometimes")
	require.Error(t, err)
}

func TestSessionsList(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "conduit.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  path: "+dbPath+"\n"), 0o600))

	store, err := openStore(config.StorageConfig{Path: dbPath}, flags.New(nil))
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "first session", "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, "--config", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "first session")

	out, err = run(t, "--config", cfgPath, "sessions", "list", "--json")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "first session", views[0]["title"])

	_, err = run(t, "--config", cfgPath, "sessions", "list", "--status", "sleeping")
	require.Error(t, err)
}
