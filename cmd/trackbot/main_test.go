package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loykin/trackctl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "tracks")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "spa"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "spa", "AssettoServer"), []byte("#!/bin/sh\n"), 0o755))
	return &config.Config{Bot: config.Bot{
		ServerBase:     base,
		Executable:     "AssettoServer",
		StateFile:      filepath.Join(dir, "state.json"),
		ControllerPath: "/bin/false",
		DiscordToken:   "token",
		GuildID:        "1",
		AdminRole:      "Game Admin",
	}}
}

func TestWireServesState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	a, err := wire(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.janitor.Close()
	assert.Nil(t, a.sampler)

	require.NoError(t, a.store.Set("spa", "https://acstuff.ru/s/q:1", "running"))
	h := a.router.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "spa", st["track"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tracks", nil))
	assert.Contains(t, rec.Body.String(), `"spa"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trackbot_server_running")
}

func TestWireWithSampler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.PIDFile = filepath.Join(t.TempDir(), "server.pid")
	a, err := wire(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.janitor.Close()
	require.NotNil(t, a.sampler)

	pidOf := pidFromFile(cfg.Bot.PIDFile)
	assert.Zero(t, pidOf())
	require.NoError(t, os.WriteFile(cfg.Bot.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
	assert.Equal(t, os.Getpid(), pidOf())
}

func TestMissingConfigurationFails(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"SERVER_BASE", "STATE_FILE", "CONTROLLER_PATH", "CONTROLLER_SCRIPT", "DISCORD_TOKEN", "GUILD_ID"} {
		t.Setenv(k, "")
	}
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(nil)
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord_token (DISCORD_TOKEN)")
	assert.Contains(t, err.Error(), "controller_path (CONTROLLER_PATH or CONTROLLER_SCRIPT)")
}
