package track

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTrack(t *testing.T, base, name string, mode os.FileMode) {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultExecutable), []byte("#!/bin/sh\n"), mode))
}

func TestTracksListsOnlyLaunchableDirectories(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute bits are not meaningful on windows")
	}
	base := t.TempDir()
	makeTrack(t, base, "spa", 0o755)
	makeTrack(t, base, "Monza", 0o755)
	makeTrack(t, base, "not-executable", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray-file"), nil, 0o644))
	// a directory named like the artifact is not launchable
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dirartifact", DefaultExecutable), 0o755))

	c := New(base)
	assert.Equal(t, []string{"Monza", "spa"}, c.Names())

	tracks := c.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, filepath.Join(base, "Monza"), tracks[0].Dir)
	assert.Equal(t, filepath.Join(base, "Monza", DefaultExecutable), tracks[0].Executable)
}

func TestTracksMissingBase(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"))
	names := c.Names()
	assert.NotNil(t, names)
	assert.Empty(t, names)
}

func TestCustomExecutable(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "imola")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))

	assert.Empty(t, New(base).Names())
	c := &Catalog{Base: base, Executable: "run.sh"}
	assert.Equal(t, []string{"imola"}, c.Names())
}

func TestResolveIsCaseInsensitiveExact(t *testing.T) {
	base := t.TempDir()
	makeTrack(t, base, "Monza", 0o755)
	makeTrack(t, base, "monza_short", 0o755)
	c := New(base)

	tr, ok := c.Resolve("MONZA")
	require.True(t, ok)
	assert.Equal(t, "Monza", tr.Name)

	tr, ok = c.Resolve("  monza_SHORT ")
	require.True(t, ok)
	assert.Equal(t, "monza_short", tr.Name)

	_, ok = c.Resolve("monz")
	assert.False(t, ok, "prefix must not match")
	_, ok = c.Resolve("")
	assert.False(t, ok)
}

func TestSuggest(t *testing.T) {
	base := t.TempDir()
	for i := 0; i < 30; i++ {
		makeTrack(t, base, fmt.Sprintf("ks_track_%02d", i), 0o755)
	}
	makeTrack(t, base, "Nordschleife", 0o755)
	c := New(base)

	assert.Len(t, c.Suggest(""), MaxSuggestions)
	assert.Len(t, c.Suggest("TRACK"), MaxSuggestions)
	assert.Equal(t, []string{"Nordschleife"}, c.Suggest("schleife"))
	assert.Empty(t, c.Suggest("zzz"))
}

func TestCommandNamesAreNotTracks(t *testing.T) {
	base := t.TempDir()
	makeTrack(t, base, "Stop", 0o755)
	makeTrack(t, base, "status", 0o755)
	makeTrack(t, base, "stopover", 0o755)
	c := New(base)

	assert.Equal(t, []string{"stopover"}, c.Names())
	_, ok := c.Resolve("stop")
	assert.False(t, ok)
}
