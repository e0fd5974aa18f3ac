package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	s := Load(path, nil)
	assert.False(t, s.Snapshot().Active())

	require.NoError(t, s.Set("monza", "https://x", StatusRunning))

	got := Load(path, nil).Snapshot()
	assert.Equal(t, "monza", got.TrackName())
	assert.Equal(t, "https://x", got.JoinLink())
	assert.Equal(t, StatusRunning, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestClearPersistsNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := Load(path, nil)
	require.NoError(t, s.Set("spa", "https://acstuff.ru/s/q:1", StatusRunning))
	require.NoError(t, s.Clear())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"track": null`)
	assert.Contains(t, string(b), `"link": null`)
	assert.False(t, Load(path, nil).Snapshot().Active())
}

func TestStartingWithoutLink(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, s.Set("imola", "", StatusStarting))
	snap := s.Snapshot()
	assert.True(t, snap.Active())
	assert.Nil(t, snap.Link)
	assert.Equal(t, StatusStarting, snap.Status)
}

func TestLoadToleratesBadFiles(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	assert.False(t, Load(corrupt, nil).Snapshot().Active())

	assert.False(t, Load(filepath.Join(dir, "missing.json"), nil).Snapshot().Active())

	// a directory in place of the file is unreadable
	assert.False(t, Load(dir, nil).Snapshot().Active())
}

func TestLoadLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"track": "ks_nordschleife", "link": "https://acstuff.ru/s/q:n"}`), 0o600))
	snap := Load(path, nil).Snapshot()
	assert.Equal(t, "ks_nordschleife", snap.TrackName())
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := Load("", nil)
	require.NoError(t, s.Set("spa", "https://a", StatusRunning))
	snap := s.Snapshot()
	*snap.Track = "mutated"
	assert.Equal(t, "spa", s.Snapshot().TrackName())
}

func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := Load(path, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, s.Set("spa", "https://a", StatusRunning))
			} else {
				assert.NoError(t, s.Clear())
			}
		}(i)
	}
	wg.Wait()

	// the file always matches the last in-memory write
	assert.Equal(t, s.Snapshot().Active(), Load(path, nil).Snapshot().Active())
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
