// Package track enumerates the server configurations ("tracks") available
// under a base directory.
package track

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DefaultExecutable is the server artifact looked up in each track directory.
const DefaultExecutable = "AssettoServer"

// MaxSuggestions caps Suggest results; chat clients reject longer choice lists.
const MaxSuggestions = 25

// Reserved names are taken by supervisor commands and are never tracks.
var Reserved = []string{"stop", "status"}

// Track is one launchable server configuration.
type Track struct {
	Name       string `json:"name"`
	Dir        string `json:"dir"`
	Executable string `json:"executable"`
}

// Catalog lists tracks: subdirectories of Base holding an executable named Executable.
// It re-reads the directory on every call; the filesystem is the source of truth.
type Catalog struct {
	Base       string
	Executable string
	Logger     *slog.Logger
}

// New returns a catalog rooted at base using the default executable name.
func New(base string) *Catalog {
	return &Catalog{Base: base, Executable: DefaultExecutable}
}

func (c *Catalog) executable() string {
	if c.Executable == "" {
		return DefaultExecutable
	}
	return c.Executable
}

func (c *Catalog) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Tracks returns every valid track sorted by name. A missing or unreadable
// base directory yields an empty list.
func (c *Catalog) Tracks() []Track {
	entries, err := os.ReadDir(c.Base)
	if err != nil {
		c.logger().Warn("Server base path not readable", "path", c.Base, "error", err)
		return []Track{}
	}
	out := make([]Track, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if isReserved(e.Name()) {
			c.logger().Warn("Track directory shadowed by a command name; rename it", "name", e.Name())
			continue
		}
		dir := filepath.Join(c.Base, e.Name())
		exe := filepath.Join(dir, c.executable())
		if !isExecutable(exe) {
			continue
		}
		out = append(out, Track{Name: e.Name(), Dir: dir, Executable: exe})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the names of all valid tracks.
func (c *Catalog) Names() []string {
	tracks := c.Tracks()
	names := make([]string, len(tracks))
	for i, t := range tracks {
		names[i] = t.Name
	}
	return names
}

// Resolve finds the track whose name equals name ignoring case.
func (c *Catalog) Resolve(name string) (Track, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Track{}, false
	}
	for _, t := range c.Tracks() {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Track{}, false
}

// Suggest returns up to MaxSuggestions track names containing partial, case-insensitively.
func (c *Catalog) Suggest(partial string) []string {
	partial = strings.ToLower(strings.TrimSpace(partial))
	out := make([]string, 0, MaxSuggestions)
	for _, n := range c.Names() {
		if len(out) == MaxSuggestions {
			break
		}
		if strings.Contains(strings.ToLower(n), partial) {
			out = append(out, n)
		}
	}
	return out
}

func isReserved(name string) bool {
	for _, r := range Reserved {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

// isExecutable reports whether path is a regular file with any execute bit set.
// Windows has no execute bit; any regular file qualifies there.
func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode().Perm()&0o111 != 0
}
