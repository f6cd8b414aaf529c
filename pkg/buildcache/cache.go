package buildcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// EnvCacheDir overrides the default cache location for the orchestrator's
// environment.
const EnvCacheDir = "BUILDCI_CACHE_DIR"

// DefaultDir is used when no cache directory is configured.
const DefaultDir = "/tmp/.buildci-cache"

var keyPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ErrInvalidKey is returned when a cache key is not a sha256 hex digest
var ErrInvalidKey = errors.New("cache key must be a sha256 hex digest")

// Entry records one dependency build keyed by lockfile digest.
// Entries are immutable once written, which makes concurrent access across
// runs safe: the same key always resolves to the same resolved set.
type Entry struct {
	Key       string    `json:"key"`
	ImageTag  string    `json:"image_tag"`
	Workflow  string    `json:"workflow"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is a directory-backed, content-addressed build cache. Unchanged
// dependency sets hit an existing entry and skip re-resolution.
type Cache struct {
	dir string
}

// Dir resolves the cache directory from the environment, falling back
// to DefaultDir.
func Dir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	return DefaultDir
}

// New opens (creating if needed) a cache rooted at dir
func New(dir string) (*Cache, error) {
	if dir == "" {
		dir = Dir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Lookup returns the entry for key, if present
func (c *Cache) Lookup(key string) (*Entry, bool) {
	if !keyPattern.MatchString(key) {
		return nil, false
	}
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// Commit records an entry for key. An existing entry is left untouched:
// cache entries are write-once.
func (c *Cache) Commit(entry Entry) error {
	if !keyPattern.MatchString(entry.Key) {
		return ErrInvalidKey
	}
	path := c.entryPath(entry.Key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// Write-then-rename so a concurrent Lookup never observes a partial entry
	tmp, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to stage cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Prune removes entries older than maxAge and returns how many were removed
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !keyPattern.MatchString(trimJSON(de.Name())) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, de.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Entries returns all cache entries, oldest first
func (c *Cache) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || !keyPattern.MatchString(trimJSON(de.Name())) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, de.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Dir returns the directory backing this cache
func (c *Cache) Dir() string {
	return c.dir
}

// Len returns the number of entries currently in the cache
func (c *Cache) Len() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, de := range entries {
		if !de.IsDir() && keyPattern.MatchString(trimJSON(de.Name())) {
			n++
		}
	}
	return n
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func trimJSON(name string) string {
	if len(name) > 5 && name[len(name)-5:] == ".json" {
		return name[:len(name)-5]
	}
	return name
}
