// Package restart persists the state needed to resume interrupted transfers
// and to continue subscriptions from the last notified file.
package restart

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"
)

// Entry is the persisted state of one file.
type Entry struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	// VFTRef names the virtual file type reference the file was fetched for.
	VFTRef string `json:"vftRef,omitempty"`
	// Location is the local path of the partially written file.
	Location string `json:"location,omitempty"`
}

type state struct {
	Command             string           `json:"command"`
	Group               string           `json:"group"`
	Type                string           `json:"type"`
	Subtype             string           `json:"subtype,omitempty"`
	LastQueryTime       time.Time        `json:"lastQueryTime"`
	LastQueryExpression string           `json:"lastQueryExpression,omitempty"`
	Files               map[string]Entry `json:"files"`
}

func newState(key Key) state {
	return state{
		Command: key.Command,
		Group:   key.Group,
		Type:    key.Type,
		Subtype: key.Subtype,
		Files:   make(map[string]Entry),
	}
}

func (s state) matches(key Key) bool {
	return s.Command == key.Command && s.Group == key.Group &&
		s.Type == key.Type && s.Subtype == key.Subtype
}

// Cache is the resume state of one (group, type, subtype, command). It is
// safe for concurrent use; Commit is serialized per instance and, through a
// lock file, across processes.
type Cache struct {
	mu sync.Mutex

	key        Key
	dir        string
	primary    string
	backup     string
	fileLock   *filemutex.FileMutex
	st         state
	restoredBy string
}

func (c *Cache) Key() Key { return c.key }

// Path is the primary file backing the cache.
func (c *Cache) Path() string { return c.primary }

// Source names the loader that produced the cache: primary, backup, legacy
// or fresh.
func (c *Cache) Source() string { return c.restoredBy }

func (c *Cache) Entry(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.st.Files[name]
	return e, ok
}

func (c *Cache) Put(name string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.Files[name] = e
}

func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.st.Files, name)
}

func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.st.Files))
	for n := range c.st.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) LastQuery() (time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.LastQueryTime, c.st.LastQueryExpression
}

func (c *Cache) SetLastQuery(t time.Time, expr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.LastQueryTime = t
	c.st.LastQueryExpression = expr
}

// AdvanceLastQuery moves the last query time forward to t. Earlier times are
// ignored.
func (c *Cache) AdvanceLastQuery(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.st.LastQueryTime) {
		return false
	}
	c.st.LastQueryTime = t
	return true
}

// Matches reports whether the persisted entry for name describes the same
// server file.
func (c *Cache) Matches(name string, size int64, modTime time.Time) bool {
	e, ok := c.Entry(name)
	return ok && e.Size == size && e.ModTime.Equal(modTime)
}

// ResumeOffset is the number of bytes already present at the entry's local
// location. A partial file longer than the persisted size cannot be a prefix
// of it, so the transfer starts over.
func (c *Cache) ResumeOffset(name string) int64 {
	e, ok := c.Entry(name)
	if !ok || e.Location == "" {
		return 0
	}
	fi, err := os.Stat(e.Location)
	if err != nil || !fi.Mode().IsRegular() {
		return 0
	}
	if fi.Size() > e.Size {
		return 0
	}
	return fi.Size()
}

// Commit writes the cache. The previous primary file is copied to the backup
// before the new content replaces it, unless it is unreadable.
func (c *Cache) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c.st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode restart cache %s: %w", c.key, err)
	}

	if err := c.fileLock.Lock(); err != nil {
		return fmt.Errorf("failed to lock restart cache %s: %w", c.key, err)
	}
	defer c.fileLock.Unlock()

	// A primary that does not parse must not replace a usable backup.
	if _, err := readState(c.primary, c.key); err == nil {
		if err := copyFile(c.primary, c.backup); err != nil {
			return fmt.Errorf("failed to back up restart cache %s: %w", c.key, err)
		}
	}

	if err := writeFileAtomic(c.primary, data); err != nil {
		return fmt.Errorf("failed to write restart cache %s: %w", c.key, err)
	}
	return nil
}

// Close releases the lock file handle. The cache files stay on disk.
func (c *Cache) Close() error {
	return c.fileLock.Close()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}
