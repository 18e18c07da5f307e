package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexflint/go-filemutex"
	"github.com/nasa/FEI-sub000/internal/syslog"
)

var errNotFound = errors.New("restart state not found")

// loader tries one source of restart state. It returns errNotFound when the
// source is absent or unusable so the next loader gets its turn.
type loader struct {
	name string
	load func(c *Cache) error
}

var loaderChain = []loader{
	{name: "primary", load: loadPrimary},
	{name: "backup", load: loadBackup},
	{name: "legacy", load: loadLegacy},
	{name: "fresh", load: loadFresh},
}

// Restore opens the cache for key under dir, falling back from the primary
// file to its backup, then to the legacy per-type file, then to an empty
// cache. Legacy and fresh caches are committed right away.
func Restore(dir string, key Key) (*Cache, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create restart dir %s: %w", dir, err)
	}

	primary, backup, lockPath := key.paths(dir)
	fl, err := filemutex.New(lockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open restart lock %s: %w", lockPath, err)
	}

	c := &Cache{
		key:      key,
		dir:      dir,
		primary:  primary,
		backup:   backup,
		fileLock: fl,
	}

	for _, l := range loaderChain {
		c.st = newState(key)
		err := l.load(c)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			fl.Close()
			return nil, fmt.Errorf("restart %s loader failed for %s: %w", l.name, key, err)
		}
		c.restoredBy = l.name
		return c, nil
	}

	fl.Close()
	return nil, fmt.Errorf("no restart loader produced state for %s", key)
}

func readState(path string, key Key) (state, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return state{}, errNotFound
	}
	if err != nil {
		syslog.L.Warn().
			WithMessage("restart file unreadable").
			WithFields(map[string]interface{}{"path": path, "error": err.Error()}).
			Write()
		return state{}, errNotFound
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		syslog.L.Warn().
			WithMessage("restart file malformed").
			WithFields(map[string]interface{}{"path": path, "error": err.Error()}).
			Write()
		return state{}, errNotFound
	}
	if !st.matches(key) {
		syslog.L.Warn().
			WithMessage("restart file belongs to another key").
			WithField("path", path).
			WithField("key", key.String()).
			Write()
		return state{}, errNotFound
	}
	if st.Files == nil {
		st.Files = make(map[string]Entry)
	}
	return st, nil
}

func loadPrimary(c *Cache) error {
	st, err := readState(c.primary, c.key)
	if err != nil {
		return err
	}
	c.st = st
	return nil
}

func loadBackup(c *Cache) error {
	st, err := readState(c.backup, c.key)
	if err != nil {
		return err
	}
	c.st = st
	syslog.L.Warn().
		WithMessage("restart cache restored from backup").
		WithField("key", c.key.String()).
		WithField("path", c.backup).
		Write()
	return nil
}

func loadLegacy(c *Cache) error {
	path := filepath.Join(c.dir, c.key.legacyFileName())
	st, err := readLegacy(path, c.key)
	if err != nil {
		return err
	}
	c.st = st
	if err := c.Commit(); err != nil {
		return err
	}
	syslog.L.Info().
		WithMessage("restart cache migrated from legacy file").
		WithField("key", c.key.String()).
		WithField("path", path).
		Write()
	return nil
}

func loadFresh(c *Cache) error {
	return c.Commit()
}
