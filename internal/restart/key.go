package restart

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"
)

// Key names one restart cache file.
type Key struct {
	Group   string
	Type    string
	Subtype string
	// Command is the kind of resumable command, for example "get" or
	// "subscribe".
	Command string
}

func (k Key) String() string {
	s := k.Group + ":" + k.Type + "/" + k.Command
	if k.Subtype != "" {
		s += "/" + k.Subtype
	}
	return s
}

func (k Key) validate() error {
	if k.Group == "" || k.Type == "" || k.Command == "" {
		return fmt.Errorf("restart key %q is incomplete", k)
	}
	return nil
}

// fileName is the primary file name for the key inside the cache directory.
func (k Key) fileName() string {
	parts := []string{sanitize(k.Group), sanitize(k.Type), sanitize(k.Command)}
	if k.Subtype != "" {
		parts = append(parts, sanitize(k.Subtype))
	}
	return strings.Join(parts, ".") + ".json"
}

// legacyFileName is the single-file-per-type name used by older clients.
func (k Key) legacyFileName() string {
	return sanitize(k.Type) + ".restart"
}

func (k Key) paths(dir string) (primary, backup, lock string) {
	primary = filepath.Join(dir, k.fileName())
	return primary, primary + ".bak", primary + ".lock"
}

// sanitize maps s onto a portable file name component. When any character
// has to be replaced, a hash of the original is appended so distinct inputs
// stay distinct.
func sanitize(s string) string {
	var b strings.Builder
	changed := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return fmt.Sprintf("%s~%016x", b.String(), xxh3.HashString(s))
}
