package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"
)

var ErrUnknownGroup = errors.New("unknown server group")

// Group is one "group: <name>" section of the address book.
type Group struct {
	Servers   []string `config:"type=array,required"`
	FileTypes []string `config:"type=array"`
}

func validateGroup(g Group) error {
	for _, s := range g.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("server %q: %w", s, err)
		}
	}
	return nil
}

// AddressBook maps server groups to the backend addresses hosting them.
type AddressBook struct {
	mu   sync.RWMutex
	path string
	cfg  *SectionConfig[Group]
	data *ConfigData[Group]
}

func newGroupConfig() *SectionConfig[Group] {
	return NewSectionConfig(&SectionPlugin[Group]{
		TypeName: "group",
		Validate: validateGroup,
	})
}

func LoadAddressBook(path string) (*AddressBook, error) {
	ab := &AddressBook{path: path, cfg: newGroupConfig()}
	if err := ab.Reload(); err != nil {
		return nil, err
	}
	return ab, nil
}

// NewAddressBook builds an in-memory address book, mostly for tests and
// embedders that do not keep a groups file.
func NewAddressBook(groups map[string]Group) (*AddressBook, error) {
	data := &ConfigData[Group]{Sections: make(map[string]*Section[Group])}
	for name, g := range groups {
		if err := validateGroup(g); err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		data.Sections[name] = &Section[Group]{Type: "group", ID: name, Properties: g}
		data.Order = append(data.Order, name)
	}
	sort.Strings(data.Order)
	return &AddressBook{cfg: newGroupConfig(), data: data}, nil
}

func (ab *AddressBook) Path() string { return ab.path }

func (ab *AddressBook) Reload() error {
	data, err := ab.cfg.Parse(ab.path)
	if err != nil {
		return fmt.Errorf("failed to load address book %s: %w", ab.path, err)
	}
	ab.replace(data)
	return nil
}

func (ab *AddressBook) replace(data *ConfigData[Group]) {
	ab.mu.Lock()
	ab.data = data
	ab.mu.Unlock()
}

// Servers returns the addresses of a group in preference order.
func (ab *AddressBook) Servers(group string) ([]string, error) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	g, ok := ab.data.Get(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return slices.Clone(g.Servers), nil
}

// HasType reports whether the group advertises the file type. Groups without
// a filetypes list accept any type.
func (ab *AddressBook) HasType(group, fileType string) bool {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	g, ok := ab.data.Get(group)
	if !ok {
		return false
	}
	return len(g.FileTypes) == 0 || slices.Contains(g.FileTypes, fileType)
}

func (ab *AddressBook) Groups() []string {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	if ab.data == nil {
		return nil
	}
	return slices.Clone(ab.data.Order)
}

// Watch reloads the address book whenever its file changes. Parse errors keep
// the previous contents.
func (ab *AddressBook) Watch() (*Watcher[Group], error) {
	if ab.path == "" {
		return nil, fmt.Errorf("address book has no backing file")
	}
	w, err := NewWatcher(ab.cfg, ab.replace)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(ab.path); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}
