package state

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/linkerlin/tgclaw/internal/types"
)

const registryFile = "registered_groups.json"

var folderPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidFolder reports whether name is usable as a group folder: a single path
// element made of letters, digits, '-' and '_'.
func ValidFolder(name string) bool {
	return folderPattern.MatchString(name)
}

// Registry maps chat ids to registered groups.
type Registry struct {
	mu         sync.RWMutex
	path       string
	mainFolder string
	groups     map[string]types.RegisteredGroup
}

// LoadRegistry reads <dataDir>/registered_groups.json. A missing file yields an
// empty registry.
func LoadRegistry(dataDir, mainFolder string) (*Registry, error) {
	r := &Registry{
		path:       filepath.Join(dataDir, registryFile),
		mainFolder: mainFolder,
		groups:     make(map[string]types.RegisteredGroup),
	}
	if err := readJSON(r.path, &r.groups); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if r.groups == nil {
		r.groups = make(map[string]types.RegisteredGroup)
	}
	return r, nil
}

// Register adds or replaces the group for chatID and persists the registry.
func (r *Registry) Register(chatID string, g types.RegisteredGroup) error {
	if !ValidFolder(g.Folder) {
		return fmt.Errorf("register %s: invalid folder %q", chatID, g.Folder)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.groups[chatID]
	r.groups[chatID] = g
	if err := writeJSON(r.path, r.groups); err != nil {
		if had {
			r.groups[chatID] = prev
		} else {
			delete(r.groups, chatID)
		}
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// Get returns the group registered for chatID.
func (r *Registry) Get(chatID string) (types.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[chatID]
	return g, ok
}

// FolderChat returns the chat id registered with folder.
func (r *Registry) FolderChat(folder string) (string, types.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Lowest chat id wins if a folder was registered twice.
	var (
		best  string
		group types.RegisteredGroup
		found bool
	)
	for id, g := range r.groups {
		if g.Folder == folder && (!found || id < best) {
			best, group, found = id, g, true
		}
	}
	return best, group, found
}

// ChatIDs returns all registered chat ids, sorted.
func (r *Registry) ChatIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns a copy of the registry.
func (r *Registry) All() map[string]types.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.RegisteredGroup, len(r.groups))
	for id, g := range r.groups {
		out[id] = g
	}
	return out
}

// IsMain reports whether folder is the privileged main group.
func (r *Registry) IsMain(folder string) bool {
	return folder == r.mainFolder
}

// MainFolder returns the configured main group folder.
func (r *Registry) MainFolder() string {
	return r.mainFolder
}
