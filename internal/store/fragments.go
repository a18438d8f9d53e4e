// Package store holds the fragment index and the local metadata database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FragmentIndex maps fragment ids to absolute file paths. Lookups happen on
// the streaming hot path; mutations come from the command handler and the
// startup scanner only.
type FragmentIndex struct {
	mu     sync.RWMutex
	paths  map[string]string
	logger *logrus.Logger
}

func NewFragmentIndex(log *logrus.Logger) *FragmentIndex {
	return &FragmentIndex{
		paths:  make(map[string]string),
		logger: log,
	}
}

// Scan populates the index from the given remote directories, creating any
// that do not exist. File names are fragment ids; non-regular files are
// skipped.
func (i *FragmentIndex) Scan(dirs []string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create remote dir %s: %w", dir, err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read remote dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				i.logger.Warnf("Skipping non-regular entry %s in %s", entry.Name(), dir)
				continue
			}
			i.Add(entry.Name(), filepath.Join(dir, entry.Name()))
		}
	}

	i.logger.Infof("Fragment index loaded with %d fragments", i.Len())
	return nil
}

func (i *FragmentIndex) Lookup(id string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	path, ok := i.paths[id]
	return path, ok
}

func (i *FragmentIndex) Add(id, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths[id] = path
}

// Remove drops the id from the index and returns the path it mapped to.
func (i *FragmentIndex) Remove(id string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	path, ok := i.paths[id]
	if ok {
		delete(i.paths, id)
	}
	return path, ok
}

func (i *FragmentIndex) IDs() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := make([]string, 0, len(i.paths))
	for id := range i.paths {
		ids = append(ids, id)
	}
	return ids
}

func (i *FragmentIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.paths)
}
