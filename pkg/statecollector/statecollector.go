// Package statecollector implements folder.StateCollector as an
// in-memory aggregation point for per-folder diagnostic state: one
// read-write mutex guarding a map of per-folder key/value maps.
package statecollector

import (
	"sync"

	"foldersync/pkg/folder"
)

// Collector holds the last-reported state for every known folder, keyed
// by folder id and then by key (e.g. "secret", "peers", "traffic_stats").
type Collector struct {
	mu    sync.RWMutex
	state map[folder.FolderId]map[string]interface{}
}

func New() *Collector {
	return &Collector{state: make(map[folder.FolderId]map[string]interface{})}
}

func (c *Collector) FolderStateSet(id folder.FolderId, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.state[id]
	if !ok {
		m = make(map[string]interface{})
		c.state[id] = m
	}
	m[key] = value
}

func (c *Collector) FolderStatePurge(id folder.FolderId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, id)
}

// Snapshot returns a shallow copy of the state currently held for id.
func (c *Collector) Snapshot(id folder.FolderId) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.state[id]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Folders returns the ids of every folder with state currently held.
func (c *Collector) Folders() []folder.FolderId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]folder.FolderId, 0, len(c.state))
	for id := range c.state {
		ids = append(ids, id)
	}
	return ids
}
