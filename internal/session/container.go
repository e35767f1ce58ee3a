package session

import (
	"sort"
	"sync"
)

// Container owns one Store per collection for the lifetime of a client.
type Container struct {
	stores   sync.Map // collection -> *Store
	recorder MergeRecorder
}

// NewContainer creates an empty container. recorder may be nil.
func NewContainer(recorder MergeRecorder) *Container {
	return &Container{recorder: recorder}
}

// Store returns the store for collection, creating it on first use.
func (c *Container) Store(collection string) *Store {
	if v, ok := c.stores.Load(collection); ok {
		return v.(*Store)
	}
	v, _ := c.stores.LoadOrStore(collection, NewStore(collection, c.recorder))
	return v.(*Store)
}

// Lookup returns the store for collection without creating it.
func (c *Container) Lookup(collection string) (*Store, bool) {
	v, ok := c.stores.Load(collection)
	if !ok {
		return nil, false
	}
	return v.(*Store), true
}

// Collections lists every collection with a store, sorted.
func (c *Container) Collections() []string {
	var names []string
	c.stores.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}
