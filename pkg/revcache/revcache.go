// Package revcache caches recently touched revision bodies so the Pusher
// can build delta ancestors and the Puller can re-serve a just-inserted
// revision without a storage round trip.
package revcache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/revsync/pkg/types"
)

// Entry is one cached revision.
type Entry struct {
	DocID string
	RevID types.RevID
	Body  []byte
	Flags types.RevFlags
}

type key struct {
	collection types.Collection
	docID      string
	revID      types.RevID
}

// Cache is an LRU of (collection, docID, revID) -> Entry.
type Cache struct {
	lru *lru.Cache
}

// New returns a Cache holding at most size entries.
func New(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Put stores entry under (collection, entry.DocID, entry.RevID).
func (c *Cache) Put(collection types.Collection, entry Entry) {
	c.lru.Add(key{collection, entry.DocID, entry.RevID}, entry)
}

// Get returns the cached entry for (collection, docID, revID), if present.
func (c *Cache) Get(collection types.Collection, docID string, revID types.RevID) (Entry, bool) {
	v, ok := c.lru.Get(key{collection, docID, revID})
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Remove evicts (collection, docID, revID), if present.
func (c *Cache) Remove(collection types.Collection, docID string, revID types.RevID) {
	c.lru.Remove(key{collection, docID, revID})
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
