package server

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

var ErrEmptyUserId = errors.New("user id cannot be empty")

// Directory maps each online user to the single connection that currently
// represents them. The ChatServer is its only writer; reads are safe from any
// goroutine.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Client
}

func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Client),
	}
}

// Register maps userId to c, overwriting any previous session for the user.
// The overwritten session, if any, is returned.
func (d *Directory) Register(userId string, c *Client) (*Client, error) {
	if userId == "" {
		return nil, ErrEmptyUserId
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	replaced := d.sessions[userId]
	d.sessions[userId] = c

	return replaced, nil
}

// Unregister removes userId only while it still points at c. A nil c removes
// the entry unconditionally. It reports whether the directory changed.
func (d *Directory) Unregister(userId string, c *Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.sessions[userId]
	if !ok || (c != nil && current != c) {
		return false
	}

	delete(d.sessions, userId)
	return true
}

func (d *Directory) Lookup(userId string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.sessions[userId]
	return c, ok
}

// ListOnline returns the ids of all mapped users, sorted. It never returns
// nil so an empty roster encodes as [].
func (d *Directory) ListOnline() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	online := slices.AppendSeq(make([]string, 0, len(d.sessions)), maps.Keys(d.sessions))
	slices.Sort(online)
	return online
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.sessions)
}
