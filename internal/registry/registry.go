// Package registry tracks which participants are joined to which session
// code. It has no knowledge of media or transport.
package registry

import (
	"sort"
	"sync"
)

// Change is the membership of one session right after a mutation.
type Change struct {
	Code    string
	Members []string
}

// Count is the member count the change leaves behind.
func (c Change) Count() int { return len(c.Members) }

// Registry maps session codes to member sets. A participant is joined to at
// most one session at a time, and a session with no members does not exist.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
	joinedTo map[string]string
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]struct{}),
		joinedTo: make(map[string]string),
	}
}

// Join adds id to code, creating the session when absent. It reports false
// for an empty code, when id is already in code, or when id is joined to a
// different session (callers leave that one first).
func (r *Registry) Join(code, id string) (Change, bool) {
	if code == "" || id == "" {
		return Change{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, joined := r.joinedTo[id]; joined {
		return Change{}, false
	}

	members, ok := r.sessions[code]
	if !ok {
		members = make(map[string]struct{})
		r.sessions[code] = members
	}
	members[id] = struct{}{}
	r.joinedTo[id] = code

	return Change{Code: code, Members: sortedKeys(members)}, true
}

// Leave removes id from code. It reports false if id was not a member.
func (r *Registry) Leave(code, id string) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.joinedTo[id] != code || code == "" {
		return Change{}, false
	}
	return r.removeLocked(code, id), true
}

// Disconnect removes id from whichever session it had joined.
func (r *Registry) Disconnect(id string) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.joinedTo[id]
	if !ok {
		return Change{}, false
	}
	return r.removeLocked(code, id), true
}

// Evict removes every member of code and returns who they were.
func (r *Registry) Evict(code string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.sessions[code]
	if !ok {
		return nil
	}
	ids := sortedKeys(members)
	for _, id := range ids {
		delete(r.joinedTo, id)
	}
	delete(r.sessions, code)
	return ids
}

func (r *Registry) removeLocked(code, id string) Change {
	members := r.sessions[code]
	delete(members, id)
	delete(r.joinedTo, id)
	if len(members) == 0 {
		delete(r.sessions, code)
	}
	return Change{Code: code, Members: sortedKeys(members)}
}

// MemberCount is informational only; it is never used for admission.
func (r *Registry) MemberCount(code string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[code])
}

func (r *Registry) Members(code string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sessions[code])
}

// SessionOf returns the code id is joined to.
func (r *Registry) SessionOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.joinedTo[id]
	return code, ok
}

// Sessions returns the codes that currently have members.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
