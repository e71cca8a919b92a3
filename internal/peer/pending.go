package peer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultPendingTTL = 10 * time.Second
	DefaultPendingMax = 32
)

// PendingCandidates holds candidates that arrive before a session exists for
// their sender. Entries expire ttl after their first candidate.
type PendingCandidates struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	expires    time.Time
	candidates []webrtc.ICECandidateInit
}

// NewPendingCandidates returns a buffer; non-positive arguments select the
// defaults.
func NewPendingCandidates(ttl time.Duration, max int) *PendingCandidates {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if max <= 0 {
		max = DefaultPendingMax
	}
	return &PendingCandidates{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*pendingEntry),
	}
}

// Add buffers c for remote. It returns false when the per-peer limit was hit
// and c was dropped.
func (p *PendingCandidates) Add(remote string, c webrtc.ICECandidateInit) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pruneLocked(now)

	e, ok := p.entries[remote]
	if !ok {
		e = &pendingEntry{expires: now.Add(p.ttl)}
		p.entries[remote] = e
	}
	if len(e.candidates) >= p.max {
		return false
	}
	e.candidates = append(e.candidates, c)
	return true
}

// Take removes and returns the unexpired candidates buffered for remote.
func (p *PendingCandidates) Take(remote string) []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[remote]
	if !ok {
		return nil
	}
	delete(p.entries, remote)
	if !p.now().Before(e.expires) {
		return nil
	}
	return e.candidates
}

func (p *PendingCandidates) Drop(remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, remote)
}

// Len returns the number of remotes with unexpired buffered candidates.
func (p *PendingCandidates) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(p.now())
	return len(p.entries)
}

func (p *PendingCandidates) pruneLocked(now time.Time) {
	for remote, e := range p.entries {
		if !now.Before(e.expires) {
			delete(p.entries, remote)
		}
	}
}
