// Package peertest provides in-memory transports and signalers for testing
// code built on package peer.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/internal/peer"
)

var ErrClosed = errors.New("fake transport closed")

// Factory records every Transport it creates.
type Factory struct {
	// FailRemote, when set, is returned by SetRemoteDescription on every new
	// transport.
	FailRemote error
	// FailReplace, when set, is returned by ReplaceTracks on every new
	// transport.
	FailReplace error

	mu         sync.Mutex
	transports []*Transport
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) NewTransport(cb peer.Callbacks) (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &Transport{cb: cb, failRemote: f.FailRemote, failReplace: f.FailReplace, seq: len(f.transports) + 1}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Last returns the most recently created transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// Transport is a peer.Transport that only records what it was asked to do.
type Transport struct {
	cb          peer.Callbacks
	failRemote  error
	failReplace error
	seq         int

	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return ErrClosed
	case t.failReplace != nil:
		return t.failReplace
	case len(tracks) != len(t.tracks):
		return fmt.Errorf("have %d tracks, got %d", len(t.tracks), len(tracks))
	}
	t.tracks = append([]webrtc.TrackLocal(nil), tracks...)
	return nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.setLocal(webrtc.SDPTypeOffer)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.setLocal(webrtc.SDPTypeAnswer)
}

func (t *Transport) setLocal(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: fmt.Sprintf("fake-%s-%d", typ, t.seq)}
	t.local = &desc
	return desc, nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.failRemote != nil {
		return t.failRemote
	}
	t.remote = &desc
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Tracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.tracks...)
}

func (t *Transport) Local() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// EmitCandidate simulates a locally gathered candidate.
func (t *Transport) EmitCandidate(c webrtc.ICECandidateInit) {
	if t.cb.OnICECandidate != nil {
		t.cb.OnICECandidate(c)
	}
}

// EmitState simulates a connectivity change.
func (t *Transport) EmitState(state webrtc.PeerConnectionState) {
	if t.cb.OnConnectionStateChange != nil {
		t.cb.OnConnectionStateChange(state)
	}
}

// Sent is one message handed to a Signaler.
type Sent struct {
	Type      string
	To        string
	SDP       string
	Candidate webrtc.ICECandidateInit
}

// Signaler records outgoing negotiation messages.
type Signaler struct {
	mu   sync.Mutex
	sent []Sent
}

func NewSignaler() *Signaler {
	return &Signaler{}
}

func (s *Signaler) SendOffer(to, sdp string) error {
	s.record(Sent{Type: "offer", To: to, SDP: sdp})
	return nil
}

func (s *Signaler) SendAnswer(to, sdp string) error {
	s.record(Sent{Type: "answer", To: to, SDP: sdp})
	return nil
}

func (s *Signaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	s.record(Sent{Type: "ice-candidate", To: to, Candidate: c})
	return nil
}

func (s *Signaler) SendBye(to string) error {
	s.record(Sent{Type: "bye", To: to})
	return nil
}

func (s *Signaler) record(m Sent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
}

func (s *Signaler) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// OfType returns the recorded messages of one type.
func (s *Signaler) OfType(typ string) []Sent {
	var out []Sent
	for _, m := range s.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
