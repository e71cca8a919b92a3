// Package broadcast implements the host side of a session: one outgoing
// peer session per member while capture is running.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/internal/media"
	"github.com/mossy-p/syncplay/internal/peer"
)

var (
	ErrNoAudioTrack = errors.New("capture has no audio track")
	ErrNotCapturing = errors.New("capture not started")
	ErrUnknownPeer  = errors.New("no peer session for sender")
)

type Config struct {
	Factory  peer.TransportFactory
	Signaler peer.Signaler
	Watchdog *peer.Watchdog
	Logger   *slog.Logger

	// OnConnectionState receives transport changes of host sessions. It
	// defaults to Watchdog.Observe.
	OnConnectionState func(*peer.Session, webrtc.PeerConnectionState)
}

// Manager maps session members to outgoing peer sessions through the
// watchdog's table.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	localID string
	members []string
	stream  media.Stream
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnConnectionState == nil {
		cfg.OnConnectionState = cfg.Watchdog.Observe
	}
	return &Manager{cfg: cfg, logger: logger}
}

// SetLocalID sets the identity used as the local side of new sessions.
func (m *Manager) SetLocalID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localID = id
}

// PeerJoined records a member and, while capturing, offers to it.
func (m *Manager) PeerJoined(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" || id == m.localID {
		return nil
	}
	if !m.hasMemberLocked(id) {
		m.members = append(m.members, id)
	}
	if m.stream == nil {
		return nil
	}
	return m.connectLocked(id)
}

// PeerLeft forgets a member and tears down its session.
func (m *Manager) PeerLeft(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, member := range m.members {
		if member == id {
			m.members = append(m.members[:i], m.members[i+1:]...)
			break
		}
	}
	if s, ok := m.cfg.Watchdog.Table().Get(id); ok {
		_ = s.Close()
	}
}

// StartCapture begins broadcasting stream and offers to every known member.
// Starting again swaps the tracks of live sessions in place; a session that
// cannot swap is hung up and offered again.
func (m *Manager) StartCapture(stream media.Stream) error {
	if !media.HasAudio(stream) {
		return ErrNoAudioTrack
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.stream
	m.stream = stream
	if old != nil {
		for _, s := range m.cfg.Watchdog.Table().Snapshot() {
			if err := s.ReplaceTracks(stream.Tracks()); err != nil {
				m.logger.Warn("track swap failed, renegotiating", "remote", s.Remote(), "err", err)
				m.hangupLocked(s)
			}
		}
	}
	m.logger.Info("capture started", "members", len(m.members), "restart", old != nil)

	var errs []error
	for _, id := range m.members {
		if err := m.connectLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	if old != nil {
		old.Stop()
	}
	return errors.Join(errs...)
}

// StopCapture tears down every session and stops the stream.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return ErrNotCapturing
	}
	m.closeSessionsLocked()
	m.stream.Stop()
	m.stream = nil
	m.logger.Info("capture stopped")
	return nil
}

// Reset forgets every member and tears down their sessions. Capture keeps
// running.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = nil
	m.closeSessionsLocked()
}

// Close stops capture and forgets every member.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = nil
	m.closeSessionsLocked()
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
}

func (m *Manager) HandleAnswer(from, sdp string) error {
	s, ok := m.cfg.Watchdog.Table().Get(from)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from)
	}
	return s.HandleAnswer(sdp)
}

func (m *Manager) HandleCandidate(from string, c webrtc.ICECandidateInit) error {
	s, ok := m.cfg.Watchdog.Table().Get(from)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from)
	}
	return s.HandleCandidate(c)
}

func (m *Manager) PeerCount() int {
	return m.cfg.Watchdog.Count()
}

func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *Manager) Members() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.members...)
}

func (m *Manager) hasMemberLocked(id string) bool {
	for _, member := range m.members {
		if member == id {
			return true
		}
	}
	return false
}

func (m *Manager) connectLocked(id string) error {
	if _, exists := m.cfg.Watchdog.Table().Get(id); exists {
		return nil
	}
	s := peer.NewSession(peer.Config{
		Local:             m.localID,
		Remote:            id,
		Role:              peer.RoleOfferer,
		Factory:           m.cfg.Factory,
		Signaler:          m.cfg.Signaler,
		Logger:            m.logger,
		OnConnectionState: m.cfg.OnConnectionState,
		OnClose:           m.cfg.Watchdog.Release,
	})
	if !m.cfg.Watchdog.Track(s) {
		return nil
	}
	if err := s.Offer(m.stream.Tracks()); err != nil {
		_ = s.Close()
		return fmt.Errorf("offer to %s: %w", id, err)
	}
	return nil
}

// closeSessionsLocked hangs up every session so receivers drop their side
// before any new offer arrives.
func (m *Manager) closeSessionsLocked() {
	for _, s := range m.cfg.Watchdog.Table().Snapshot() {
		m.hangupLocked(s)
	}
}

func (m *Manager) hangupLocked(s *peer.Session) {
	if err := m.cfg.Signaler.SendBye(s.Remote()); err != nil {
		m.logger.Debug("failed to send bye", "remote", s.Remote(), "err", err)
	}
	_ = s.Close()
}
