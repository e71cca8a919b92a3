package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const defaultSTUNURL = "stun:stun.l.google.com:19302"

// ParticipantConfig holds the settings used by the syncplay CLI.
type ParticipantConfig struct {
	SignalingURL        string
	ICEServers          []webrtc.ICEServer
	PendingCandidateTTL time.Duration
	LogFormat           string
	LogLevel            slog.Level
}

// LoadParticipant reads participant settings. Every Peer Session created by
// the participant uses the same ICE server list.
func LoadParticipant() (*ParticipantConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("signaling_url", "ws://localhost:3001/ws/signal")
	v.SetDefault("stun_urls", defaultSTUNURL)
	v.SetDefault("pending_candidate_ttl", 10*time.Second)

	level, err := parseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, err
	}

	servers, err := ParseICEServers(v.GetString("stun_urls"))
	if err != nil {
		return nil, err
	}

	ttl := v.GetDuration("pending_candidate_ttl")
	if ttl <= 0 {
		return nil, fmt.Errorf("PENDING_CANDIDATE_TTL must be positive, got %s", ttl)
	}

	return &ParticipantConfig{
		SignalingURL:        v.GetString("signaling_url"),
		ICEServers:          servers,
		PendingCandidateTTL: ttl,
		LogFormat:           logFormat(v),
		LogLevel:            level,
	}, nil
}

// ParseICEServers turns a comma-separated STUN URL list into a single ICE
// server entry.
func ParseICEServers(urls string) ([]webrtc.ICEServer, error) {
	list := splitCommaSeparated(urls)
	if len(list) == 0 {
		return nil, fmt.Errorf("STUN_URLS: at least one url is required")
	}
	for _, u := range list {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("STUN_URLS: %q is not a stun: or stuns: url", u)
		}
	}
	return []webrtc.ICEServer{{URLs: list}}, nil
}
