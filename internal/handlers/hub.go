package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/syncplay/internal/metrics"
	"github.com/mossy-p/syncplay/internal/models"
	"github.com/mossy-p/syncplay/internal/registry"
)

const mirrorTimeout = 2 * time.Second

// Mirror receives membership changes after the registry has applied them.
type Mirror interface {
	MemberJoined(ctx context.Context, code, id string) error
	MemberLeft(ctx context.Context, code, id string) error
	SessionClosed(ctx context.Context, code string) error
	MemberCount(ctx context.Context, code string) (int, error)
}

// Hub routes signaling messages between connected participants. It never
// inspects session descriptions or candidates.
type Hub struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	mirror   Mirror
	logger   *slog.Logger

	// membership serializes registry mutations with the notifications they
	// cause, so every member sees room-info counts in mutation order.
	membership sync.Mutex

	mu      sync.RWMutex
	clients map[string]*Client
}

type HubOption func(*Hub)

func WithMetrics(m *metrics.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }
func WithMirror(m Mirror) HubOption            { return func(h *Hub) { h.mirror = m } }
func WithLogger(l *slog.Logger) HubOption      { return func(h *Hub) { h.logger = l } }

func NewHub(reg *registry.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		registry: reg,
		logger:   slog.Default(),
		clients:  make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Registry() *registry.Registry { return h.registry }

// Register makes c addressable and tells it its identity.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.sendTo(c, models.Welcome(c.ID))
	h.logger.Info("peer connected", "peer_id", c.ID)
}

// Unregister handles transport loss: the client stops being addressable and
// leaves whatever session it had joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()

	h.membership.Lock()
	change, ok := h.registry.Disconnect(c.ID)
	if ok {
		h.notifyDeparture(c.ID, change)
	}
	h.membership.Unlock()

	c.Close()
	h.metrics.Inc(metrics.EventDisconnect)
	if ok {
		h.mirrorLeft(change.Code, c.ID)
	}
	h.logger.Info("peer disconnected", "peer_id", c.ID, "session", change.Code)
}

// Dispatch handles one inbound message from c. Messages from one client are
// dispatched in arrival order by that client's read loop.
func (h *Hub) Dispatch(c *Client, msg models.SignalMessage) {
	if msg.IsDirected() {
		h.forward(c, msg)
		return
	}
	switch msg.Type {
	case models.SignalTypeJoin:
		h.join(c, msg.Session)
	case models.SignalTypeLeave:
		h.leave(c, msg.Session)
	case models.SignalTypeHostReady:
		h.logger.Info("host ready", "peer_id", c.ID, "session", msg.Session)
	default:
		h.metrics.Inc(metrics.EventMalformed)
		h.logger.Warn("unknown message type", "peer_id", c.ID, "type", msg.Type)
	}
}

func (h *Hub) join(c *Client, code string) {
	if code == "" {
		return
	}

	h.membership.Lock()
	var left registry.Change
	prev, wasJoined := h.registry.SessionOf(c.ID)
	if wasJoined {
		if prev == code {
			h.membership.Unlock()
			return
		}
		left, _ = h.registry.Leave(prev, c.ID)
		h.notifyDeparture(c.ID, left)
	}
	change, ok := h.registry.Join(code, c.ID)
	if ok {
		h.sendToMembers(change.Members, models.PeerJoined(c.ID), c.ID)
		h.sendToMembers(change.Members, models.RoomInfo(change.Count()), "")
	}
	h.membership.Unlock()

	if wasJoined {
		h.mirrorLeft(left.Code, c.ID)
	}
	if !ok {
		return
	}
	h.metrics.Inc(metrics.EventJoin)
	h.mirrorJoined(code, c.ID)
	h.logger.Info("peer joined session", "peer_id", c.ID, "session", code, "members", change.Count())
}

func (h *Hub) leave(c *Client, code string) {
	h.membership.Lock()
	change, ok := h.registry.Leave(code, c.ID)
	if ok {
		h.notifyDeparture(c.ID, change)
	}
	h.membership.Unlock()

	if !ok {
		return
	}
	h.metrics.Inc(metrics.EventLeave)
	h.mirrorLeft(code, c.ID)
	h.logger.Info("peer left session", "peer_id", c.ID, "session", code, "members", change.Count())
}

// notifyDeparture must be called with membership held.
func (h *Hub) notifyDeparture(id string, change registry.Change) {
	h.sendToMembers(change.Members, models.PeerLeft(id), "")
	h.sendToMembers(change.Members, models.RoomInfo(change.Count()), "")
}

func (h *Hub) forward(c *Client, msg models.SignalMessage) {
	if msg.To == "" {
		h.metrics.Inc(metrics.EventMalformed)
		return
	}

	target := h.client(msg.To)
	if target == nil {
		h.metrics.Inc(metrics.EventRoutingMiss)
		h.logger.Debug("target peer not connected", "from", c.ID, "to", msg.To, "type", msg.Type)
		return
	}

	out := models.SignalMessage{
		Type:      msg.Type,
		From:      c.ID,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	}
	if h.sendTo(target, out) {
		h.metrics.Inc(metrics.EventRouted)
	}
}

// Evict closes a session on operator request. Every member receives a
// session-error and is removed; their connections stay open.
func (h *Hub) Evict(code, reason string) int {
	h.membership.Lock()
	ids := h.registry.Evict(code)
	for _, id := range ids {
		if c := h.client(id); c != nil {
			h.sendTo(c, models.SessionError(reason))
		}
	}
	h.membership.Unlock()

	if len(ids) == 0 {
		return 0
	}
	h.metrics.Inc(metrics.EventEvicted)
	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := h.mirror.SessionClosed(ctx, code); err != nil {
			h.logger.Warn("mirror session close failed", "session", code, "err", err)
		}
	}
	h.logger.Info("session evicted", "session", code, "members", len(ids))
	return len(ids)
}

// MirrorCount returns the member count recorded in the mirror, if any.
func (h *Hub) MirrorCount(ctx context.Context, code string) (int, bool) {
	if h.mirror == nil {
		return 0, false
	}
	n, err := h.mirror.MemberCount(ctx, code)
	if err != nil {
		h.logger.Warn("mirror count failed", "session", code, "err", err)
		return 0, false
	}
	return n, true
}

// CloseAll drops every relay connection. Each read loop then unregisters its
// client as on any other transport loss.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.Conn.Close()
	}
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) sendToMembers(members []string, msg models.SignalMessage, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "err", err)
		return
	}
	for _, id := range members {
		if id == excludeID {
			continue
		}
		if c := h.client(id); c != nil {
			h.enqueue(c, data)
		}
	}
}

func (h *Hub) sendTo(c *Client, msg models.SignalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "err", err)
		return false
	}
	return h.enqueue(c, data)
}

func (h *Hub) enqueue(c *Client, data []byte) bool {
	if !c.enqueue(data) {
		h.metrics.Inc(metrics.EventSendBufferFull)
		h.logger.Warn("failed to send message, buffer full or closed", "peer_id", c.ID)
		return false
	}
	return true
}

func (h *Hub) mirrorJoined(code, id string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.MemberJoined(ctx, code, id); err != nil {
		h.logger.Warn("mirror join failed", "session", code, "peer_id", id, "err", err)
	}
}

func (h *Hub) mirrorLeft(code, id string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.MemberLeft(ctx, code, id); err != nil {
		h.logger.Warn("mirror leave failed", "session", code, "peer_id", id, "err", err)
	}
}
