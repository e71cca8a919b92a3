package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Watchdog applies connectivity changes to sessions and keeps the reported
// peer count equal to the number of live sessions in its table.
type Watchdog struct {
	table   *Table
	onCount func(int)
	logger  *slog.Logger
}

// NewWatchdog returns a watchdog over table. onCount may be nil.
func NewWatchdog(table *Table, onCount func(int), logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{table: table, onCount: onCount, logger: logger}
}

func (w *Watchdog) Table() *Table { return w.table }

// Count is re-derived from the table on every call.
func (w *Watchdog) Count() int { return w.table.Len() }

// Observe applies state to s. Teardown reaches Release through the
// session's OnClose hook.
func (w *Watchdog) Observe(s *Session, state webrtc.PeerConnectionState) {
	if s.HandleConnectionState(state) {
		w.logger.Info("peer session ended by connectivity change",
			"remote", s.Remote(), "side", s.Role().String(), "state", state.String())
	}
}

// Track registers a new session. It returns false if the remote already has
// one.
func (w *Watchdog) Track(s *Session) bool {
	if !w.table.Add(s) {
		return false
	}
	w.report()
	return true
}

// Release removes s from the table. It is installed as each session's
// OnClose hook.
func (w *Watchdog) Release(s *Session) {
	if w.table.Remove(s) {
		w.report()
	}
}

// CloseAll tears down every tracked session.
func (w *Watchdog) CloseAll() {
	for _, s := range w.table.Snapshot() {
		_ = s.Close()
	}
}

func (w *Watchdog) report() {
	if w.onCount != nil {
		w.onCount(w.table.Len())
	}
}
