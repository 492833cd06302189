package capture

import (
	"log/slog"
)

// Observer receives progress from session reconstruction. Implementations
// must be safe for concurrent use when streams run in parallel.
type Observer interface {
	PacketDropped(index int, err error)
	SessionListed(s *Session)
	SessionSkipped(key string, err error)
}

// NopObserver discards all progress.
type NopObserver struct{}

func (NopObserver) PacketDropped(int, error)     {}
func (NopObserver) SessionListed(*Session)       {}
func (NopObserver) SessionSkipped(string, error) {}

// LogObserver reports progress through a slog logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogObserver) PacketDropped(index int, err error) {
	o.logger().Debug("packet dropped", "index", index, "error", err)
}

func (o LogObserver) SessionListed(s *Session) {
	o.logger().Info("session found",
		"session", s.ID,
		"kind", s.Kind,
		"initiator", s.Initiator,
		"responder", s.Responder,
		"packets", len(s.Packets))
}

func (o LogObserver) SessionSkipped(key string, err error) {
	o.logger().Warn("session skipped", "session", key, "error", err)
}
