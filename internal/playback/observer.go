package playback

import (
	"log/slog"
)

// Observer is told about state transitions and rejected commands. It is
// called from the scheduler goroutine and must not block.
type Observer interface {
	StateChanged(from, to State)
	CommandIgnored(cmd Command, reason string)
}

type NopObserver struct{}

func (NopObserver) StateChanged(State, State)      {}
func (NopObserver) CommandIgnored(Command, string) {}

// LogObserver logs through slog at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogObserver) StateChanged(from, to State) {
	o.logger().Debug("playback state changed", "from", from, "to", to)
}

func (o LogObserver) CommandIgnored(cmd Command, reason string) {
	o.logger().Debug("playback command ignored", "command", cmd, "reason", reason)
}
