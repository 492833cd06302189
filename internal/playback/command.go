package playback

import (
	"fmt"
	"time"
)

// State is the playback state of a scheduler.
type State int

const (
	Stopped State = iota
	Playing
	Paused
	Closed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Command is sent by the consumer to steer playback. The set is closed:
// Play, Pause, SeekTo, SetSpeed and Terminate.
type Command interface {
	command()
}

type (
	Play     struct{}
	Pause    struct{}
	SeekTo   struct{ At time.Duration }
	SetSpeed struct{ Multiplier float64 }
	// Terminate ends the loop from any state.
	Terminate struct{}
)

func (Play) command()      {}
func (Pause) command()     {}
func (SeekTo) command()    {}
func (SetSpeed) command()  {}
func (Terminate) command() {}

// Notification is sent by the scheduler to the consumer.
type Notification interface {
	notification()
}

type (
	// TimeUpdate reports the current virtual time. Stale updates are
	// dropped when the consumer falls behind.
	TimeUpdate struct{ Elapsed time.Duration }
	// EventReached carries one timestamp bucket, in timestamp order.
	EventReached struct {
		Timestamp int64 // relative milliseconds
		Offsets   []int64
	}
	// Clear tells the consumer to discard accumulated presentation state
	// before buckets are replayed from zero.
	Clear        struct{}
	StateChanged struct{ State State }
)

func (TimeUpdate) notification()   {}
func (EventReached) notification() {}
func (Clear) notification()        {}
func (StateChanged) notification() {}

func notificationType(n Notification) string {
	switch n.(type) {
	case TimeUpdate:
		return "time_update"
	case EventReached:
		return "event_reached"
	case Clear:
		return "clear"
	case StateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}
