package playback

import (
	"math"
	"time"

	"firestige.xyz/sessreplay/internal/replay"
)

// timeline is the loop-owned playback state. Every method runs on the
// scheduler goroutine.
type timeline struct {
	index    *replay.Index
	duration time.Duration
	observer Observer

	state   State
	elapsed time.Duration
	speed   float64
	cursor  int
	last    time.Time

	out       []Notification // critical, never dropped
	timeDirty bool
}

func newTimeline(idx *replay.Index, speed float64, obs Observer) *timeline {
	return &timeline{
		index:    idx,
		duration: idx.Duration(),
		observer: obs,
		state:    Paused,
		speed:    speed,
	}
}

func bucketTime(ts int64) time.Duration {
	return time.Duration(ts) * time.Millisecond
}

func (tl *timeline) setState(to State) {
	if tl.state == to {
		return
	}
	from := tl.state
	tl.state = to
	tl.out = append(tl.out, StateChanged{State: to})
	tl.observer.StateChanged(from, to)
}

func (tl *timeline) markTime() {
	tl.timeDirty = true
}

// emitUpTo emits every bucket not yet emitted with timestamp <= t.
func (tl *timeline) emitUpTo(t time.Duration) {
	timestamps := tl.index.Timestamps()
	for tl.cursor < len(timestamps) && bucketTime(timestamps[tl.cursor]) <= t {
		ts := timestamps[tl.cursor]
		tl.out = append(tl.out, EventReached{Timestamp: ts, Offsets: tl.index.Offsets(ts)})
		tl.cursor++
	}
}

// reset clears the consumer state and rewinds the cursor to zero.
func (tl *timeline) reset() {
	tl.out = append(tl.out, Clear{})
	tl.cursor = 0
}

// step integrates wall time since the previous call into virtual time.
func (tl *timeline) step(now time.Time) {
	delta := now.Sub(tl.last)
	tl.last = now
	if tl.state != Playing || delta <= 0 {
		return
	}

	tl.elapsed += time.Duration(float64(delta) * tl.speed)
	if tl.elapsed >= tl.duration {
		tl.elapsed = tl.duration
		tl.emitUpTo(tl.elapsed)
		tl.markTime()
		tl.setState(Stopped)
		return
	}
	tl.emitUpTo(tl.elapsed)
	tl.markTime()
}

func (tl *timeline) seek(at time.Duration) {
	at = max(0, min(at, tl.duration))

	timestamps := tl.index.Timestamps()
	if tl.cursor > 0 && bucketTime(timestamps[tl.cursor-1]) > at {
		tl.reset()
	}
	tl.elapsed = at
	tl.emitUpTo(at)
	tl.markTime()
}

func (tl *timeline) handle(cmd Command, now time.Time) {
	switch c := cmd.(type) {
	case Play:
		tl.step(now)
		if tl.state == Stopped && tl.elapsed >= tl.duration {
			tl.reset()
			tl.elapsed = 0
			tl.markTime()
		}
		tl.last = now
		tl.setState(Playing)
		tl.emitUpTo(tl.elapsed)
	case Pause:
		tl.step(now)
		if tl.state != Playing {
			tl.observer.CommandIgnored(cmd, "not playing")
			return
		}
		tl.setState(Paused)
	case SeekTo:
		tl.step(now)
		tl.seek(c.At)
	case SetSpeed:
		if c.Multiplier <= 0 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) {
			tl.observer.CommandIgnored(cmd, "speed must be a positive number")
			return
		}
		tl.step(now)
		tl.speed = c.Multiplier
	case Terminate:
		tl.step(now)
		tl.setState(Closed)
	default:
		tl.observer.CommandIgnored(cmd, "unknown command")
	}
}
