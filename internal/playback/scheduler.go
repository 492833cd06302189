// Package playback drives a replay index along a virtual clock and tells
// a consumer which events are due.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"firestige.xyz/sessreplay/internal/metrics"
	"firestige.xyz/sessreplay/internal/replay"
)

const (
	DefaultTick          = 16 * time.Millisecond
	DefaultNotifyBuffer  = 64
	DefaultCommandBuffer = 16
)

// ErrClosed is returned by Send after the scheduler loop exited.
var ErrClosed = errors.New("sessreplay: playback scheduler closed")

type options struct {
	clock         Clock
	tick          time.Duration
	speed         float64
	notifyBuffer  int
	commandBuffer int
	observer      Observer
}

type Option func(*options)

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithSpeed sets the initial speed multiplier.
func WithSpeed(m float64) Option {
	return func(o *options) {
		if m > 0 {
			o.speed = m
		}
	}
}

func WithNotifyBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.notifyBuffer = n
		}
	}
}

func WithCommandBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.commandBuffer = n
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// Scheduler runs one playback loop over an index. Commands and
// notifications are its only interface; the index is shared read-only.
type Scheduler struct {
	tl    *timeline
	clock Clock
	tick  time.Duration

	commands chan Command
	notes    chan Notification
	done     chan struct{}
	start    sync.Once
}

func New(idx *replay.Index, opts ...Option) *Scheduler {
	o := options{
		clock:         realClock{},
		tick:          DefaultTick,
		speed:         1,
		notifyBuffer:  DefaultNotifyBuffer,
		commandBuffer: DefaultCommandBuffer,
		observer:      NopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		tl:       newTimeline(idx, o.speed, o.observer),
		clock:    o.clock,
		tick:     o.tick,
		commands: make(chan Command, o.commandBuffer),
		notes:    make(chan Notification, o.notifyBuffer),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Cancelling ctx acts as Terminate. Calls after
// the first are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.run(ctx)
	})
}

// Send queues a command. It blocks while the command buffer is full and
// fails with ErrClosed once the loop has exited.
func (s *Scheduler) Send(cmd Command) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Notifications is closed when the loop exits.
func (s *Scheduler) Notifications() <-chan Notification {
	return s.notes
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.notes)

	if s.tl.index.Len() == 0 {
		s.send(TimeUpdate{})
		return
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.tl.last = s.clock.Now()

	for {
		s.flush()
		if s.tl.state == Closed {
			s.drain(ctx)
			return
		}

		var (
			out  chan<- Notification
			next Notification
		)
		if len(s.tl.out) > 0 {
			out, next = s.notes, s.tl.out[0]
		}

		select {
		case <-ctx.Done():
			s.tl.handle(Terminate{}, s.clock.Now())
		case cmd := <-s.commands:
			s.tl.handle(cmd, s.clock.Now())
		case <-ticker.C:
			s.tl.step(s.clock.Now())
		case out <- next:
			s.tl.out = s.tl.out[1:]
			metrics.PlaybackNotificationsTotal.WithLabelValues(notificationType(next)).Inc()
		}
	}
}

// flush hands queued notifications to the channel without blocking.
// TimeUpdate goes out only once every critical notification is delivered,
// and is dropped if the channel is full.
func (s *Scheduler) flush() {
	for len(s.tl.out) > 0 {
		if !s.send(s.tl.out[0]) {
			return
		}
		s.tl.out = s.tl.out[1:]
	}
	if s.tl.timeDirty {
		s.tl.timeDirty = false
		s.send(TimeUpdate{Elapsed: s.tl.elapsed})
	}
}

// drain delivers what was queued before Terminate. Commands arriving
// meanwhile are discarded. Cancellation abandons the rest.
func (s *Scheduler) drain(ctx context.Context) {
	for len(s.tl.out) > 0 {
		next := s.tl.out[0]
		select {
		case s.notes <- next:
			s.tl.out = s.tl.out[1:]
			metrics.PlaybackNotificationsTotal.WithLabelValues(notificationType(next)).Inc()
		case <-s.commands:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) send(n Notification) bool {
	select {
	case s.notes <- n:
		metrics.PlaybackNotificationsTotal.WithLabelValues(notificationType(n)).Inc()
		return true
	default:
		return false
	}
}
