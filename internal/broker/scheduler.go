// Package broker multiplexes conversations over one client connection: the
// context switch spawns and tears down conversation tasks, the distributor
// routes provider events to per-conversation sinks with optional output
// redirection, and the media scheduler paces audio and interleaved media
// events against the downstream playback clock.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/audioknife/audioknife/internal/observe"
	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Compile-time interface assertion.
var _ EventSink = (*MediaScheduler)(nil)

const (
	// MaxBufferedAudio bounds how far the virtual playback clock may run
	// ahead of wall time. Audio beyond this mark stays queued so the
	// downstream player's jitter buffers never overflow and cancellation
	// stays responsive.
	MaxBufferedAudio = 5 * time.Second

	// FullBufferWakeup is how long the scheduler sleeps before re-checking a
	// full audio buffer.
	FullBufferWakeup = time.Second
)

// ErrSchedulerClosed is returned by Process once the scheduler stopped
// accepting events, either after Close or after its sink failed.
var ErrSchedulerClosed = errors.New("broker: scheduler closed")

// SchedulerOption configures a [MediaScheduler] during construction.
type SchedulerOption func(*MediaScheduler)

// WithMaxBufferedAudio overrides the buffered-audio cap. Values <= 0 keep the
// default. Mainly for tests, which cannot wait five real seconds.
func WithMaxBufferedAudio(d time.Duration) SchedulerOption {
	return func(s *MediaScheduler) {
		if d > 0 {
			s.maxBuffered = d
		}
	}
}

// WithFullBufferWakeup overrides the full-buffer re-check delay. Values <= 0
// keep the default.
func WithFullBufferWakeup(d time.Duration) SchedulerOption {
	return func(s *MediaScheduler) {
		if d > 0 {
			s.fullWakeup = d
		}
	}
}

// WithSchedulerMetrics attaches metric instruments for throttle and dispatch
// accounting. A nil value disables them.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *MediaScheduler) {
		s.metrics = m
	}
}

// MediaScheduler paces one conversation's server events against a virtual
// playback clock. Control events (started, stopped, error, requestCompleted,
// service, billingRecords) are forwarded as they arrive. Media events (audio,
// clearAudio, text) queue: audio advances the clock by its own duration and is
// throttled once MaxBufferedAudio is in flight; non-audio media waits until
// the audio it was enqueued behind has virtually played out, so captions and
// flush markers never overtake the audio they describe. A clearAudio arrival
// drops all queued audio and resets the clock to now, modelling the
// downstream player flushing its buffers.
//
// One scheduler serves one conversation. Events are delivered to the sink
// from a single dispatch goroutine; the sink must not block for extended
// periods. All exported methods are safe for concurrent use.
type MediaScheduler struct {
	sink func(*protocol.ServerEvent) error

	mu      sync.Mutex
	inbox   []*protocol.ServerEvent
	closed  bool
	failed  bool
	finish  bool
	metrics *observe.Metrics

	// Owned by the dispatch goroutine.
	pending       []*protocol.ServerEvent
	audioFinished time.Time
	audioFormat   *audio.Format

	maxBuffered time.Duration
	fullWakeup  time.Duration

	notify   chan struct{} // signalled when inbox gains events or state changes
	done     chan struct{} // closed by Close to stop the dispatch goroutine
	loopDone chan struct{} // closed when the dispatch goroutine exits
}

// NewScheduler creates a MediaScheduler delivering events to sink and starts
// its dispatch goroutine. Stop it with [MediaScheduler.Finish] once no more
// events will arrive, or [MediaScheduler.Close] to drop whatever is queued.
func NewScheduler(sink func(*protocol.ServerEvent) error, opts ...SchedulerOption) *MediaScheduler {
	s := &MediaScheduler{
		sink:        sink,
		maxBuffered: MaxBufferedAudio,
		fullWakeup:  FullBufferWakeup,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

// Process hands one routed server event to the scheduler.
func (s *MediaScheduler) Process(ev *protocol.ServerEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inbox = append(s.inbox, ev)
	s.mu.Unlock()
	s.wake()
	return nil
}

// Finish tells the scheduler that no further events will arrive. The dispatch
// goroutine paces out whatever is still queued, then exits. Events from other
// conversations redirected here after that fail with ErrSchedulerClosed.
func (s *MediaScheduler) Finish() {
	s.mu.Lock()
	s.finish = true
	s.mu.Unlock()
	s.wake()
}

// Close stops the dispatch goroutine, dropping queued media, and waits for it
// to exit. Control events already handed to Process are still forwarded on
// the way out, so terminal events survive a teardown. Idempotent.
func (s *MediaScheduler) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.done)
	}
	<-s.loopDone
	return nil
}

// Done is closed once the dispatch goroutine has exited, whether through
// Finish draining out or Close.
func (s *MediaScheduler) Done() <-chan struct{} {
	return s.loopDone
}

func (s *MediaScheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run is the dispatch goroutine: it pulls arrivals from the inbox, forwards
// control events, queues media events and drains the queue against the
// playback clock, sleeping until the computed wakeup when throttled.
func (s *MediaScheduler) run() {
	defer close(s.loopDone)

	// Reusable timer for pacing waits.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.intake()
		wakeup := s.drain()

		s.mu.Lock()
		if s.failed {
			s.closed = true
			s.mu.Unlock()
			return
		}
		if len(s.inbox) > 0 {
			s.mu.Unlock()
			continue
		}
		if s.finish && len(s.pending) == 0 {
			s.closed = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if wakeup <= 0 {
			select {
			case <-s.done:
				s.intake()
				return
			case <-s.notify:
			}
			continue
		}
		timer.Reset(wakeup)
		select {
		case <-s.done:
			if !timer.Stop() {
				<-timer.C
			}
			s.intake()
			return
		case <-s.notify:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// intake moves arrived events out of the inbox: control events dispatch
// immediately, clearAudio drops queued audio and resets the clock, media
// events append to the pending queue.
func (s *MediaScheduler) intake() {
	s.mu.Lock()
	batch := s.inbox
	s.inbox = nil
	failed := s.failed
	s.mu.Unlock()
	if failed {
		return
	}

	for _, ev := range batch {
		if !ev.IsMedia() {
			if ev.Type == protocol.ServerTypeStarted {
				s.captureFormat(ev)
			}
			if !s.dispatch(ev) {
				return
			}
			continue
		}
		if ev.Type == protocol.ServerTypeClearAudio {
			s.clearQueuedAudio(ev.ID)
		}
		s.pending = append(s.pending, ev)
	}
}

// captureFormat records the single audio output format from the started
// event. The format is the pacing reference; without it audio is dropped.
func (s *MediaScheduler) captureFormat(ev *protocol.ServerEvent) {
	audioCount := 0
	for _, m := range ev.OutputModalities {
		if m.Kind == protocol.ModalityAudio {
			audioCount++
		}
	}
	if audioCount == 0 {
		return
	}
	if audioCount > 1 {
		slog.Error("scheduler: started event declares more than one audio output",
			"conversation_id", ev.ID, "count", audioCount)
		return
	}
	if s.audioFormat != nil {
		slog.Error("scheduler: audio output format declared twice",
			"conversation_id", ev.ID)
		return
	}
	format, _ := protocol.AudioOutput(ev.OutputModalities)
	s.audioFormat = &format
}

// clearQueuedAudio drops every queued audio event and resets the playback
// clock to now. Queued non-audio media stays, so captions that were enqueued
// before the flush still reach the client, now unblocked by the reset clock.
func (s *MediaScheduler) clearQueuedAudio(id string) {
	kept := s.pending[:0]
	dropped := 0
	for _, ev := range s.pending {
		if ev.Type == protocol.ServerTypeAudio {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	s.pending = kept
	s.audioFinished = time.Now()
	if dropped > 0 {
		slog.Debug("scheduler: clearAudio dropped queued audio",
			"conversation_id", id, "dropped", dropped)
	}
}

// drain dispatches queue-head events until the queue empties or pacing blocks.
// Returns how long to sleep before re-checking, 0 when there is nothing to
// wait for.
func (s *MediaScheduler) drain() time.Duration {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed {
		return 0
	}

	for len(s.pending) > 0 {
		now := time.Now()
		if s.audioFinished.Before(now) {
			s.audioFinished = now
		}

		head := s.pending[0]
		if head.Type == protocol.ServerTypeAudio {
			if s.audioFormat == nil {
				slog.Warn("scheduler: dropping audio that arrived before a started event declared the output format",
					"conversation_id", head.ID, "bytes", len(head.Samples))
				s.pending = s.pending[1:]
				continue
			}
			if s.audioFinished.Sub(now) >= s.maxBuffered {
				if s.metrics != nil {
					s.metrics.SchedulerThrottles.Add(context.Background(), 1)
				}
				return s.fullWakeup
			}
			dur := head.AudioDuration()
			if !s.dispatch(head) {
				return 0
			}
			s.audioFinished = s.audioFinished.Add(dur)
			if s.metrics != nil {
				s.metrics.PacedAudioSeconds.Add(context.Background(), dur.Seconds())
			}
			s.pending = s.pending[1:]
			continue
		}

		// Non-audio media waits until the audio it was enqueued behind has
		// virtually played out.
		if now.Before(s.audioFinished) {
			return s.audioFinished.Sub(now)
		}
		if !s.dispatch(head) {
			return 0
		}
		s.pending = s.pending[1:]
	}
	return 0
}

// dispatch delivers one event to the sink. A sink failure stops the
// scheduler: the transport is gone, pacing the rest is pointless.
func (s *MediaScheduler) dispatch(ev *protocol.ServerEvent) bool {
	if err := s.sink(ev); err != nil {
		slog.Warn("scheduler: sink rejected event, stopping",
			"conversation_id", ev.ID, "kind", ev.Type, "err", err)
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordEventDispatched(context.Background(), ev.Type)
	}
	return true
}
