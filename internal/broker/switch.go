package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audioknife/audioknife/internal/observe"
	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/billing"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

const (
	// DefaultStopGrace is how long a stopped conversation may keep draining
	// provider output before its context is cancelled.
	DefaultStopGrace = time.Second

	// DefaultInputBuffer is the per-conversation input channel capacity.
	// Sized for roughly five seconds of 20ms audio frames.
	DefaultInputBuffer = 256

	// DefaultOutputBuffer is the per-conversation output channel capacity.
	// Small: the scheduler pulls continuously, a full channel means the
	// dispatch path is stuck.
	DefaultOutputBuffer = 32
)

// ErrInputFull is returned when a conversation's input buffer has no room and
// the frame was dropped.
var ErrInputFull = errors.New("broker: conversation input buffer full")

// ReportSink persists billing reports collected at the end of a conversation.
// Implemented by the postgres report store; nil disables persistence.
type ReportSink interface {
	SaveReports(ctx context.Context, billingID string, reports []billing.Report) error
}

// SwitchConfig holds the dependencies for a [Switch]. Registry and Sink must
// be set; everything else has a working zero value.
type SwitchConfig struct {
	// Registry resolves service names from start events to adapters.
	Registry *conversation.Registry

	// Sink writes one server event to the client transport. Called from
	// multiple scheduler goroutines; must be safe for concurrent use.
	Sink func(*protocol.ServerEvent) error

	// Collector aggregates billing records for conversations started with a
	// billing id. Nil sends all records inband instead.
	Collector *billing.Collector

	// Reports receives collected billing reports for persistence.
	Reports ReportSink

	// StopGrace bounds provider drain time after a stop. 0 means
	// DefaultStopGrace.
	StopGrace time.Duration

	// InputBuffer and OutputBuffer size the per-conversation channels.
	// 0 means the package defaults.
	InputBuffer  int
	OutputBuffer int

	// Metrics instruments the switch and its schedulers. Nil disables them.
	Metrics *observe.Metrics
}

// Switch is the per-connection conversation multiplexer. It spawns a
// conversation task per start event, routes subsequent client events to the
// task's input channel, converts adapter outputs to server events and
// guarantees each conversation ends in exactly one terminal event, stopped or
// error, with its billing reports emitted first.
//
// All exported methods are safe for concurrent use, though a connection
// usually drives Process from a single read loop.
type Switch struct {
	registry  *conversation.Registry
	dist      *Distributor
	sink      func(*protocol.ServerEvent) error
	collector *billing.Collector
	reports   ReportSink
	grace     time.Duration
	inputCap  int
	outputCap int
	metrics   *observe.Metrics

	mu     sync.Mutex
	convs  map[string]*activeConversation
	seq    uint64
	closed bool

	wg sync.WaitGroup
}

// activeConversation is the switch-side state of one running conversation
// task. in, inClosed and failErr are guarded by the switch mutex; the rest is
// written once at start.
type activeConversation struct {
	id            string
	service       string
	billingID     string
	seq           uint64
	inputModality protocol.InputModality
	inputFormat   *audio.Format // nil for text input
	startedAt     time.Time

	in       chan conversation.Input
	inClosed bool
	failErr  error // first protocol violation, becomes the terminal error

	cancel context.CancelFunc
	sched  *MediaScheduler
	done   chan struct{} // closed when the conversation task has fully finished

	terminalOnce sync.Once
}

// NewSwitch creates a Switch with the given dependencies.
func NewSwitch(cfg SwitchConfig) *Switch {
	s := &Switch{
		registry:  cfg.Registry,
		dist:      NewDistributor(),
		sink:      cfg.Sink,
		collector: cfg.Collector,
		reports:   cfg.Reports,
		grace:     cfg.StopGrace,
		inputCap:  cfg.InputBuffer,
		outputCap: cfg.OutputBuffer,
		metrics:   cfg.Metrics,
		convs:     make(map[string]*activeConversation),
	}
	if s.grace <= 0 {
		s.grace = DefaultStopGrace
	}
	if s.inputCap <= 0 {
		s.inputCap = DefaultInputBuffer
	}
	if s.outputCap <= 0 {
		s.outputCap = DefaultOutputBuffer
	}
	return s
}

// Process routes one client event. Failures that concern a conversation are
// reported to the client as error events by the switch itself; the returned
// error is for connection-level logging only. ctx is the connection context
// and parents every conversation started through it.
func (s *Switch) Process(ctx context.Context, ev *protocol.ClientEvent) error {
	if err := ev.Validate(); err != nil {
		if ev.ID != "" {
			s.emitError(ev.ID, err.Error())
		}
		return err
	}
	switch ev.Type {
	case protocol.ClientTypeStart:
		return s.handleStart(ctx, ev)
	case protocol.ClientTypeStop:
		return s.handleStop(ev)
	case protocol.ClientTypeAudio:
		return s.handleAudio(ev)
	case protocol.ClientTypeText:
		return s.handleText(ev)
	case protocol.ClientTypeServiceEvent:
		return s.handleServiceEvent(ev)
	default:
		// Validate rejects unknown types already.
		return fmt.Errorf("broker: unhandled client event type %q", ev.Type)
	}
}

func (s *Switch) handleStart(ctx context.Context, ev *protocol.ClientEvent) error {
	svc, err := s.registry.Service(ev.Service)
	if err != nil {
		s.emitError(ev.ID, err.Error())
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("broker: start %q: switch closed", ev.ID)
	}
	if _, ok := s.convs[ev.ID]; ok {
		s.mu.Unlock()
		err := fmt.Errorf("broker: conversation %q already exists", ev.ID)
		s.emitError(ev.ID, err.Error())
		return err
	}

	in := make(chan conversation.Input, s.inputCap)
	out := make(chan conversation.Output, s.outputCap)
	convCtx, cancel := context.WithCancel(ctx)

	var bctx *conversation.BillingContext
	if ev.BillingID != "" && s.collector != nil {
		bctx = &conversation.BillingContext{ID: ev.BillingID, Service: ev.Service, Collector: s.collector}
	}

	conv := conversation.New(conversation.Config{
		Registry:         s.registry,
		Service:          ev.Service,
		InputModality:    *ev.InputModality,
		OutputModalities: ev.OutputModalities,
		Input:            in,
		Output:           out,
		EmitStarted:      true,
		Billing:          bctx,
	})

	sched := NewScheduler(s.sink, WithSchedulerMetrics(s.metrics))

	s.seq++
	ac := &activeConversation{
		id:            ev.ID,
		service:       ev.Service,
		billingID:     ev.BillingID,
		seq:           s.seq,
		inputModality: *ev.InputModality,
		startedAt:     time.Now(),
		in:            in,
		cancel:        cancel,
		sched:         sched,
		done:          make(chan struct{}),
	}
	if ev.InputModality.Kind == protocol.ModalityAudio {
		format := ev.InputModality.Format()
		ac.inputFormat = &format
	}
	s.convs[ev.ID] = ac
	if err := s.dist.Add(ev.ID, sched); err != nil {
		delete(s.convs, ev.ID)
		s.mu.Unlock()
		cancel()
		_ = sched.Close()
		s.emitError(ev.ID, err.Error())
		return err
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveConversations.Add(context.Background(), 1)
	}
	slog.Info("conversation started",
		"conversation_id", ev.ID,
		"service", ev.Service,
		"input", ev.InputModality.Kind,
		"billing_id", ev.BillingID,
	)

	pumpDone := make(chan struct{})
	s.wg.Add(2)
	go s.pumpOutputs(ac, out, pumpDone)
	go s.runConversation(convCtx, ac, svc, ev.Params, conv, out, pumpDone)
	return nil
}

// runConversation drives one adapter from start to terminal event.
func (s *Switch) runConversation(ctx context.Context, ac *activeConversation, svc conversation.Service, params json.RawMessage, conv *conversation.Conversation, out chan conversation.Output, pumpDone chan struct{}) {
	defer s.wg.Done()

	serveErr := serveAdapter(ctx, ac, svc, params, conv)
	if err := conv.Finish(); err != nil {
		slog.Warn("billing flush failed", "conversation_id", ac.id, "err", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	close(out)
	<-pumpDone

	s.finishConversation(ac, serveErr)
	close(ac.done)
}

// serveAdapter calls the adapter, converting a panic into an error so one
// misbehaving provider integration cannot take down the whole connection.
func serveAdapter(ctx context.Context, ac *activeConversation, svc conversation.Service, params json.RawMessage, conv *conversation.Conversation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("adapter panicked",
				"conversation_id", ac.id, "service", ac.service, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return svc.Serve(ctx, params, conv)
}

// finishConversation emits the conversation's billing reports and its single
// terminal event, then tears the task state down. Safe to call from both the
// task goroutine and the stop-grace watcher; only the first call acts.
func (s *Switch) finishConversation(ac *activeConversation, serveErr error) {
	ac.terminalOnce.Do(func() {
		s.mu.Lock()
		cause := ac.failErr
		s.mu.Unlock()

		var terminal *protocol.ServerEvent
		reason := "stopped"
		switch {
		case cause != nil:
			terminal = protocol.ErrorEvent(ac.id, cause.Error())
			reason = "error"
		case serveErr == nil,
			errors.Is(serveErr, context.Canceled),
			errors.Is(serveErr, context.DeadlineExceeded):
			terminal = protocol.Stopped(ac.id)
		default:
			terminal = protocol.ErrorEvent(ac.id, serveErr.Error())
			reason = "error"
		}

		s.emitBillingReports(ac)

		if err := s.dist.Dispatch(terminal); err != nil {
			slog.Warn("terminal event undeliverable",
				"conversation_id", ac.id, "kind", terminal.Type, "err", err)
		}

		s.mu.Lock()
		delete(s.convs, ac.id)
		if !ac.inClosed {
			ac.inClosed = true
			close(ac.in)
		}
		s.mu.Unlock()

		s.dist.Remove(ac.id)
		ac.sched.Finish()
		ac.cancel()

		if s.metrics != nil {
			s.metrics.RecordConversationEnd(context.Background(),
				ac.service, reason, time.Since(ac.startedAt).Seconds())
		}
		slog.Info("conversation finished",
			"conversation_id", ac.id,
			"service", ac.service,
			"terminal", reason,
			"duration", time.Since(ac.startedAt),
		)
	})
}

// emitBillingReports drains the conversation's billing bucket into
// billingRecords events and, when a report sink is configured, persists them.
// Runs before the terminal event so clients can bill on stopped/error.
func (s *Switch) emitBillingReports(ac *activeConversation) {
	if s.collector == nil || ac.billingID == "" {
		return
	}
	reports := s.collector.Collect(ac.billingID)
	if len(reports) == 0 {
		return
	}

	for _, rep := range reports {
		ev := protocol.BillingRecords(ac.id, "", rep.Service, rep.Scope, rep.Records)
		if err := s.dist.Dispatch(ev); err != nil {
			slog.Warn("billing records undeliverable",
				"conversation_id", ac.id, "service", rep.Service, "err", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordBillingReports(context.Background(), "client", int64(len(reports)))
	}

	if s.reports == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.reports.SaveReports(ctx, ac.billingID, reports); err != nil {
		slog.Warn("billing reports not persisted",
			"conversation_id", ac.id, "billing_id", ac.billingID, "err", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordBillingReports(context.Background(), "postgres", int64(len(reports)))
	}
}

func (s *Switch) handleStop(ev *protocol.ClientEvent) error {
	s.mu.Lock()
	ac, ok := s.convs[ev.ID]
	s.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: stop %q", ErrUnknownConversation, ev.ID)
		s.emitError(ev.ID, err.Error())
		return err
	}
	s.stopConversation(ac)
	return nil
}

// stopConversation closes the conversation's input and arms the grace
// watcher: an adapter that does not wind down within the grace period gets
// cancelled and its terminal event is posted without further waiting.
func (s *Switch) stopConversation(ac *activeConversation) {
	s.mu.Lock()
	if !ac.inClosed {
		ac.inClosed = true
		close(ac.in)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-ac.done:
		case <-timer.C:
			slog.Warn("adapter ignored stop, cancelling",
				"conversation_id", ac.id, "service", ac.service, "grace", s.grace)
			ac.cancel()
			s.finishConversation(ac, nil)
		}
	}()
}

// failConversation records the protocol violation that will become the
// terminal error event and stops the conversation. The first failure wins.
func (s *Switch) failConversation(ac *activeConversation, cause error) {
	s.mu.Lock()
	if ac.failErr == nil {
		ac.failErr = cause
	}
	s.mu.Unlock()
	s.stopConversation(ac)
}

func (s *Switch) handleAudio(ev *protocol.ClientEvent) error {
	s.mu.Lock()
	ac, ok := s.convs[ev.ID]
	s.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: audio for %q", ErrUnknownConversation, ev.ID)
		s.emitError(ev.ID, err.Error())
		return err
	}
	if ac.inputFormat == nil {
		err := fmt.Errorf("broker: conversation %q does not accept audio input", ev.ID)
		s.failConversation(ac, err)
		return err
	}
	return s.sendInput(ac, conversation.InputAudio{
		Frame: audio.Frame{Format: *ac.inputFormat, Data: ev.Samples},
	})
}

func (s *Switch) handleText(ev *protocol.ClientEvent) error {
	s.mu.Lock()
	ac, ok := s.convs[ev.ID]
	s.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: text for %q", ErrUnknownConversation, ev.ID)
		s.emitError(ev.ID, err.Error())
		return err
	}
	if ac.inputModality.Kind != protocol.ModalityText {
		err := fmt.Errorf("broker: conversation %q does not accept text input", ev.ID)
		s.failConversation(ac, err)
		return err
	}
	textType := ev.TextType
	if textType == "" {
		textType = protocol.TextPlain
	}
	return s.sendInput(ac, conversation.InputText{
		Content:   ev.Content,
		RequestID: ev.RequestID,
		TextType:  textType,
	})
}

func (s *Switch) handleServiceEvent(ev *protocol.ClientEvent) error {
	s.mu.Lock()
	ac, ok := s.convs[ev.ID]
	s.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: serviceEvent for %q", ErrUnknownConversation, ev.ID)
		s.emitError(ev.ID, err.Error())
		return err
	}
	return s.sendInput(ac, conversation.InputService{Value: ev.Value})
}

// sendInput delivers one input without blocking the connection read loop.
// Inputs racing a stop are dropped silently, buffer-full drops return
// ErrInputFull for the caller to log. Neither produces an error event: the
// conversation itself is healthy.
func (s *Switch) sendInput(ac *activeConversation, in conversation.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ac.inClosed {
		if s.metrics != nil {
			s.metrics.RecordInputDrop(context.Background(), "stopping")
		}
		slog.Debug("input after stop dropped", "conversation_id", ac.id)
		return nil
	}
	select {
	case ac.in <- in:
		return nil
	default:
	}
	if s.metrics != nil {
		s.metrics.RecordInputDrop(context.Background(), "buffer_full")
	}
	slog.Warn("input buffer full, dropping",
		"conversation_id", ac.id, "service", ac.service)
	return fmt.Errorf("%w: conversation %q", ErrInputFull, ac.id)
}

// BroadcastAudio fans one binary audio frame out to the active audio
// conversations. The input format of the most recently started audio
// conversation designates the frame's format; conversations declared with a
// different format are skipped. Frames arriving while no audio conversation
// is active are dropped. Per-conversation delivery failures are logged, never
// propagated: binary frames carry no conversation id to report against.
func (s *Switch) BroadcastAudio(samples []byte) {
	s.mu.Lock()
	var designated *activeConversation
	for _, ac := range s.convs {
		if ac.inputFormat == nil || ac.inClosed {
			continue
		}
		if designated == nil || ac.seq > designated.seq {
			designated = ac
		}
	}
	if designated == nil {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordInputDrop(context.Background(), "no_audio_conversation")
		}
		slog.Debug("broadcast audio dropped, no audio conversation active", "bytes", len(samples))
		return
	}
	format := *designated.inputFormat
	targets := make([]*activeConversation, 0, len(s.convs))
	for _, ac := range s.convs {
		if ac.inputFormat != nil && !ac.inClosed && *ac.inputFormat == format {
			targets = append(targets, ac)
		}
	}
	s.mu.Unlock()

	for _, ac := range targets {
		// Each conversation gets its own copy; adapters hold frames across
		// channel boundaries.
		buf := make([]byte, len(samples))
		copy(buf, samples)
		_ = s.sendInput(ac, conversation.InputAudio{
			Frame: audio.Frame{Format: format, Data: buf},
		})
	}
}

// SetRedirect routes src's media output into dst's delivery queue. Both
// conversations must be active.
func (s *Switch) SetRedirect(src, dst string) error {
	return s.dist.SetRedirect(src, dst)
}

// ClearRedirect restores src's media output to its own delivery queue.
func (s *Switch) ClearRedirect(src string) {
	s.dist.ClearRedirect(src)
}

// Active returns the number of running conversation tasks.
func (s *Switch) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// Close stops every conversation and waits for their tasks to end, at most
// until ctx is done. Meant for connection teardown: the client is gone, so
// schedulers are closed without pacing out their queues.
func (s *Switch) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	snapshot := make([]*activeConversation, 0, len(s.convs))
	for _, ac := range s.convs {
		snapshot = append(snapshot, ac)
		if !ac.inClosed {
			ac.inClosed = true
			close(ac.in)
		}
	}
	s.mu.Unlock()

	for _, ac := range snapshot {
		ac.cancel()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("broker: close: %w", ctx.Err())
	}

	for _, ac := range snapshot {
		_ = ac.sched.Close()
	}
	return err
}

// pumpOutputs converts adapter outputs to server events and hands them to the
// distributor. Runs until the conversation task closes the output channel.
func (s *Switch) pumpOutputs(ac *activeConversation, out <-chan conversation.Output, pumpDone chan struct{}) {
	defer s.wg.Done()
	defer close(pumpDone)
	for o := range out {
		ev := outputEvent(ac.id, o)
		if ev == nil {
			continue
		}
		if err := s.dist.Dispatch(ev); err != nil {
			slog.Warn("output event undeliverable",
				"conversation_id", ac.id, "kind", ev.Type, "err", err)
		}
	}
}

// outputEvent converts one adapter output to its server event.
func outputEvent(id string, o conversation.Output) *protocol.ServerEvent {
	switch o := o.(type) {
	case conversation.OutputStarted:
		return protocol.Started(id, o.Modalities)
	case conversation.OutputAudio:
		return protocol.Audio(id, o.Frame)
	case conversation.OutputClearAudio:
		return protocol.ClearAudio(id)
	case conversation.OutputText:
		ev := protocol.Text(id, o.Content, o.Interim)
		ev.RequestID = o.RequestID
		return ev
	case conversation.OutputRequestCompleted:
		return protocol.RequestCompleted(id, o.RequestID)
	case conversation.OutputService:
		return protocol.ServiceEvent(id, o.Value)
	case conversation.OutputBillingRecords:
		return protocol.BillingRecords(id, o.RequestID, o.Service, o.Scope, o.Records)
	default:
		slog.Error("unhandled conversation output", "conversation_id", id, "type", fmt.Sprintf("%T", o))
		return nil
	}
}

// emitError reports a failure that has no conversation task to carry it, a
// start that never got off the ground or an event for an unknown id. Writes
// straight to the sink: the distributor has no entry to route by.
func (s *Switch) emitError(id, message string) {
	if err := s.sink(protocol.ErrorEvent(id, message)); err != nil {
		slog.Warn("error event undeliverable", "conversation_id", id, "err", err)
	}
}
