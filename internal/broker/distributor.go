package broker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/audioknife/audioknife/pkg/protocol"
)

// ErrUnknownConversation is returned when an event references a conversation
// id with no registered sink.
var ErrUnknownConversation = errors.New("broker: unknown conversation")

// EventSink consumes routed server events for one conversation.
type EventSink interface {
	Process(ev *protocol.ServerEvent) error
}

// Distributor routes server events to per-conversation sinks. Lifecycle and
// control events (started, stopped, error, requestCompleted, service,
// billingRecords) always go to the sink registered for the event's own
// conversation id, so the client can track every conversation it opened.
// Media events (audio, clearAudio, text) follow the redirect table when an
// entry exists, letting one conversation's output feed another's consumer
// without the client relaying frames.
type Distributor struct {
	mu        sync.Mutex
	sinks     map[string]EventSink
	redirects map[string]string // source conversation id -> target id
}

// NewDistributor creates an empty Distributor.
func NewDistributor() *Distributor {
	return &Distributor{
		sinks:     make(map[string]EventSink),
		redirects: make(map[string]string),
	}
}

// Add registers a sink for the conversation id. Ids are single-use per
// connection; re-registering one is rejected.
func (d *Distributor) Add(id string, sink EventSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[id]; ok {
		return fmt.Errorf("broker: conversation %q already registered", id)
	}
	d.sinks[id] = sink
	return nil
}

// Remove unregisters the conversation's sink and its own redirect entry.
// Redirects held by other conversations that point at id are kept; their
// media dispatches fail until those conversations clear or retarget them.
func (d *Distributor) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, id)
	delete(d.redirects, id)
}

// SetRedirect routes src's future media events to dst's sink. Both
// conversations must currently be registered.
func (d *Distributor) SetRedirect(src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[src]; !ok {
		return fmt.Errorf("%w: redirect source %q", ErrUnknownConversation, src)
	}
	if _, ok := d.sinks[dst]; !ok {
		return fmt.Errorf("%w: redirect target %q", ErrUnknownConversation, dst)
	}
	d.redirects[src] = dst
	return nil
}

// ClearRedirect restores src's media events to its own sink.
func (d *Distributor) ClearRedirect(src string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.redirects, src)
}

// Dispatch routes one server event to the sink chosen by the event's
// conversation id, the event's kind and the redirect table.
func (d *Distributor) Dispatch(ev *protocol.ServerEvent) error {
	d.mu.Lock()
	target := ev.ID
	redirected := false
	if dst, ok := d.redirects[ev.ID]; ok && ev.IsMedia() {
		target = dst
		redirected = true
	}
	sink, ok := d.sinks[target]
	d.mu.Unlock()

	if !ok {
		if redirected {
			return fmt.Errorf("%w: redirect target %q for source %q", ErrUnknownConversation, target, ev.ID)
		}
		return fmt.Errorf("%w: %q", ErrUnknownConversation, ev.ID)
	}
	if err := sink.Process(ev); err != nil {
		return fmt.Errorf("broker: deliver %s event for conversation %q: %w", ev.Type, ev.ID, err)
	}
	return nil
}
