package broker_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/audioknife/audioknife/internal/broker"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// recordingSink implements broker.EventSink by appending events to a slice.
type recordingSink struct {
	mu     sync.Mutex
	events []*protocol.ServerEvent
	err    error // returned by Process when set
}

func (r *recordingSink) Process(ev *protocol.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) got() []*protocol.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.ServerEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestDispatchRoutesByConversationID(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	a, b := &recordingSink{}, &recordingSink{}
	if err := d.Add("a", a); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if err := d.Add("b", b); err != nil {
		t.Fatalf("Add(b): %v", err)
	}

	if err := d.Dispatch(protocol.Text("a", "for a", false)); err != nil {
		t.Fatalf("Dispatch to a: %v", err)
	}
	if err := d.Dispatch(protocol.Stopped("b")); err != nil {
		t.Fatalf("Dispatch to b: %v", err)
	}

	if n := len(a.got()); n != 1 {
		t.Errorf("sink a received %d events, want 1", n)
	}
	if evs := b.got(); len(evs) != 1 || evs[0].Type != protocol.ServerTypeStopped {
		t.Errorf("sink b received %v, want one stopped event", kinds(evs))
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	if err := d.Add("a", &recordingSink{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.Add("a", &recordingSink{}); err == nil {
		t.Fatal("second Add with the same id succeeded, want error")
	}
}

func TestDispatchUnknownConversation(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	err := d.Dispatch(protocol.Text("ghost", "x", false))
	if !errors.Is(err, broker.ErrUnknownConversation) {
		t.Fatalf("Dispatch = %v, want ErrUnknownConversation", err)
	}
}

func TestRedirectMovesMediaOnly(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	src, dst := &recordingSink{}, &recordingSink{}
	if err := d.Add("src", src); err != nil {
		t.Fatalf("Add(src): %v", err)
	}
	if err := d.Add("dst", dst); err != nil {
		t.Fatalf("Add(dst): %v", err)
	}
	if err := d.SetRedirect("src", "dst"); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}

	// Media follows the redirect.
	for _, ev := range []*protocol.ServerEvent{
		audioEvent("src", 20*time.Millisecond),
		protocol.ClearAudio("src"),
		protocol.Text("src", "hello", false),
	} {
		if err := d.Dispatch(ev); err != nil {
			t.Fatalf("Dispatch(%s): %v", ev.Type, err)
		}
	}
	// Lifecycle and control events stay with the source.
	for _, ev := range []*protocol.ServerEvent{
		startedEvent("src"),
		protocol.RequestCompleted("src", "r1"),
		protocol.ServiceEvent("src", []byte(`{}`)),
		protocol.Stopped("src"),
	} {
		if err := d.Dispatch(ev); err != nil {
			t.Fatalf("Dispatch(%s): %v", ev.Type, err)
		}
	}

	assertKinds(t, dst.got(), "audio", "clearAudio", "text")
	assertKinds(t, src.got(), "started", "requestCompleted", "service", "stopped")
}

func TestClearRedirectRestoresOwnSink(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	src, dst := &recordingSink{}, &recordingSink{}
	if err := d.Add("src", src); err != nil {
		t.Fatalf("Add(src): %v", err)
	}
	if err := d.Add("dst", dst); err != nil {
		t.Fatalf("Add(dst): %v", err)
	}
	if err := d.SetRedirect("src", "dst"); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}
	d.ClearRedirect("src")

	if err := d.Dispatch(protocol.Text("src", "home again", false)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := len(dst.got()); n != 0 {
		t.Errorf("redirect target received %d events after ClearRedirect, want 0", n)
	}
	if n := len(src.got()); n != 1 {
		t.Errorf("source received %d events, want 1", n)
	}
}

func TestSetRedirectRequiresBothConversations(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	if err := d.Add("src", &recordingSink{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.SetRedirect("src", "missing"); !errors.Is(err, broker.ErrUnknownConversation) {
		t.Errorf("SetRedirect to missing target = %v, want ErrUnknownConversation", err)
	}
	if err := d.SetRedirect("missing", "src"); !errors.Is(err, broker.ErrUnknownConversation) {
		t.Errorf("SetRedirect from missing source = %v, want ErrUnknownConversation", err)
	}
}

func TestDanglingRedirectFailsMediaKeepsControl(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	src, dst := &recordingSink{}, &recordingSink{}
	if err := d.Add("src", src); err != nil {
		t.Fatalf("Add(src): %v", err)
	}
	if err := d.Add("dst", dst); err != nil {
		t.Fatalf("Add(dst): %v", err)
	}
	if err := d.SetRedirect("src", "dst"); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}

	// The target goes away; the redirect entry survives and dangles.
	d.Remove("dst")

	err := d.Dispatch(protocol.Text("src", "lost", false))
	if !errors.Is(err, broker.ErrUnknownConversation) {
		t.Fatalf("media Dispatch through dangling redirect = %v, want ErrUnknownConversation", err)
	}
	if err := d.Dispatch(protocol.Stopped("src")); err != nil {
		t.Fatalf("control Dispatch: %v", err)
	}
	assertKinds(t, src.got(), "stopped")
}

func TestRemoveDropsOwnRedirect(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	src, dst := &recordingSink{}, &recordingSink{}
	if err := d.Add("src", src); err != nil {
		t.Fatalf("Add(src): %v", err)
	}
	if err := d.Add("dst", dst); err != nil {
		t.Fatalf("Add(dst): %v", err)
	}
	if err := d.SetRedirect("src", "dst"); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}

	// A later conversation reusing the id must not inherit the redirect.
	d.Remove("src")
	fresh := &recordingSink{}
	if err := d.Add("src", fresh); err != nil {
		t.Fatalf("re-Add(src): %v", err)
	}

	if err := d.Dispatch(protocol.Text("src", "own events", false)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := len(fresh.got()); n != 1 {
		t.Errorf("fresh sink received %d events, want 1", n)
	}
	if n := len(dst.got()); n != 0 {
		t.Errorf("old redirect target received %d events, want 0", n)
	}
}

func TestDispatchWrapsSinkError(t *testing.T) {
	t.Parallel()

	d := broker.NewDistributor()
	boom := errors.New("sink blew up")
	if err := d.Add("a", &recordingSink{err: boom}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.Dispatch(protocol.Stopped("a")); !errors.Is(err, boom) {
		t.Fatalf("Dispatch = %v, want wrapped sink error", err)
	}
}
