package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
	"github.com/coder/websocket"
)

// ── In-process Realtime server ─────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server speaking Realtime
// events. The handler receives the accepted conn. The server is closed when
// the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readEvent reads one client event and decodes it into a generic map.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readEvent: %v", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("readEvent unmarshal: %v", err)
	}
	return evt
}

// sendEvent marshals v and sends it as a server event.
func sendEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("sendEvent: %v (may be expected on close)", err)
	}
}

// eventType returns the type field of a decoded event.
func eventType(evt map[string]any) string {
	s, _ := evt["type"].(string)
	return s
}

// eventString digs a string field out of a decoded event, descending into
// nested objects along the way.
func eventString(t *testing.T, evt map[string]any, path ...string) string {
	t.Helper()
	node := evt
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			t.Fatalf("event has no object at %q: %v", key, evt)
		}
		node = next
	}
	s, _ := node[path[len(path)-1]].(string)
	return s
}

// ── Conversation scaffolding ───────────────────────────────────────────────────

// newConversation wires a conversation to fresh channels without a broker.
// The output channel is large enough that adapters never see backpressure.
func newConversation(service string, input protocol.InputModality, outputs []protocol.OutputModality) (*conversation.Conversation, chan conversation.Input, chan conversation.Output) {
	in := make(chan conversation.Input, 8)
	out := make(chan conversation.Output, 64)
	conv := conversation.New(conversation.Config{
		Service:          service,
		InputModality:    input,
		OutputModalities: outputs,
		Input:            in,
		Output:           out,
	})
	return conv, in, out
}

func audioIn(rate int) protocol.InputModality {
	return protocol.InputModality{Kind: protocol.ModalityAudio, Channels: 1, SampleRate: rate}
}

func textIn() protocol.InputModality {
	return protocol.InputModality{Kind: protocol.ModalityText}
}

func audioOut(rate int) []protocol.OutputModality {
	return []protocol.OutputModality{{Kind: protocol.ModalityAudio, Channels: 1, SampleRate: rate}}
}

// dialogOut declares a dialog's 24 kHz audio output plus optional reply text
// modalities.
func dialogOut(text, interim bool) []protocol.OutputModality {
	mods := audioOut(24000)
	if text {
		mods = append(mods, protocol.OutputModality{Kind: protocol.ModalityText})
	}
	if interim {
		mods = append(mods, protocol.OutputModality{Kind: protocol.ModalityInterimText})
	}
	return mods
}

// recvOutput waits for the next output the adapter posts.
func recvOutput(t *testing.T, out <-chan conversation.Output) conversation.Output {
	t.Helper()
	select {
	case o, ok := <-out:
		if !ok {
			t.Fatal("output channel closed")
		}
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for output")
	}
	return nil
}

// recvText waits for the next text output and asserts its content and interim
// flag.
func recvText(t *testing.T, out <-chan conversation.Output, content string, interim bool) {
	t.Helper()
	o := recvOutput(t, out)
	text, ok := o.(conversation.OutputText)
	if !ok {
		t.Fatalf("output = %T, want OutputText", o)
	}
	if text.Content != content {
		t.Errorf("text content = %q, want %q", text.Content, content)
	}
	if text.Interim != interim {
		t.Errorf("text interim = %v, want %v", text.Interim, interim)
	}
}

// waitServe asserts the Serve goroutine returns within the deadline.
func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
		return nil
	}
}
