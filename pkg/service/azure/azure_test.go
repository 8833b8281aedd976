package azure_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
	"github.com/coder/websocket"
)

// ── In-process Speech server ───────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startSpeechServer launches a test WebSocket server speaking the Speech wire
// protocol. The handler receives the accepted conn. The server is closed when
// the test finishes.
func startSpeechServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// readFrame reads one WebSocket frame from the adapter.
func readFrame(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return typ, data
}

// framePath extracts the Path header from a raw header block.
func framePath(t *testing.T, head string) string {
	t.Helper()
	for _, line := range strings.Split(head, "\r\n") {
		name, value, _ := strings.Cut(line, ":")
		if strings.EqualFold(strings.TrimSpace(name), "Path") {
			return strings.TrimSpace(value)
		}
	}
	t.Fatalf("frame without Path header: %q", head)
	return ""
}

// splitText returns the Path header and body of a text frame.
func splitText(t *testing.T, data []byte) (string, []byte) {
	t.Helper()
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		t.Fatalf("text frame without header delimiter: %q", data)
	}
	return framePath(t, string(head)), body
}

// splitBinary returns the Path header and payload of a binary frame.
func splitBinary(t *testing.T, data []byte) (string, []byte) {
	t.Helper()
	if len(data) < 2 {
		t.Fatalf("binary frame too short: %d bytes", len(data))
	}
	size := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+size {
		t.Fatalf("binary frame header size %d exceeds frame length %d", size, len(data))
	}
	return framePath(t, string(data[2:2+size])), data[2+size:]
}

// sendText writes a service text frame with the given path and body.
func sendText(t *testing.T, conn *websocket.Conn, path, body string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frame := "Path: " + path + "\r\nX-RequestId: 0123456789abcdef0123456789abcdef\r\nContent-Type: application/json; charset=utf-8\r\n\r\n" + body
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Logf("sendText: %v (may be expected on close)", err)
	}
}

// sendBinary writes a service binary frame carrying payload.
func sendBinary(t *testing.T, conn *websocket.Conn, path string, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	header := "Path: " + path + "\r\nX-RequestId: 0123456789abcdef0123456789abcdef\r\n"
	frame := make([]byte, 2, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	frame = append(frame, payload...)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Logf("sendBinary: %v (may be expected on close)", err)
	}
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

func textOut(interim bool) []protocol.OutputModality {
	mods := []protocol.OutputModality{{Kind: protocol.ModalityText}}
	if interim {
		mods = append(mods, protocol.OutputModality{Kind: protocol.ModalityInterimText})
	}
	return mods
}

func audioOut(rate int) []protocol.OutputModality {
	return []protocol.OutputModality{{Kind: protocol.ModalityAudio, Channels: 1, SampleRate: rate}}
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
