package azure_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/service/azure"
	"github.com/coder/websocket"
)

// newTranscribe builds a transcription adapter pointed at the test server.
func newTranscribe(t *testing.T, url string) *azure.Transcribe {
	t.Helper()
	adapter, err := azure.NewTranscribe(azure.Credentials{Key: "test-key"}, azure.WithEndpoint(url))
	if err != nil {
		t.Fatalf("NewTranscribe: %v", err)
	}
	return adapter
}

func TestTranscribeStreamsHypothesesAndPhrases(t *testing.T) {
	t.Parallel()

	payloads := make(chan int, 16)

	srv := startSpeechServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data := readFrame(t, conn)
		if path, _ := splitText(t, data); path != "speech.config" {
			t.Errorf("first frame path = %q, want speech.config", path)
		}

		// Consume audio until the empty end-of-stream chunk.
		for {
			_, data := readFrame(t, conn)
			path, payload := splitBinary(t, data)
			if path != "audio" {
				t.Errorf("binary frame path = %q, want audio", path)
			}
			payloads <- len(payload)
			if len(payload) == 0 {
				break
			}
		}

		sendText(t, conn, "turn.start", `{}`)
		sendText(t, conn, "speech.hypothesis", `{"Text":"hel"}`)
		sendText(t, conn, "speech.hypothesis", `{"Text":"hello"}`)
		sendText(t, conn, "speech.phrase", `{"RecognitionStatus":"Success","DisplayText":"Hello world."}`)
		sendText(t, conn, "speech.endDetected", `{}`)
		sendText(t, conn, "turn.end", `{}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	adapter := newTranscribe(t, wsURL(srv))
	conv, in, out := newConversation("azure-transcribe", audioIn(16000), textOut(true))

	format := audio.Format{SampleRate: 16000, Channels: 1}
	chunk := make([]byte, format.BytesPerSecond()/10) // 100ms
	in <- conversation.InputAudio{Frame: audio.Frame{Format: format, Data: chunk}}
	close(in)

	done := make(chan error, 1)
	go func() {
		done <- adapter.Serve(context.Background(), json.RawMessage(`{"language":"en-US"}`), conv)
	}()

	recvText(t, out, "hel", true)
	recvText(t, out, "hello", true)
	recvText(t, out, "Hello world.", false)

	o := recvOutput(t, out)
	billed, ok := o.(conversation.OutputBillingRecords)
	if !ok {
		t.Fatalf("output = %T, want OutputBillingRecords", o)
	}
	if billed.Service != "azure-transcribe" {
		t.Errorf("billing service = %q, want azure-transcribe", billed.Service)
	}
	if billed.Scope != "en-US" {
		t.Errorf("billing scope = %q, want en-US", billed.Scope)
	}
	if len(billed.Records) != 1 || billed.Records[0].Name != "recognizedAudio" {
		t.Fatalf("billing records = %+v, want one recognizedAudio", billed.Records)
	}
	if d, _ := billed.Records[0].DurationValue(); d != 100*time.Millisecond {
		t.Errorf("recognizedAudio = %v, want 100ms", d)
	}

	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if got := <-payloads; got != len(chunk) {
		t.Errorf("first audio payload = %d bytes, want %d", got, len(chunk))
	}
	if got := <-payloads; got != 0 {
		t.Errorf("end-of-stream payload = %d bytes, want 0", got)
	}
}

func TestTranscribeSkipsInterimWhenNotDeclared(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _ = readFrame(t, conn) // speech.config
		for {
			_, data := readFrame(t, conn)
			if _, payload := splitBinary(t, data); len(payload) == 0 {
				break
			}
		}
		sendText(t, conn, "speech.hypothesis", `{"Text":"partial"}`)
		sendText(t, conn, "speech.phrase", `{"RecognitionStatus":"Success","DisplayText":"Final."}`)
		sendText(t, conn, "turn.end", `{}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	adapter := newTranscribe(t, wsURL(srv))
	conv, in, out := newConversation("azure-transcribe", audioIn(16000), textOut(false))
	close(in)

	done := make(chan error, 1)
	go func() {
		done <- adapter.Serve(context.Background(), json.RawMessage(`{"language":"en-US"}`), conv)
	}()

	// The hypothesis must not surface: the first text is the final phrase.
	recvText(t, out, "Final.", false)
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestTranscribeSendsAuthAndQuery(t *testing.T) {
	t.Parallel()

	keys := make(chan string, 1)
	queries := make(chan url.Values, 1)
	configs := make(chan string, 1)

	srv := startSpeechServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.Header.Get("Ocp-Apim-Subscription-Key")
		queries <- r.URL.Query()

		_, data := readFrame(t, conn)
		_, body := splitText(t, data)
		configs <- string(body)

		for {
			_, data := readFrame(t, conn)
			if _, payload := splitBinary(t, data); len(payload) == 0 {
				break
			}
		}
		sendText(t, conn, "turn.end", `{}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	adapter := newTranscribe(t, wsURL(srv))
	conv, in, _ := newConversation("azure-transcribe", audioIn(8000), textOut(false))
	close(in)

	done := make(chan error, 1)
	go func() {
		done <- adapter.Serve(context.Background(), json.RawMessage(`{"language":"de-DE","profanity":"raw","detailed":true}`), conv)
	}()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if key := <-keys; key != "test-key" {
		t.Errorf("subscription key = %q, want test-key", key)
	}
	q := <-queries
	if got := q.Get("language"); got != "de-DE" {
		t.Errorf("language = %q, want de-DE", got)
	}
	if got := q.Get("format"); got != "detailed" {
		t.Errorf("format = %q, want detailed", got)
	}
	if got := q.Get("profanity"); got != "raw" {
		t.Errorf("profanity = %q, want raw", got)
	}
	cfg := <-configs
	if !strings.Contains(cfg, `"samplerate":8000`) {
		t.Errorf("speech.config missing sample rate: %s", cfg)
	}
}

func TestTranscribeDetailedPhraseUsesNBest(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _ = readFrame(t, conn)
		for {
			_, data := readFrame(t, conn)
			if _, payload := splitBinary(t, data); len(payload) == 0 {
				break
			}
		}
		sendText(t, conn, "speech.phrase", `{"RecognitionStatus":"Success","NBest":[{"Display":"From the top result."},{"Display":"Second best."}]}`)
		sendText(t, conn, "speech.phrase", `{"RecognitionStatus":"NoMatch"}`)
		sendText(t, conn, "turn.end", `{}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	adapter := newTranscribe(t, wsURL(srv))
	conv, in, out := newConversation("azure-transcribe", audioIn(16000), textOut(false))
	close(in)

	done := make(chan error, 1)
	go func() {
		done <- adapter.Serve(context.Background(), json.RawMessage(`{"language":"en-US","detailed":true}`), conv)
	}()

	recvText(t, out, "From the top result.", false)
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	// The NoMatch phrase must not have produced a second text.
	o := recvOutput(t, out)
	if _, ok := o.(conversation.OutputBillingRecords); !ok {
		t.Fatalf("output after phrase = %T, want OutputBillingRecords", o)
	}
}

func TestTranscribeServerFailureFailsConversation(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _ = readFrame(t, conn) // speech.config
		conn.Close(websocket.StatusInternalError, "boom")
	})

	adapter := newTranscribe(t, wsURL(srv))
	conv, in, _ := newConversation("azure-transcribe", audioIn(16000), textOut(false))
	defer close(in) // input stays open: the failure must surface on its own

	done := make(chan error, 1)
	go func() {
		done <- adapter.Serve(context.Background(), json.RawMessage(`{"language":"en-US"}`), conv)
	}()

	err := waitServe(t, done)
	if err == nil {
		t.Fatal("Serve() returned nil after the service dropped the connection")
	}
	if !strings.Contains(err.Error(), "recognition stream") {
		t.Errorf("error = %v, want recognition stream failure", err)
	}
}

func TestTranscribeRejectsBadInput(t *testing.T) {
	t.Parallel()

	adapter, err := azure.NewTranscribe(azure.Credentials{Key: "k", Region: "westeurope"})
	if err != nil {
		t.Fatalf("NewTranscribe: %v", err)
	}

	tests := []struct {
		name   string
		params string
		conv   func() *conversation.Conversation
	}{
		{
			name:   "missing language",
			params: `{}`,
			conv: func() *conversation.Conversation {
				c, _, _ := newConversation("azure-transcribe", audioIn(16000), textOut(false))
				return c
			},
		},
		{
			name:   "unknown profanity mode",
			params: `{"language":"en-US","profanity":"shuffled"}`,
			conv: func() *conversation.Conversation {
				c, _, _ := newConversation("azure-transcribe", audioIn(16000), textOut(false))
				return c
			},
		},
		{
			name:   "stereo input",
			params: `{"language":"en-US"}`,
			conv: func() *conversation.Conversation {
				in := audioIn(16000)
				in.Channels = 2
				c, _, _ := newConversation("azure-transcribe", in, textOut(false))
				return c
			},
		},
		{
			name:   "unsupported sample rate",
			params: `{"language":"en-US"}`,
			conv: func() *conversation.Conversation {
				c, _, _ := newConversation("azure-transcribe", audioIn(11025), textOut(false))
				return c
			},
		},
		{
			name:   "text input modality",
			params: `{"language":"en-US"}`,
			conv: func() *conversation.Conversation {
				c, _, _ := newConversation("azure-transcribe", textIn(), textOut(false))
				return c
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := adapter.Serve(context.Background(), json.RawMessage(tt.params), tt.conv()); err == nil {
				t.Error("Serve() accepted invalid configuration")
			}
		})
	}
}

func TestNewTranscribeValidatesCredentials(t *testing.T) {
	t.Parallel()

	if _, err := azure.NewTranscribe(azure.Credentials{Region: "westeurope"}); err == nil {
		t.Error("NewTranscribe accepted empty key")
	}
	if _, err := azure.NewTranscribe(azure.Credentials{Key: "k"}); err == nil {
		t.Error("NewTranscribe accepted empty region without endpoint override")
	}
	if _, err := azure.NewTranscribe(azure.Credentials{Key: "k"}, azure.WithEndpoint("ws://127.0.0.1:1")); err != nil {
		t.Errorf("NewTranscribe with endpoint override: %v", err)
	}
}
