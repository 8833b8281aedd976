package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
	"github.com/coder/websocket"
)

// Compile-time assertion that Realtime satisfies conversation.Service.
var _ conversation.Service = (*Realtime)(nil)

// Realtime is the full-duplex dialog adapter for the OpenAI Realtime API.
// Caller audio streams up as base64 PCM16 chunks; model audio, reply
// transcripts and barge-in flushes stream back. A text input modality is
// accepted too: each text becomes a conversation item followed by a response
// request.
type Realtime struct {
	apiKey   string
	settings settings
}

// NewRealtime creates the dialog adapter with the given API key.
func NewRealtime(apiKey string, opts ...Option) (*Realtime, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	return &Realtime{apiKey: apiKey, settings: applyOptions(opts)}, nil
}

// realtimeParams configure one dialog conversation.
type realtimeParams struct {
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Serve drives one dialog: caller input up, model audio, transcripts and
// playback flushes down. Token usage reported by the model is billed when
// the dialog ends.
func (r *Realtime) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p realtimeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("openai: realtime params: %w", err)
		}
	}
	model := p.Model
	if model == "" {
		model = r.settings.model
	}
	if model == "" {
		model = defaultRealtimeModel
	}

	switch conv.InputModality().Kind {
	case protocol.ModalityAudio:
		if format := conv.InputModality().Format(); format != pcmFormat {
			return fmt.Errorf("openai: dialog input must be %s, got %s", pcmFormat, format)
		}
	case protocol.ModalityText:
		// Text-driven dialogs are fine: each text becomes a conversation item.
	default:
		return fmt.Errorf("openai: unsupported input modality %q", conv.InputModality().Kind)
	}
	outFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if outFormat != pcmFormat {
		return fmt.Errorf("openai: dialog output must be %s, got %s", pcmFormat, outFormat)
	}
	var hasText, hasInterim bool
	for _, m := range conv.OutputModalities() {
		switch m.Kind {
		case protocol.ModalityText:
			hasText = true
		case protocol.ModalityInterimText:
			hasInterim = true
		}
	}

	base := r.settings.baseURL
	if base == "" {
		base = realtimeBaseURL
	}
	conn, _, err := websocket.Dial(ctx, base+"?model="+url.QueryEscape(model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}
	d := newDialog(conn)
	defer d.close()

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// reply accumulates transcript deltas so interim texts always carry the
	// full reply so far, the same shape recognition hypotheses have.
	var reply strings.Builder
	var inputTokens, outputTokens int64
	handle := func(evt realtimeEvent, raw []byte) error {
		switch evt.Type {
		case "response.audio.delta":
			if evt.Delta == "" {
				return nil
			}
			data, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil || len(data) == 0 {
				return nil
			}
			if err := out.AudioFrame(audio.Frame{Format: outFormat, Data: data}); err != nil {
				return fmt.Errorf("post audio: %w", err)
			}
		case "response.audio_transcript.delta":
			if evt.Delta == "" {
				return nil
			}
			reply.WriteString(evt.Delta)
			if hasInterim {
				if err := out.Text(reply.String(), true); err != nil {
					return fmt.Errorf("post interim transcript: %w", err)
				}
			}
		case "response.audio_transcript.done":
			text := evt.Transcript
			if text == "" {
				text = reply.String()
			}
			reply.Reset()
			if hasText && text != "" {
				if err := out.Text(text, false); err != nil {
					return fmt.Errorf("post transcript: %w", err)
				}
			}
		case "input_audio_buffer.speech_started":
			// The caller started talking over the model: flush its playback.
			if err := out.ClearAudio(); err != nil {
				return fmt.Errorf("post playback flush: %w", err)
			}
		case "response.done":
			if evt.Response != nil && evt.Response.Usage != nil {
				inputTokens += evt.Response.Usage.InputTokens
				outputTokens += evt.Response.Usage.OutputTokens
			}
		case "error":
			// The service keeps the session open after an error event, so
			// relay it; a real failure surfaces as a read error.
			if err := out.ServiceEvent(json.RawMessage(raw)); err != nil {
				return fmt.Errorf("relay error event: %w", err)
			}
		}
		return nil
	}

	session := sessionSettings{
		Voice:             p.Voice,
		Instructions:      p.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if err := d.start(loopCtx, cancel, session, handle); err != nil {
		return err
	}

	for {
		msg, err := in.Recv(loopCtx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			if ctx.Err() == nil {
				// The read loop ended the dialog, not the caller.
				if rerr := d.err(); rerr != nil {
					return fmt.Errorf("openai: dialog stream: %w", rerr)
				}
				break
			}
			return err
		}
		switch input := msg.(type) {
		case conversation.InputAudio:
			if err := d.sendAudio(loopCtx, input.Frame.Data); err != nil {
				if rerr := d.err(); rerr != nil {
					return fmt.Errorf("openai: dialog stream: %w", rerr)
				}
				return fmt.Errorf("openai: send audio: %w", err)
			}
		case conversation.InputText:
			if err := d.sendText(loopCtx, input.Content); err != nil {
				if rerr := d.err(); rerr != nil {
					return fmt.Errorf("openai: dialog stream: %w", rerr)
				}
				return fmt.Errorf("openai: send text: %w", err)
			}
		case conversation.InputService:
			// Opaque events pass through to the Realtime socket verbatim.
			if err := d.writeJSON(loopCtx, input.Value); err != nil {
				if rerr := d.err(); rerr != nil {
					return fmt.Errorf("openai: dialog stream: %w", rerr)
				}
				return fmt.Errorf("openai: send service event: %w", err)
			}
		}
	}

	d.close()
	if rerr := d.err(); rerr != nil {
		return fmt.Errorf("openai: dialog stream: %w", rerr)
	}

	records := []protocol.BillingRecord{
		protocol.CountRecord("inputTokens", inputTokens),
		protocol.CountRecord("outputTokens", outputTokens),
	}
	if err := out.BillingRecords("", model, records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("openai: billing: %w", err)
	}
	return nil
}

// ── Dialog session ─────────────────────────────────────────────────────────────

// dialog owns the Realtime socket once it is configured: the read loop
// parses server events and hands them to the adapter's handler while the
// Serve loop keeps writing caller input.
type dialog struct {
	conn *websocket.Conn

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	readErr error
}

func newDialog(conn *websocket.Conn) *dialog {
	return &dialog{conn: conn, done: make(chan struct{})}
}

// start configures the session and spawns the read loop. cancel releases the
// Serve loop's Recv when the read loop dies.
func (d *dialog) start(ctx context.Context, cancel context.CancelFunc, session sessionSettings, handle func(evt realtimeEvent, raw []byte) error) error {
	if err := d.writeJSON(ctx, sessionUpdateEvent{Type: "session.update", Session: session}); err != nil {
		return fmt.Errorf("openai: session update: %w", err)
	}
	d.wg.Add(1)
	go d.readLoop(ctx, cancel, handle)
	return nil
}

func (d *dialog) readLoop(ctx context.Context, cancel context.CancelFunc, handle func(evt realtimeEvent, raw []byte) error) {
	defer d.wg.Done()
	defer cancel()

	for {
		_, data, err := d.conn.Read(ctx)
		if err != nil {
			select {
			case <-d.done:
				// A read failure after close is the connection winding
				// down, not a dialog failure.
			default:
				d.setErr(err)
			}
			return
		}
		var evt realtimeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if err := handle(evt, data); err != nil {
			d.setErr(err)
			return
		}
	}
}

func (d *dialog) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal event: %w", err)
	}
	return d.conn.Write(ctx, websocket.MessageText, data)
}

// sendAudio uploads one caller audio chunk.
func (d *dialog) sendAudio(ctx context.Context, data []byte) error {
	return d.writeJSON(ctx, appendAudioEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
}

// sendText inserts a caller text message and asks the model to respond.
func (d *dialog) sendText(ctx context.Context, content string) error {
	item := createItemEvent{
		Type: "conversation.item.create",
		Item: dialogItem{
			Type:    "message",
			Role:    "user",
			Content: []dialogPart{{Type: "input_text", Text: content}},
		},
	}
	if err := d.writeJSON(ctx, item); err != nil {
		return err
	}
	return d.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// close tears the session down and waits for the read loop. Idempotent.
func (d *dialog) close() {
	d.doneOnce.Do(func() { close(d.done) })
	d.conn.Close(websocket.StatusNormalClosure, "conversation finished")
	d.wg.Wait()
}

func (d *dialog) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr == nil {
		d.readErr = err
	}
}

func (d *dialog) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readErr
}

// ── Wire events ────────────────────────────────────────────────────────────────

type sessionUpdateEvent struct {
	Type    string          `json:"type"`
	Session sessionSettings `json:"session"`
}

// sessionSettings pins both directions to raw PCM16; the Realtime API fixes
// the rate at 24 kHz.
type sessionSettings struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type appendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createItemEvent struct {
	Type string     `json:"type"`
	Item dialogItem `json:"item"`
}

type dialogItem struct {
	Type    string       `json:"type"`
	Role    string       `json:"role,omitempty"`
	Content []dialogPart `json:"content,omitempty"`
}

type dialogPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// realtimeEvent is the subset of server event fields the adapter reads.
type realtimeEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *realtimeResponse `json:"response,omitempty"`
}

type realtimeResponse struct {
	Usage *realtimeUsage `json:"usage,omitempty"`
}

type realtimeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
