package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Compile-time assertion that Transcribe satisfies conversation.Service.
var _ conversation.Service = (*Transcribe)(nil)

// Transcribe is the streaming transcription adapter. Audio flows in, interim
// hypotheses and final phrases flow out as text.
type Transcribe struct {
	creds    Credentials
	settings settings
}

// NewTranscribe creates the transcription adapter for the given Speech
// resource.
func NewTranscribe(creds Credentials, opts ...Option) (*Transcribe, error) {
	s := applyOptions(opts)
	if err := creds.validate(s.endpoint); err != nil {
		return nil, err
	}
	return &Transcribe{creds: creds, settings: s}, nil
}

// transcribeParams configure one transcription conversation.
type transcribeParams struct {
	Language  string `json:"language"`
	Profanity string `json:"profanity,omitempty"`
	Detailed  bool   `json:"detailed,omitempty"`
}

func (t *Transcribe) endpoint() string {
	if t.settings.endpoint != "" {
		return t.settings.endpoint
	}
	return fmt.Sprintf(transcribeEndpointFormat, t.creds.Region)
}

// Serve streams the conversation's audio to the recognition endpoint and
// posts hypotheses and phrases back as text until the input closes.
func (t *Transcribe) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p transcribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("azure: transcribe params: %w", err)
		}
	}
	if p.Language == "" {
		return errors.New("azure: transcribe params: language is required")
	}
	switch p.Profanity {
	case "", "masked", "removed", "raw":
	default:
		return fmt.Errorf("azure: transcribe params: unknown profanity mode %q", p.Profanity)
	}

	format, err := conv.RequireAudioInput()
	if err != nil {
		return fmt.Errorf("azure: %w", err)
	}
	if err := checkInputFormat(format); err != nil {
		return err
	}
	interim, err := conv.RequireTextOutput(true)
	if err != nil {
		return fmt.Errorf("azure: %w", err)
	}

	query := url.Values{}
	query.Set("language", p.Language)
	if p.Detailed {
		query.Set("format", "detailed")
	} else {
		query.Set("format", "simple")
	}
	if p.Profanity != "" {
		query.Set("profanity", p.Profanity)
	} else {
		query.Set("profanity", "masked")
	}

	conn, err := dial(ctx, t.endpoint(), t.creds.Key, query)
	if err != nil {
		return err
	}
	rec := newRecognizer(conn)
	defer rec.close()

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("azure: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := func(msg wireMessage) error {
		switch msg.path {
		case pathSpeechHypothesis:
			if !interim {
				return nil
			}
			var body struct {
				Text string `json:"Text"`
			}
			if json.Unmarshal(msg.body, &body) != nil || body.Text == "" {
				return nil
			}
			if err := out.Text(body.Text, true); err != nil {
				return fmt.Errorf("post hypothesis: %w", err)
			}
		case pathSpeechPhrase:
			text, ok := phraseText(msg.body)
			if !ok {
				return nil
			}
			if err := out.Text(text, false); err != nil {
				return fmt.Errorf("post phrase: %w", err)
			}
		}
		return nil
	}

	if err := rec.start(loopCtx, cancel, format, handle); err != nil {
		return err
	}

	var recognized time.Duration
	for {
		msg, err := in.Recv(loopCtx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			if ctx.Err() == nil {
				// The read loop ended the stream, not the caller.
				if rerr := rec.err(); rerr != nil {
					return fmt.Errorf("azure: recognition stream: %w", rerr)
				}
				break
			}
			return err
		}
		switch input := msg.(type) {
		case conversation.InputAudio:
			if err := rec.sendAudio(loopCtx, input.Frame.Data); err != nil {
				if rerr := rec.err(); rerr != nil {
					return fmt.Errorf("azure: recognition stream: %w", rerr)
				}
				return fmt.Errorf("azure: send audio: %w", err)
			}
			recognized += input.Frame.Duration()
		case conversation.InputText:
			return errors.New("azure: text input not supported by the recognizer")
		case conversation.InputService:
			// The recognition turn has no mid-stream control frames.
		}
	}

	rec.finish(loopCtx)
	rec.close()
	if rerr := rec.err(); rerr != nil {
		return fmt.Errorf("azure: recognition stream: %w", rerr)
	}

	records := []protocol.BillingRecord{
		protocol.DurationRecord("recognizedAudio", recognized),
	}
	if err := out.BillingRecords("", p.Language, records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("azure: billing: %w", err)
	}
	return nil
}

// phraseText extracts the display text from a speech.phrase body. Detailed
// results carry it in NBest, simple results inline. Non-success phrases and
// the EndOfDictation marker produce no text.
func phraseText(body []byte) (string, bool) {
	var phrase struct {
		RecognitionStatus string `json:"RecognitionStatus"`
		DisplayText       string `json:"DisplayText"`
		NBest             []struct {
			Display string `json:"Display"`
		} `json:"NBest"`
	}
	if json.Unmarshal(body, &phrase) != nil {
		return "", false
	}
	if phrase.RecognitionStatus != "Success" {
		return "", false
	}
	if phrase.DisplayText != "" {
		return phrase.DisplayText, true
	}
	if len(phrase.NBest) > 0 && phrase.NBest[0].Display != "" {
		return phrase.NBest[0].Display, true
	}
	return "", false
}
