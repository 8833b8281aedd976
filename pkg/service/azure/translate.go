package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Compile-time assertion that Translate satisfies conversation.Service.
var _ conversation.Service = (*Translate)(nil)

// Translate is the streaming speech translation adapter. Audio in the source
// language flows in, translated text flows out.
type Translate struct {
	creds    Credentials
	settings settings
}

// NewTranslate creates the translation adapter for the given Speech resource.
func NewTranslate(creds Credentials, opts ...Option) (*Translate, error) {
	s := applyOptions(opts)
	if err := creds.validate(s.endpoint); err != nil {
		return nil, err
	}
	return &Translate{creds: creds, settings: s}, nil
}

// translateParams configure one translation conversation. From is the spoken
// language, To lists the target languages. The adapter surfaces the first
// target's text.
type translateParams struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

func (t *Translate) endpoint() string {
	if t.settings.endpoint != "" {
		return t.settings.endpoint
	}
	return fmt.Sprintf(translateEndpointFormat, t.creds.Region)
}

// Serve streams the conversation's audio to the translation endpoint and
// posts translated hypotheses and phrases back as text until the input
// closes.
func (t *Translate) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p translateParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("azure: translate params: %w", err)
		}
	}
	if p.From == "" {
		return errors.New("azure: translate params: from is required")
	}
	if len(p.To) == 0 {
		return errors.New("azure: translate params: at least one target language is required")
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
	query.Set("from", p.From)
	query.Set("to", strings.Join(p.To, ","))

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
		case pathTranslationHypothesis:
			if !interim {
				return nil
			}
			text, ok := translationText(msg.body, false)
			if !ok {
				return nil
			}
			if err := out.Text(text, true); err != nil {
				return fmt.Errorf("post hypothesis: %w", err)
			}
		case pathTranslationPhrase:
			text, ok := translationText(msg.body, true)
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

	var translated time.Duration
	for {
		msg, err := in.Recv(loopCtx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			if ctx.Err() == nil {
				if rerr := rec.err(); rerr != nil {
					return fmt.Errorf("azure: translation stream: %w", rerr)
				}
				break
			}
			return err
		}
		switch input := msg.(type) {
		case conversation.InputAudio:
			if err := rec.sendAudio(loopCtx, input.Frame.Data); err != nil {
				if rerr := rec.err(); rerr != nil {
					return fmt.Errorf("azure: translation stream: %w", rerr)
				}
				return fmt.Errorf("azure: send audio: %w", err)
			}
			translated += input.Frame.Duration()
		case conversation.InputText:
			return errors.New("azure: text input not supported by the translator")
		case conversation.InputService:
			// The translation turn has no mid-stream control frames.
		}
	}

	rec.finish(loopCtx)
	rec.close()
	if rerr := rec.err(); rerr != nil {
		return fmt.Errorf("azure: translation stream: %w", rerr)
	}

	scope := p.From + ">" + strings.Join(p.To, ",")
	records := []protocol.BillingRecord{
		protocol.DurationRecord("translatedAudio", translated),
	}
	if err := out.BillingRecords("", scope, records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("azure: billing: %w", err)
	}
	return nil
}

// translationText extracts the first target language's text from a
// translation.hypothesis or translation.phrase body. Phrases additionally
// carry a recognition status that must be Success.
func translationText(body []byte, phrase bool) (string, bool) {
	var result struct {
		RecognitionStatus string `json:"RecognitionStatus"`
		Translation       struct {
			TranslationStatus string `json:"TranslationStatus"`
			Translations      []struct {
				Language string `json:"Language"`
				Text     string `json:"Text"`
			} `json:"Translations"`
		} `json:"Translation"`
	}
	if json.Unmarshal(body, &result) != nil {
		return "", false
	}
	if phrase && result.RecognitionStatus != "Success" {
		return "", false
	}
	if len(result.Translation.Translations) == 0 {
		return "", false
	}
	text := result.Translation.Translations[0].Text
	return text, text != ""
}
