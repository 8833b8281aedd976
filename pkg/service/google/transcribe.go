package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// defaultRecognitionModel is used when the conversation does not pick one.
const defaultRecognitionModel = "long"

var _ conversation.Service = (*Transcribe)(nil)

// Transcribe is the streaming speech recognition adapter. Audio flows in,
// hypotheses and recognized phrases flow out as text.
type Transcribe struct {
	projectID string
	settings  settings
}

// NewTranscribe creates the recognition adapter. Recognition runs against
// ad-hoc recognizers under the given project.
func NewTranscribe(projectID string, opts ...Option) (*Transcribe, error) {
	if projectID == "" {
		return nil, errors.New("google: project id must not be empty")
	}
	return &Transcribe{projectID: projectID, settings: applyOptions(opts)}, nil
}

// transcribeParams configure one recognition conversation.
type transcribeParams struct {
	Language string `json:"language"`
	Model    string `json:"model,omitempty"`
}

// recognizer returns the resource recognition runs against. The ad-hoc
// recognizer "_" takes its whole configuration from the streaming request.
func (t *Transcribe) recognizer() string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.settings.location)
}

// Serve implements conversation.Service. It opens one recognition stream for
// the lifetime of the conversation and pumps input audio into it until the
// caller closes the input, then drains the trailing results.
func (t *Transcribe) Serve(ctx context.Context, params json.RawMessage, conv *conversation.Conversation) error {
	var p transcribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("google: parse params: %w", err)
		}
	}
	if p.Language == "" {
		return errors.New("google: params must set a recognition language")
	}

	format, err := conv.RequireAudioInput()
	if err != nil {
		return fmt.Errorf("google: %w", err)
	}
	if err := checkPCMFormat(format); err != nil {
		return err
	}
	interim, err := conv.RequireTextOutput(true)
	if err != nil {
		return fmt.Errorf("google: %w", err)
	}

	client, err := speech.NewClient(ctx, t.settings.speechClientOptions()...)
	if err != nil {
		return fmt.Errorf("google: speech client: %w", err)
	}
	defer client.Close()

	// loopCtx ends with the read loop so a dead stream unblocks the input
	// wait below.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.StreamingRecognize(loopCtx)
	if err != nil {
		return fmt.Errorf("google: open recognition stream: %w", err)
	}
	if err := stream.Send(recognitionConfig(t.recognizer(), p, format, interim)); err != nil {
		return fmt.Errorf("google: send recognition config: %w", err)
	}

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("google: %w", err)
	}

	rec := newRecognition(stream)
	rec.start(cancel, func(resp *speechpb.StreamingRecognizeResponse) error {
		return postResults(out, resp, interim)
	})

	var recognized time.Duration
	for {
		msg, err := in.Recv(loopCtx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			if ctx.Err() != nil {
				return err
			}
			if rerr := rec.err(); rerr != nil {
				return fmt.Errorf("google: recognition stream: %w", rerr)
			}
			return errors.New("google: recognition stream ended before the input was closed")
		}
		switch input := msg.(type) {
		case conversation.InputAudio:
			if err := rec.sendAudio(input.Frame.Data); err != nil {
				if rerr := rec.err(); rerr != nil {
					return fmt.Errorf("google: recognition stream: %w", rerr)
				}
				return fmt.Errorf("google: send audio: %w", err)
			}
			recognized += input.Frame.Duration()
		case conversation.InputText:
			return errors.New("google: text input not supported by the recognizer")
		case conversation.InputService:
			// Recognition has no mid-stream control surface.
		}
	}

	rec.finish()
	if rerr := rec.err(); rerr != nil {
		return fmt.Errorf("google: recognition stream: %w", rerr)
	}

	records := []protocol.BillingRecord{
		protocol.DurationRecord("recognizedAudio", recognized),
	}
	if err := out.BillingRecords("", p.Language, records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("google: billing: %w", err)
	}
	return nil
}

// recognitionConfig assembles the opening request: the ad-hoc recognizer plus
// an explicit LINEAR16 decoding of the conversation's input format.
func recognitionConfig(recognizer string, p transcribeParams, format audio.Format, interim bool) *speechpb.StreamingRecognizeRequest {
	model := p.Model
	if model == "" {
		model = defaultRecognitionModel
	}
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(format.SampleRate),
							AudioChannelCount: int32(format.Channels),
						},
					},
					LanguageCodes: []string{p.Language},
					Model:         model,
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults: interim,
				},
			},
		},
	}
}

// postResults maps one streaming response onto conversation text outputs.
// The first alternative is the most probable one; non-final results surface
// only when the conversation declared interim text.
func postResults(out *conversation.ConversationOutput, resp *speechpb.StreamingRecognizeResponse, interim bool) error {
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 || alts[0].GetTranscript() == "" {
			continue
		}
		text := alts[0].GetTranscript()
		if result.GetIsFinal() {
			if err := out.Text(text, false); err != nil {
				return fmt.Errorf("post transcript: %w", err)
			}
			continue
		}
		if !interim {
			continue
		}
		if err := out.Text(text, true); err != nil {
			return fmt.Errorf("post hypothesis: %w", err)
		}
	}
	return nil
}

// recognizeStream is the slice of the generated streaming client the
// recognition session drives. Narrowing the type keeps the pump testable
// without a live connection.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	CloseSend() error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
}

// recognition owns one recognition stream after the opening request: audio
// flows out on the conversation goroutine while results flow in on the read
// loop. The service closes the response side with io.EOF once CloseSend has
// been called and the trailing results are delivered.
type recognition struct {
	stream recognizeStream

	wg sync.WaitGroup

	mu      sync.Mutex
	readErr error
}

func newRecognition(stream recognizeStream) *recognition {
	return &recognition{stream: stream}
}

// start launches the read loop. handle sees every response; returning an
// error from it fails the stream. cancel runs when the loop exits, whatever
// the reason.
func (r *recognition) start(cancel context.CancelFunc, handle func(*speechpb.StreamingRecognizeResponse) error) {
	r.wg.Add(1)
	go r.readLoop(cancel, handle)
}

func (r *recognition) readLoop(cancel context.CancelFunc, handle func(*speechpb.StreamingRecognizeResponse) error) {
	defer r.wg.Done()
	defer cancel()
	for {
		resp, err := r.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.setErr(err)
			}
			return
		}
		if err := handle(resp); err != nil {
			r.setErr(err)
			return
		}
	}
}

// sendAudio ships one chunk of PCM16 to the service.
func (r *recognition) sendAudio(data []byte) error {
	return r.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: data},
	})
}

// finish closes the send side and waits for the trailing results to drain.
func (r *recognition) finish() {
	_ = r.stream.CloseSend()
	r.wg.Wait()
}

func (r *recognition) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr == nil {
		r.readErr = err
	}
}

// err reports the first error the read loop hit, if any.
func (r *recognition) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}
