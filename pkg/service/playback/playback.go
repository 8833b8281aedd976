// Package playback implements the loopback service: every audio frame the
// client sends comes straight back on the output path. It exercises the full
// pacing pipeline without any cloud provider and doubles as the echo target
// for integration tests.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

// Compile-time assertion that Service satisfies conversation.Service.
var _ conversation.Service = (*Service)(nil)

// Service is the loopback adapter. Stateless.
type Service struct{}

// New returns the loopback adapter.
func New() *Service {
	return &Service{}
}

// Serve forwards audio input to the audio output until the input closes.
// Input and output must declare the identical PCM format; nothing is
// resampled on the loopback path.
func (s *Service) Serve(ctx context.Context, _ json.RawMessage, conv *conversation.Conversation) error {
	inFormat, err := conv.RequireAudioInput()
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	outFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if inFormat != outFormat {
		return fmt.Errorf("playback: input format %s does not match output format %s", inFormat, outFormat)
	}

	in, out, err := conv.Start()
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	var played protocol.Duration
	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrInputClosed) {
				break
			}
			return fmt.Errorf("playback: recv: %w", err)
		}
		switch input := msg.(type) {
		case conversation.InputAudio:
			if err := out.AudioFrame(input.Frame); err != nil {
				return fmt.Errorf("playback: forward frame: %w", err)
			}
			played += protocol.Duration(input.Frame.Duration())
		case conversation.InputText:
			return errors.New("playback: text input not supported")
		case conversation.InputService:
			// Loopback has no provider to hand these to.
		}
	}

	records := []protocol.BillingRecord{
		protocol.DurationRecord("playedAudio", time.Duration(played)),
	}
	if err := out.BillingRecords("", "", records, conversation.BillingOnStop); err != nil {
		return fmt.Errorf("playback: billing: %w", err)
	}
	return nil
}
