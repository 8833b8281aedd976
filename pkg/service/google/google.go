// Package google implements the Cloud Speech-to-Text and Text-to-Speech
// adapters over the cloud.google.com gRPC clients. Recognition decodes the
// conversation's input as raw LINEAR16, synthesis streams raw PCM16 at the
// conversation's declared output rate. Credentials resolve the way the SDKs
// do it: application default credentials unless explicit client options say
// otherwise.
package google

import (
	"fmt"

	"google.golang.org/api/option"

	"github.com/audioknife/audioknife/pkg/audio"
)

// Option is a functional option shared by the two adapter constructors.
type Option func(*settings)

// WithLocation selects the recognizer location and its regional endpoint.
// Defaults to "global".
func WithLocation(location string) Option {
	return func(s *settings) { s.location = location }
}

// WithClientOptions appends raw SDK client options, e.g. explicit credentials
// or an endpoint override.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOptions = append(s.clientOptions, opts...) }
}

type settings struct {
	location      string
	clientOptions []option.ClientOption
}

func applyOptions(opts []Option) settings {
	s := settings{location: "global"}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// speechEndpoint returns the regional recognition endpoint, or "" when the
// global cluster serves the location.
func speechEndpoint(location string) string {
	if location == "" || location == "global" {
		return ""
	}
	return fmt.Sprintf("%s-speech.googleapis.com:443", location)
}

// speechClientOptions assembles the client options for the recognition
// client, routing it to the regional cluster when one is selected.
func (s settings) speechClientOptions() []option.ClientOption {
	endpoint := speechEndpoint(s.location)
	if endpoint == "" {
		return s.clientOptions
	}
	opts := make([]option.ClientOption, 0, len(s.clientOptions)+1)
	opts = append(opts, s.clientOptions...)
	return append(opts, option.WithEndpoint(endpoint))
}

// checkPCMFormat enforces the LINEAR16 constraints shared by both directions:
// mono, with a sample rate inside the service's accepted band.
func checkPCMFormat(f audio.Format) error {
	if f.Channels != 1 {
		return fmt.Errorf("google: %d-channel audio not supported, the service takes mono PCM", f.Channels)
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("google: unsupported sample rate %d", f.SampleRate)
	}
	return nil
}
