// Package azure implements the three Speech service adapters: streaming
// transcription, text synthesis and speech translation. All three speak the
// Speech WebSocket protocol directly: text frames carry a header block and a
// JSON or SSML body, binary frames prefix the header block with its
// big-endian length and append raw PCM16 audio.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/coder/websocket"
)

const (
	transcribeEndpointFormat = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	synthesizeEndpointFormat = "wss://%s.tts.speech.microsoft.com/cognitiveservices/websocket/v1"
	translateEndpointFormat  = "wss://%s.s2s.speech.microsoft.com/speech/translation/cognitiveservices/v1"
)

// Credentials identify one Speech resource. Region names the regional
// endpoint cluster (e.g. "westeurope"), Key is the subscription key sent on
// every connection.
type Credentials struct {
	Region string
	Key    string
}

func (c Credentials) validate(endpoint string) error {
	if c.Key == "" {
		return errors.New("azure: subscription key must not be empty")
	}
	if c.Region == "" && endpoint == "" {
		return errors.New("azure: region must not be empty")
	}
	return nil
}

// Option is a functional option shared by the three adapter constructors.
type Option func(*settings)

// WithEndpoint replaces the regional endpoint with a full WebSocket URL.
// Used for sovereign clouds and for tests against a local server.
func WithEndpoint(url string) Option {
	return func(s *settings) { s.endpoint = url }
}

type settings struct {
	endpoint string
}

func applyOptions(opts []Option) settings {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return s
}

// dial opens an authenticated connection to endpoint with the given query
// parameters merged into it.
func dial(ctx context.Context, endpoint, key string, query url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("azure: parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range query {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", key)
	headers.Set("X-ConnectionId", newRequestID())

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("azure: dial: %w", err)
	}
	// Synthesis audio chunks can exceed the library default of 32 KiB.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// supportedSampleRates are the rates the service accepts for raw PCM16 input.
var supportedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
	24000: true,
	44100: true,
	48000: true,
}

// checkInputFormat enforces the service's raw PCM input constraints.
func checkInputFormat(f audio.Format) error {
	if f.Channels != 1 {
		return fmt.Errorf("azure: %d-channel input not supported, the service takes mono PCM", f.Channels)
	}
	if !supportedSampleRates[f.SampleRate] {
		return fmt.Errorf("azure: unsupported input sample rate %d", f.SampleRate)
	}
	return nil
}
