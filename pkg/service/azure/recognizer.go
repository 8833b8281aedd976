package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/audioknife/audioknife/pkg/audio"
	"github.com/coder/websocket"
)

// turnDrainTimeout bounds how long a recognizer waits for the service to
// deliver trailing results after the audio stream ends.
const turnDrainTimeout = 10 * time.Second

// recognizer owns one full-duplex recognition turn: audio flows out on the
// caller's goroutine, results flow in on the read loop. turnEnd closes when
// the service finishes the turn.
type recognizer struct {
	conn      *websocket.Conn
	requestID string

	turnEnd chan struct{}
	endOnce sync.Once

	wg sync.WaitGroup

	mu      sync.Mutex
	readErr error
}

func newRecognizer(conn *websocket.Conn) *recognizer {
	return &recognizer{
		conn:      conn,
		requestID: newRequestID(),
		turnEnd:   make(chan struct{}),
	}
}

// start sends the speech.config preamble describing the audio source and
// launches the read loop. handle receives every parsed service frame except
// turn.end; a non-nil return stops the loop and fails the turn. cancel is
// invoked when the read loop exits so the caller's input wait unblocks.
func (r *recognizer) start(ctx context.Context, cancel context.CancelFunc, format audio.Format, handle func(msg wireMessage) error) error {
	cfg := speechConfig{}
	cfg.Context.System.Name = clientName
	cfg.Context.System.Version = clientVersion
	cfg.Context.Audio.Source.SampleRate = format.SampleRate
	cfg.Context.Audio.Source.BitsPerSample = 16
	cfg.Context.Audio.Source.ChannelCount = format.Channels

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("azure: marshal speech.config: %w", err)
	}
	data := encodeTextMessage(pathSpeechConfig, r.requestID, contentTypeJSON, body)
	if err := r.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("azure: send speech.config: %w", err)
	}

	r.wg.Add(1)
	go r.readLoop(ctx, cancel, handle)
	return nil
}

func (r *recognizer) readLoop(ctx context.Context, cancel context.CancelFunc, handle func(msg wireMessage) error) {
	defer r.wg.Done()
	defer cancel()

	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			// A read failure after the turn ended is the connection
			// winding down, not a recognition failure.
			select {
			case <-r.turnEnd:
			default:
				r.setErr(err)
			}
			return
		}
		msg, err := parseMessage(typ, data)
		if err != nil {
			continue
		}
		if msg.path == pathTurnEnd {
			r.endTurn()
			continue
		}
		if err := handle(msg); err != nil {
			r.setErr(err)
			return
		}
	}
}

// sendAudio ships one chunk of PCM to the service. Empty data signals the
// end of the audio stream.
func (r *recognizer) sendAudio(ctx context.Context, data []byte) error {
	return r.conn.Write(ctx, websocket.MessageBinary, encodeBinaryMessage(pathAudio, r.requestID, data))
}

// finish signals end of audio and waits for the service to wrap up the turn.
func (r *recognizer) finish(ctx context.Context) {
	_ = r.sendAudio(ctx, nil)

	timer := time.NewTimer(turnDrainTimeout)
	defer timer.Stop()
	select {
	case <-r.turnEnd:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// close tears the connection down and waits for the read loop to exit.
func (r *recognizer) close() {
	r.endTurn()
	_ = r.conn.Close(websocket.StatusNormalClosure, "conversation finished")
	r.wg.Wait()
}

func (r *recognizer) endTurn() {
	r.endOnce.Do(func() { close(r.turnEnd) })
}

func (r *recognizer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr == nil {
		r.readErr = err
	}
}

// err returns the first failure the read loop recorded, if any.
func (r *recognizer) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}

const (
	clientName    = "audioknife"
	clientVersion = "1.0"
)

// speechConfig is the context frame opening every recognition connection.
type speechConfig struct {
	Context struct {
		System struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"system"`
		Audio struct {
			Source struct {
				SampleRate    int `json:"samplerate"`
				BitsPerSample int `json:"bitspersample"`
				ChannelCount  int `json:"channelcount"`
			} `json:"source"`
		} `json:"audio"`
	} `json:"context"`
}
