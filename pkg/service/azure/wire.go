package azure

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	headerPath        = "Path"
	headerRequestID   = "X-RequestId"
	headerTimestamp   = "X-Timestamp"
	headerContentType = "Content-Type"

	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeSSML = "application/ssml+xml"
)

// Paths on frames the adapters send.
const (
	pathSpeechConfig     = "speech.config"
	pathSynthesisContext = "synthesis.context"
	pathSSML             = "ssml"
	pathAudio            = "audio"
)

// Paths on frames the service sends.
const (
	pathTurnStart             = "turn.start"
	pathTurnEnd               = "turn.end"
	pathSpeechStartDetected   = "speech.startDetected"
	pathSpeechEndDetected     = "speech.endDetected"
	pathSpeechHypothesis      = "speech.hypothesis"
	pathSpeechPhrase          = "speech.phrase"
	pathAudioMetadata         = "audio.metadata"
	pathTranslationHypothesis = "translation.hypothesis"
	pathTranslationPhrase     = "translation.phrase"
)

// wireMessage is one parsed frame of the Speech WebSocket protocol.
type wireMessage struct {
	path        string
	requestID   string
	contentType string
	body        []byte
	binary      bool
}

// encodeTextMessage assembles a text frame: header lines, a blank line, body.
func encodeTextMessage(path, requestID, contentType string, body []byte) []byte {
	var b bytes.Buffer
	writeHeader(&b, path, requestID, contentType)
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// encodeBinaryMessage assembles a binary frame: a 2-byte big-endian header
// size, the header lines, then the payload. An empty payload marks the end
// of the audio stream.
func encodeBinaryMessage(path, requestID string, payload []byte) []byte {
	var h bytes.Buffer
	writeHeader(&h, path, requestID, "")
	out := make([]byte, 2, 2+h.Len()+len(payload))
	binary.BigEndian.PutUint16(out, uint16(h.Len()))
	out = append(out, h.Bytes()...)
	out = append(out, payload...)
	return out
}

func writeHeader(b *bytes.Buffer, path, requestID, contentType string) {
	fmt.Fprintf(b, "%s: %s\r\n", headerPath, path)
	fmt.Fprintf(b, "%s: %s\r\n", headerRequestID, requestID)
	fmt.Fprintf(b, "%s: %s\r\n", headerTimestamp, wireTimestamp(time.Now()))
	if contentType != "" {
		fmt.Fprintf(b, "%s: %s\r\n", headerContentType, contentType)
	}
}

// parseMessage splits a received frame into its header fields and body.
func parseMessage(typ websocket.MessageType, data []byte) (wireMessage, error) {
	if typ == websocket.MessageBinary {
		return parseBinaryMessage(data)
	}
	return parseTextMessage(data)
}

func parseTextMessage(data []byte) (wireMessage, error) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		return wireMessage{}, errors.New("azure: text frame without header delimiter")
	}
	msg := wireMessage{body: body}
	if err := parseHeader(head, &msg); err != nil {
		return wireMessage{}, err
	}
	return msg, nil
}

func parseBinaryMessage(data []byte) (wireMessage, error) {
	if len(data) < 2 {
		return wireMessage{}, errors.New("azure: binary frame shorter than its size prefix")
	}
	size := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+size {
		return wireMessage{}, fmt.Errorf("azure: binary frame header size %d exceeds frame length %d", size, len(data))
	}
	msg := wireMessage{binary: true, body: data[2+size:]}
	if err := parseHeader(data[2:2+size], &msg); err != nil {
		return wireMessage{}, err
	}
	return msg, nil
}

func parseHeader(head []byte, msg *wireMessage) error {
	for _, line := range strings.Split(string(head), "\r\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return fmt.Errorf("azure: malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "path":
			msg.path = value
		case "x-requestid":
			msg.requestID = value
		case "content-type":
			msg.contentType = value
		}
	}
	if msg.path == "" {
		return errors.New("azure: frame without a Path header")
	}
	return nil
}

// newRequestID returns the 32 hex digit identifier the protocol uses for
// request and connection ids.
func newRequestID() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

// wireTimestamp renders t the way the service expects X-Timestamp values.
func wireTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
