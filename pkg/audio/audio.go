// Package audio defines the PCM primitives shared by every component that
// touches sound: formats, frames and the duration math the pacing and billing
// layers are built on. All audio in the broker is 16-bit little-endian PCM;
// sample rate and channel count travel alongside the bytes as a Format.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM16 stream.
// Formats compare with ==; two streams are compatible iff their formats match.
type Format struct {
	// SampleRate in Hz (e.g. 8000 for telephony, 16000 for STT, 24000 for
	// OpenAI realtime).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo. Higher counts are
	// legal on input and downmixed before hitting mono-only services.
	Channels int
}

// Valid reports whether the format can describe a real PCM16 stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the byte rate of the format (2 bytes per sample,
// all channels interleaved).
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameSize returns the byte size of one interleaved sample across all
// channels. PCM data lengths are always a multiple of this.
func (f Format) FrameSize() int {
	return f.Channels * 2
}

// Duration returns the playback time of n bytes of PCM in this format.
// Partial trailing samples are ignored.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	samples := n / f.FrameSize()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the PCM byte count covering duration d in this format,
// truncated to whole interleaved samples.
func (f Format) Bytes(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return samples * f.FrameSize()
}

// String renders the format for logs, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is a contiguous run of PCM16 bytes in a single format. Frames are the
// atomic unit of audio transport between the connection, conversations and
// service adapters.
type Frame struct {
	Format Format

	// Data holds little-endian int16 samples, channels interleaved.
	Data []byte
}

// Duration returns the playback time of the frame.
func (fr Frame) Duration() time.Duration {
	return fr.Format.Duration(len(fr.Data))
}
