// Package audio provides the PCM frame type and codec helpers shared by the
// capture, playback, and persistence pipelines.
//
// All audio inside Sonara is 16-bit little-endian PCM, mono. The wire protocol
// consumes 16 kHz input and produces 24 kHz output; device rates are whatever
// the local hardware prefers and are converted at the pipeline edges.
//
// This package lives under pkg/ because device adapters and store backends
// outside internal/ operate on these types.
package audio

import "time"

// Wire-format constants for the speech-model protocol.
const (
	// WireInputRate is the sample rate of audio sent to the model.
	WireInputRate = 16000

	// WireOutputRate is the sample rate of audio received from the model.
	WireOutputRate = 24000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// Frame is a single chunk of PCM16 mono audio flowing through the pipeline.
// Frames are the atomic unit of transport: captured from the microphone,
// forwarded over the wire, buffered for playback, and accumulated per turn.
type Frame struct {
	// Data is little-endian int16 PCM. Always mono.
	Data []byte

	// SampleRate in Hz (16000 outbound, 24000 inbound, device rate at the edges).
	SampleRate int

	// Timestamp marks when this frame was captured or received, relative to
	// stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	return Duration(len(f.Data), f.SampleRate)
}

// Chunk is a received model audio chunk held in the turn buffer until the turn
// finalizes. It is discarded after finalize or interruption.
type Chunk struct {
	// Data is little-endian int16 PCM at [WireOutputRate].
	Data []byte

	// ReceivedAt is the arrival wall-clock time.
	ReceivedAt time.Time
}
