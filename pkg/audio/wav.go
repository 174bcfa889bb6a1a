package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // byte length of the PCM payload
}

// EncodeWAV wraps PCM16 mono bytes in a WAV container at the given sample
// rate. The input length must be sample-aligned (even).
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio: encode wav: empty pcm buffer")
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: encode wav: odd byte count %d", len(pcm))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: invalid sample rate %d", sampleRate)
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := uint32(len(pcm))

	hdr := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("audio: encode wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM16 payload and sample rate from a WAV container.
// Only uncompressed 16-bit mono PCM is accepted.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < 44 {
		return nil, 0, fmt.Errorf("audio: decode wav: %d bytes is shorter than a wav header", len(data))
	}

	var hdr wavHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav header: %w", err)
	}

	switch {
	case string(hdr.ChunkID[:]) != "RIFF":
		return nil, 0, fmt.Errorf("audio: decode wav: missing RIFF marker")
	case string(hdr.Format[:]) != "WAVE":
		return nil, 0, fmt.Errorf("audio: decode wav: missing WAVE marker")
	case hdr.AudioFormat != 1:
		return nil, 0, fmt.Errorf("audio: decode wav: unsupported audio format %d", hdr.AudioFormat)
	case hdr.BitsPerSample != 16:
		return nil, 0, fmt.Errorf("audio: decode wav: unsupported bit depth %d", hdr.BitsPerSample)
	case hdr.NumChannels != 1:
		return nil, 0, fmt.Errorf("audio: decode wav: expected mono, got %d channels", hdr.NumChannels)
	}

	payload := data[44:]
	if int(hdr.Subchunk2Size) < len(payload) {
		payload = payload[:hdr.Subchunk2Size]
	}
	return payload, int(hdr.SampleRate), nil
}
