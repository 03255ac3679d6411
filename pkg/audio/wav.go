package audio

import (
	"bytes"
	"encoding/binary"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV packages little-endian 16-bit mono PCM as a RIFF/WAVE buffer
// at sampleRate, the format /speak returns and STT providers upload. Built
// on go-audio/wav rather than a hand-rolled header writer.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	ints := make([]int, len(pcm)/2)
	for i := range ints {
		ints[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	buf := new(bytes.Buffer)
	enc := wav.NewEncoder(buf, sampleRate, 16, 1, 1)
	intBuf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewWavBuffer is kept for callers that can't handle an encode error; it
// swallows encode failures and returns whatever was produced so far.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	out, _ := EncodeWAV(pcm, sampleRate)
	return out
}
