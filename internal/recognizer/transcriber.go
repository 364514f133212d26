package recognizer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

var errUnalignedPCM = errors.New("pcm payload is not 16-bit aligned")

// TranscriptRequest is one pass over the audio buffered so far.
type TranscriptRequest struct {
	PCM             []byte
	SampleRate      int
	Channels        int
	Final           bool
	Language        string
	MaxAlternatives int
}

// Buffer decodes the little-endian 16-bit PCM payload.
func (r TranscriptRequest) Buffer() (*audio.IntBuffer, error) {
	if len(r.PCM)%2 != 0 {
		return nil, errUnalignedPCM
	}
	data := make([]int, len(r.PCM)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(r.PCM[2*i:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: r.Channels, SampleRate: r.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}, nil
}

// EncodeWAV writes the request audio to w as a WAV stream.
func (r TranscriptRequest) EncodeWAV(w io.WriteSeeker) error {
	buf, err := r.Buffer()
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, r.SampleRate, bitDepth, r.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return enc.Close()
}

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text         string
	Confidence   float64
	Alternatives []string
}

// Matches returns the best text followed by distinct alternatives, capped at
// max entries. Empty hypotheses are skipped.
func (r TranscriptResult) Matches(max int) []string {
	if max <= 0 {
		max = 1
	}
	seen := make(map[string]struct{}, 1+len(r.Alternatives))
	matches := make([]string, 0, max)
	for _, text := range append([]string{r.Text}, r.Alternatives...) {
		if len(matches) == max {
			break
		}
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		matches = append(matches, text)
	}
	return matches
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptRequest) (TranscriptResult, error)
}
