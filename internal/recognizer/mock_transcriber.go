package recognizer

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, req TranscriptRequest) (TranscriptResult, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s %s transcript length=%d]", req.Language, mode, len(req.PCM)),
		Confidence: 0,
	}, nil
}
