package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/mattn/go-shellwords"
)

// execTranscriber hands each request to an external command as a WAV file
// and reads a JSON result from its stdout:
//
//	{"text": "...", "confidence": 0.9, "alternatives": ["..."]}
type execTranscriber struct {
	argv  []string
	model string
}

func NewExecTranscriber(cfg config.RecognizerConfig) (Transcriber, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execTranscriber{argv: argv, model: cfg.ModelPath}, nil
}

func (t *execTranscriber) Transcribe(ctx context.Context, req TranscriptRequest) (TranscriptResult, error) {
	audioPath, err := stageAudio(req)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(audioPath)

	cmd := exec.CommandContext(ctx, t.argv[0], t.args(audioPath, req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, fmt.Errorf("recognizer command: %w", ctx.Err())
		}
		return TranscriptResult{}, fmt.Errorf("recognizer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeExecOutput(stdout.Bytes())
}

// args appends the per-request flags to the configured command line.
func (t *execTranscriber) args(audioPath string, req TranscriptRequest) []string {
	args := append([]string(nil), t.argv[1:]...)
	args = append(args, "--audio", audioPath)
	if t.model != "" {
		args = append(args, "--model", t.model)
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if req.MaxAlternatives > 1 {
		args = append(args, "--max-alternatives", strconv.Itoa(req.MaxAlternatives))
	}
	if !req.Final {
		args = append(args, "--partial")
	}
	return args
}

func stageAudio(req TranscriptRequest) (string, error) {
	file, err := os.CreateTemp("", "speech_bridge_*.wav")
	if err != nil {
		return "", fmt.Errorf("stage audio: %w", err)
	}
	encErr := req.EncodeWAV(file)
	closeErr := file.Close()
	if encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("stage audio: %w", encErr)
	}
	return file.Name(), nil
}

// decodeExecOutput treats blank output as "nothing recognized".
func decodeExecOutput(out []byte) (TranscriptResult, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return TranscriptResult{}, nil
	}
	var payload struct {
		Text         string   `json:"text"`
		Confidence   float64  `json:"confidence"`
		Alternatives []string `json:"alternatives"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return TranscriptResult{
		Text:         strings.TrimSpace(payload.Text),
		Confidence:   payload.Confidence,
		Alternatives: payload.Alternatives,
	}, nil
}
