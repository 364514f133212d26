package recognizer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/locale"
	"github.com/loqalabs/speech-bridge/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedTranscriber func(req TranscriptRequest) (TranscriptResult, error)

func (f scriptedTranscriber) Transcribe(_ context.Context, req TranscriptRequest) (TranscriptResult, error) {
	return f(req)
}

// eventLog records the callbacks that matter for sequencing; rms and buffer
// callbacks are counted only.
type eventLog struct {
	events  chan string
	rms     chan float64
	buffers chan int
}

func newEventLog() *eventLog {
	return &eventLog{
		events:  make(chan string, 64),
		rms:     make(chan float64, 64),
		buffers: make(chan int, 64),
	}
}

func (e *eventLog) OnReadyForSpeech()              { e.events <- "ready" }
func (e *eventLog) OnBeginningOfSpeech()           { e.events <- "begin" }
func (e *eventLog) OnRmsChanged(rmsDB float64)     { e.rms <- rmsDB }
func (e *eventLog) OnBufferReceived(buffer []byte) { e.buffers <- len(buffer) }
func (e *eventLog) OnEndOfSpeech()                 { e.events <- "end" }
func (e *eventLog) OnError(code int)               { e.events <- fmt.Sprintf("error:%d", code) }
func (e *eventLog) OnEvent(eventType int)          { e.events <- fmt.Sprintf("event:%d", eventType) }
func (e *eventLog) OnPartialResults(matches []string) {
	e.events <- "partial:" + strings.Join(matches, "|")
}
func (e *eventLog) OnResults(matches []string) {
	e.events <- "results:" + strings.Join(matches, "|")
}

func (e *eventLog) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-e.events:
			if got != w {
				t.Fatalf("expected %q, got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func testConfig() config.RecognizerConfig {
	cfg := config.Default().Recognizer
	cfg.PartialEveryMS = 0
	cfg.NoSpeechTimeoutMS = 0
	return cfg
}

func startService(t *testing.T, cfg config.RecognizerConfig, tr Transcriber) (*Service, *eventLog) {
	t.Helper()
	svc := NewService(context.Background(), cfg, nil, tr, newLogger())
	events := newEventLog()
	svc.SetListener(events)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, events
}

func intent() Intent {
	return Intent{
		LanguageModel:  LanguageModelFreeForm,
		PartialResults: true,
		MaxResults:     3,
		Language:       locale.Locale{Language: "en", Region: "US"},
	}
}

func tone(samples int, amplitude int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestRecognitionLifecycle(t *testing.T) {
	var gotLanguage string
	tr := scriptedTranscriber(func(req TranscriptRequest) (TranscriptResult, error) {
		gotLanguage = req.Language
		if req.Final {
			return TranscriptResult{Text: "hello world", Alternatives: []string{"hello word", "hello world", "yellow world"}}, nil
		}
		return TranscriptResult{Text: "hello"}, nil
	})
	svc, events := startService(t, testConfig(), tr)

	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	events.expect(t, "ready")

	svc.HandleFrame(protocol.AudioFrame{Sequence: 0, PCM: tone(320, 8000)})
	events.expect(t, "begin", "partial:hello")

	svc.HandleFrame(protocol.AudioFrame{Sequence: 1, Final: true})
	events.expect(t, "end", "results:hello world|hello word|yellow world")

	if gotLanguage != "en-US" {
		t.Fatalf("expected transcriber language en-US, got %q", gotLanguage)
	}
	select {
	case n := <-events.buffers:
		if n != 640 {
			t.Fatalf("expected 640 byte buffer, got %d", n)
		}
	default:
		t.Fatal("expected buffer callback")
	}
}

func TestStopBeforeSpeechTimesOut(t *testing.T) {
	svc, events := startService(t, testConfig(), NewMockTranscriber())
	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	svc.HandleFrame(protocol.AudioFrame{Sequence: 0, PCM: make([]byte, 320)})
	if err := svc.StopListening(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	events.expect(t, "ready", fmt.Sprintf("error:%d", ErrorSpeechTimeout))

	// A fresh recognition is accepted once the previous one ended.
	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	events.expect(t, "ready")
}

func TestNoSpeechTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NoSpeechTimeoutMS = 20
	svc, events := startService(t, cfg, NewMockTranscriber())
	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	events.expect(t, "ready", fmt.Sprintf("error:%d", ErrorSpeechTimeout))
}

func TestBusyAndPermission(t *testing.T) {
	svc, events := startService(t, testConfig(), NewMockTranscriber())
	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if err := svc.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	events.expect(t, "ready", fmt.Sprintf("error:%d", ErrorRecognizerBusy))

	svc2, events2 := startService(t, testConfig(), NewMockTranscriber())
	svc2.SetPermissionCheck(func() bool { return false })
	if err := svc2.StartListening(context.Background(), intent()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	events2.expect(t, fmt.Sprintf("error:%d", ErrorInsufficientPermissions))
}

func TestFinalFailures(t *testing.T) {
	cases := []struct {
		name string
		tr   scriptedTranscriber
		want int
	}{
		{"no match", func(TranscriptRequest) (TranscriptResult, error) { return TranscriptResult{}, nil }, ErrorNoMatch},
		{"command failed", func(TranscriptRequest) (TranscriptResult, error) { return TranscriptResult{}, errors.New("exit status 1") }, ErrorClient},
		{"bad output", func(TranscriptRequest) (TranscriptResult, error) {
			return TranscriptResult{}, fmt.Errorf("decode recognizer response: %w", errors.New("unexpected end of JSON input"))
		}, ErrorClient},
		{"timeout", func(TranscriptRequest) (TranscriptResult, error) {
			return TranscriptResult{}, fmt.Errorf("recognizer command: %w", context.DeadlineExceeded)
		}, ErrorNetworkTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			svc, events := startService(t, cfg, tc.tr)
			in := intent()
			in.PartialResults = false
			if err := svc.StartListening(context.Background(), in); err != nil {
				t.Fatalf("start listening: %v", err)
			}
			svc.HandleFrame(protocol.AudioFrame{Sequence: 0, PCM: tone(160, 12000), Final: true})
			events.expect(t, "ready", "begin", "end", fmt.Sprintf("error:%d", tc.want))
		})
	}
}

func TestDroppedFramesEvent(t *testing.T) {
	svc, events := startService(t, testConfig(), NewMockTranscriber())
	in := intent()
	in.PartialResults = false
	if err := svc.StartListening(context.Background(), in); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	svc.HandleFrame(protocol.AudioFrame{Sequence: 0, PCM: make([]byte, 32)})
	svc.HandleFrame(protocol.AudioFrame{Sequence: 4, PCM: make([]byte, 32)})
	events.expect(t, "ready", fmt.Sprintf("event:%d", EventFramesDropped))
}

func TestFramesIgnoredWhenIdle(t *testing.T) {
	svc, events := startService(t, testConfig(), NewMockTranscriber())
	svc.HandleFrame(protocol.AudioFrame{Sequence: 0, PCM: tone(160, 12000), Final: true})
	select {
	case ev := <-events.events:
		t.Fatalf("unexpected callback %q", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRMS(t *testing.T) {
	if got := rmsDB(make([]byte, 64)); got != -100 {
		t.Fatalf("expected silence floor, got %v", got)
	}
	loud := rmsDB(tone(64, 32767))
	if loud < -0.1 || loud > 0.1 {
		t.Fatalf("expected ~0 dBFS, got %v", loud)
	}
	if quiet := rmsDB(tone(64, 33)); quiet > -50 {
		t.Fatalf("expected quiet signal below -50 dBFS, got %v", quiet)
	}
}

func TestMatches(t *testing.T) {
	r := TranscriptResult{Text: "a", Alternatives: []string{"", "a", "b", "c", "d"}}
	got := r.Matches(3)
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("unexpected matches %v", got)
	}
	if len((TranscriptResult{}).Matches(3)) != 0 {
		t.Fatal("expected no matches for empty result")
	}
}

func TestEncodeWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	req := TranscriptRequest{PCM: tone(160, 1000), SampleRate: 16000, Channels: 1}
	if err := req.EncodeWAV(file); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format %d Hz, %d channels, %d bits", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	odd := TranscriptRequest{PCM: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}
	if _, err := odd.Buffer(); !errors.Is(err, errUnalignedPCM) {
		t.Fatalf("expected alignment error, got %v", err)
	}
}

func TestExecArgs(t *testing.T) {
	tr, err := NewExecTranscriber(config.RecognizerConfig{Command: `stt --beam 5`, ModelPath: "/models/base.bin"})
	if err != nil {
		t.Fatal(err)
	}
	got := tr.(*execTranscriber).args("/tmp/a.wav", TranscriptRequest{Language: "en-US", MaxAlternatives: 3})
	want := "--beam 5 --audio /tmp/a.wav --model /models/base.bin --language en-US --max-alternatives 3 --partial"
	if strings.Join(got, " ") != want {
		t.Fatalf("unexpected args %q", got)
	}
	got = tr.(*execTranscriber).args("/tmp/a.wav", TranscriptRequest{Final: true, MaxAlternatives: 1})
	if strings.Join(got, " ") != "--beam 5 --audio /tmp/a.wav --model /models/base.bin" {
		t.Fatalf("unexpected final args %q", got)
	}
}

func TestDecodeExecOutput(t *testing.T) {
	res, err := decodeExecOutput([]byte(`{"text":" hello ","confidence":0.8,"alternatives":["hallo"]}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" || res.Confidence != 0.8 || len(res.Alternatives) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res, err := decodeExecOutput([]byte("  \n")); err != nil || res.Text != "" {
		t.Fatalf("expected empty result, got %+v %v", res, err)
	}
	if _, err := decodeExecOutput([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecTranscriberRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tr, err := NewExecTranscriber(config.RecognizerConfig{
		Command: `sh -c 'test -s "$2" && echo "{\"text\":\"hello\",\"alternatives\":[\"hallo\"]}"' stt`,
	})
	if err != nil {
		t.Fatal(err)
	}
	req := TranscriptRequest{PCM: tone(160, 1000), SampleRate: 16000, Channels: 1, Final: true}
	res, err := tr.Transcribe(context.Background(), req)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got := res.Matches(3); len(got) != 2 || got[0] != "hello" {
		t.Fatalf("unexpected matches %v", got)
	}

	failing, err := NewExecTranscriber(config.RecognizerConfig{Command: `sh -c 'echo boom >&2; exit 3'`})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := failing.Transcribe(context.Background(), req); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected command failure with stderr, got %v", err)
	}
}

func TestNewExecTranscriberRejectsEmpty(t *testing.T) {
	if _, err := NewExecTranscriber(config.RecognizerConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecTranscriber(config.RecognizerConfig{Command: `stt "unterminated`}); err == nil {
		t.Fatal("expected parse error")
	}
}
