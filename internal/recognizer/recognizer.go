// Package recognizer provides the speech service the bridge drives: a
// start/stop lifecycle and an asynchronous callback set describing the
// progress of one recognition.
package recognizer

import (
	"context"

	"github.com/loqalabs/speech-bridge/internal/locale"
)

// Error codes delivered through Listener.OnError. Callers treat them as
// opaque integers.
const (
	ErrorNetworkTimeout          = 1
	ErrorNetwork                 = 2
	ErrorAudio                   = 3
	ErrorServer                  = 4
	ErrorClient                  = 5
	ErrorSpeechTimeout           = 6
	ErrorNoMatch                 = 7
	ErrorRecognizerBusy          = 8
	ErrorInsufficientPermissions = 9
)

// Event types delivered through Listener.OnEvent.
const (
	EventFramesDropped = 1
)

const LanguageModelFreeForm = "free_form"

// Intent configures one recognition.
type Intent struct {
	LanguageModel  string
	PartialResults bool
	MaxResults     int
	Language       locale.Locale
}

// Listener receives recognition callbacks. Implementations are called from a
// single goroutine, in the order the events occurred.
type Listener interface {
	OnReadyForSpeech()
	OnBeginningOfSpeech()
	OnRmsChanged(rmsDB float64)
	OnBufferReceived(buffer []byte)
	OnEndOfSpeech()
	OnError(code int)
	OnPartialResults(matches []string)
	OnResults(matches []string)
	OnEvent(eventType int)
}

type Recognizer interface {
	SetListener(l Listener)
	StartListening(ctx context.Context, intent Intent) error
	StopListening() error
}

// Poster schedules work on a serialized executor.
type Poster interface {
	Post(fn func()) error
}

// PostTo returns a Listener that forwards every callback to l through p.
func PostTo(p Poster, l Listener) Listener {
	return &postingListener{p: p, l: l}
}

type postingListener struct {
	p Poster
	l Listener
}

func (pl *postingListener) OnReadyForSpeech()     { _ = pl.p.Post(pl.l.OnReadyForSpeech) }
func (pl *postingListener) OnBeginningOfSpeech()  { _ = pl.p.Post(pl.l.OnBeginningOfSpeech) }
func (pl *postingListener) OnEndOfSpeech()        { _ = pl.p.Post(pl.l.OnEndOfSpeech) }
func (pl *postingListener) OnError(code int)      { _ = pl.p.Post(func() { pl.l.OnError(code) }) }
func (pl *postingListener) OnEvent(eventType int) { _ = pl.p.Post(func() { pl.l.OnEvent(eventType) }) }

func (pl *postingListener) OnRmsChanged(rmsDB float64) {
	_ = pl.p.Post(func() { pl.l.OnRmsChanged(rmsDB) })
}

func (pl *postingListener) OnBufferReceived(buffer []byte) {
	_ = pl.p.Post(func() { pl.l.OnBufferReceived(buffer) })
}

func (pl *postingListener) OnPartialResults(matches []string) {
	_ = pl.p.Post(func() { pl.l.OnPartialResults(matches) })
}

func (pl *postingListener) OnResults(matches []string) {
	_ = pl.p.Post(func() { pl.l.OnResults(matches) })
}
