package bridge

import "github.com/loqalabs/speech-bridge/internal/channel"

// Inbound method names.
const (
	MethodHasPermissions     = "speech.hasPermissions"
	MethodActivate           = "speech.activate"
	MethodRequestPermissions = "speech.requestPermissions"
	MethodListen             = "speech.listen"
	MethodCancel             = "speech.cancel"
	MethodStop               = "speech.stop"
)

// EventKind names an outbound event. Its value is the method invoked on the
// caller.
type EventKind string

const (
	EventCurrentLocale       EventKind = "speech.onCurrentLocale"
	EventSpeechAvailability  EventKind = "speech.onSpeechAvailability"
	EventRecognitionStarted  EventKind = "speech.onRecognitionStarted"
	EventSpeech              EventKind = "speech.onSpeech"
	EventRecognitionComplete EventKind = "speech.onRecognitionComplete"
	EventError               EventKind = "speech.onError"
	EventPermission          EventKind = "speech.onPermission"
)

// Event is a tagged notification toward the caller. Payloads are bool, int,
// string or nil.
type Event struct {
	Kind    EventKind
	Payload any
}

type Sink interface {
	Send(ev Event) error
}

type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// InvokerSink delivers events as method invocations on inv.
func InvokerSink(inv channel.Invoker) Sink {
	return SinkFunc(func(ev Event) error {
		return inv.InvokeMethod(string(ev.Kind), ev.Payload)
	})
}
