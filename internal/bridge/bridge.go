// Package bridge forwards caller method calls to the speech recognizer and
// recognizer callbacks back to the caller as events.
//
// A Bridge is not safe for concurrent use. Every method, including the
// recognizer and permission callbacks, must be called from one goroutine;
// the runtime posts them all to a single looper.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/speech-bridge/internal/channel"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/locale"
	"github.com/loqalabs/speech-bridge/internal/notify"
	"github.com/loqalabs/speech-bridge/internal/permission"
	"github.com/loqalabs/speech-bridge/internal/recognizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/speech-bridge/bridge"

// MaxResults is how many alternatives a listen asks the recognizer for.
const MaxResults = 3

var ErrBusy = errors.New("recognition already in progress")

// Permissions is the platform permission service.
type Permissions interface {
	Granted(permission string) bool
	ShouldShowRationale(permission string) bool
	Request(requestCode int, permissions []string)
}

type Options struct {
	Config      config.BridgeConfig
	Recognizer  recognizer.Recognizer
	Permissions Permissions
	Notifier    notify.Notifier
	Locale      locale.Source
	Sink        Sink
	Logger      *slog.Logger
	Meter       metric.Meter
	Tracer      trace.Tracer
}

type Bridge struct {
	cfg         config.BridgeConfig
	recognizer  recognizer.Recognizer
	permissions Permissions
	notifier    notify.Notifier
	locale      locale.Source
	sink        Sink
	log         *slog.Logger
	tracer      trace.Tracer
	newID       func() string

	session  Session
	observed atomic.Int32

	calls  metric.Int64Counter
	events metric.Int64Counter
}

func New(opts Options) (*Bridge, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("bridge requires a recognizer")
	}
	if opts.Permissions == nil {
		return nil, errors.New("bridge requires a permission service")
	}
	if opts.Sink == nil {
		return nil, errors.New("bridge requires an event sink")
	}
	if opts.Logger == nil {
		return nil, errors.New("bridge requires a logger")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Log: opts.Logger}
	}
	if opts.Locale == nil {
		opts.Locale = locale.Fixed(opts.Config.Locale)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}

	b := &Bridge{
		cfg:         opts.Config,
		recognizer:  opts.Recognizer,
		permissions: opts.Permissions,
		notifier:    opts.Notifier,
		locale:      opts.Locale,
		sink:        opts.Sink,
		log:         opts.Logger.With(slog.String("component", "bridge")),
		tracer:      opts.Tracer,
		newID:       uuid.NewString,
	}
	if err := b.initMetrics(opts.Meter); err != nil {
		b.log.Warn("failed to initialize metrics", slogError(err))
	}
	return b, nil
}

func (b *Bridge) initMetrics(meter metric.Meter) error {
	calls, err := meter.Int64Counter("speechbridge.calls", metric.WithDescription("Inbound method calls by outcome"))
	if err != nil {
		return err
	}
	events, err := meter.Int64Counter("speechbridge.events", metric.WithDescription("Outbound events by kind"))
	if err != nil {
		return err
	}
	b.calls = calls
	b.events = events
	_, err = meter.Int64ObservableGauge("speechbridge.state",
		metric.WithDescription("Recognition state (0 idle, 1 listening, 2 completed, 3 errored)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(b.observed.Load()))
			return nil
		}))
	return err
}

// ObservedState may be read from any goroutine.
func (b *Bridge) ObservedState() State {
	return State(b.observed.Load())
}

// Session returns a copy of the current session state.
func (b *Bridge) Session() Session {
	return b.session
}

func (b *Bridge) transition(to State) {
	from := b.session.State
	if from == to {
		return
	}
	if !canTransition(from, to) {
		b.log.Warn("ignoring state transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return
	}
	b.session.State = to
	b.observed.Store(int32(to))
	b.log.Debug("state changed",
		slog.String("session_id", b.session.ID),
		slog.String("locale", b.session.Locale.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// HandleMethodCall dispatches one inbound call. It implements channel.Handler.
func (b *Bridge) HandleMethodCall(call channel.MethodCall, result channel.Result) {
	ctx, span := b.tracer.Start(context.Background(), "bridge.call",
		trace.WithAttributes(attribute.String("method", call.Method)))
	defer span.End()

	outcome := &outcomeResult{Result: result}
	switch call.Method {
	case MethodHasPermissions:
		outcome.Success(b.permissions.Granted(permission.RecordAudio))
	case MethodActivate:
		b.activate(outcome)
	case MethodRequestPermissions:
		b.requestPermissions(ctx, outcome)
	case MethodListen:
		b.listen(ctx, call, outcome)
	case MethodCancel:
		b.stopListening(outcome, true)
	case MethodStop:
		b.stopListening(outcome, false)
	default:
		outcome.NotImplemented()
	}

	span.SetAttributes(attribute.String("outcome", outcome.kind))
	if outcome.kind == "error" {
		span.SetStatus(codes.Error, outcome.code)
	}
	if b.calls != nil {
		b.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", call.Method),
			attribute.String("outcome", outcome.kind)))
	}
}

func (b *Bridge) activate(result channel.Result) {
	result.Success(true)
	current := b.locale()
	b.log.Debug("current locale", slog.String("locale", current.String()))
	b.emit(EventCurrentLocale, current.String())
}

func (b *Bridge) requestPermissions(ctx context.Context, result channel.Result) {
	if b.permissions.ShouldShowRationale(permission.RecordAudio) {
		if err := b.notifier.Show(ctx, b.cfg.RationaleMessage); err != nil {
			b.log.Warn("failed to show rationale", slogError(err))
		}
	} else {
		b.log.Debug("requesting permissions", slog.Int("request_code", b.cfg.RequestCode))
		b.permissions.Request(b.cfg.RequestCode, []string{permission.RecordAudio})
	}
	result.Success(b.permissions.Granted(permission.RecordAudio))
}

func (b *Bridge) listen(ctx context.Context, call channel.MethodCall, result channel.Result) {
	if !b.session.State.AcceptsListen() {
		result.Error("busy", ErrBusy.Error(), nil)
		return
	}
	id, err := call.StringArgument()
	if err != nil {
		result.Error("invalid_argument", err.Error(), nil)
		return
	}
	loc, err := locale.Parse(id)
	if err != nil {
		result.Error("invalid_argument", err.Error(), nil)
		return
	}

	intent := recognizer.Intent{
		LanguageModel:  recognizer.LanguageModelFreeForm,
		PartialResults: true,
		MaxResults:     MaxResults,
		Language:       loc,
	}
	b.session.begin(b.newID(), loc)
	b.transition(StateListening)
	b.log.Info("listening",
		slog.String("session_id", b.session.ID),
		slog.String("locale", loc.String()))

	if err := b.recognizer.StartListening(ctx, intent); err != nil {
		b.log.Warn("failed to start recognizer", slog.String("session_id", b.session.ID), slogError(err))
		b.transition(StateIdle)
		result.Error("recognizer_unavailable", err.Error(), nil)
		return
	}
	result.Success(true)
}

func (b *Bridge) stopListening(result channel.Result, cancelled bool) {
	if err := b.recognizer.StopListening(); err != nil {
		b.log.Warn("failed to stop recognizer", slog.String("session_id", b.session.ID), slogError(err))
	}
	b.session.Cancelled = cancelled
	result.Success(true)
}

func (b *Bridge) OnReadyForSpeech() {
	b.emit(EventSpeechAvailability, true)
}

func (b *Bridge) OnBeginningOfSpeech() {
	b.session.Transcription = ""
	b.emit(EventRecognitionStarted, nil)
}

func (b *Bridge) OnRmsChanged(rmsDB float64) {
	b.log.Debug("rms changed", slog.Float64("rms_db", rmsDB))
}

func (b *Bridge) OnBufferReceived(buffer []byte) {
	b.log.Debug("buffer received", slog.Int("bytes", len(buffer)))
}

// OnEndOfSpeech reports the last partial text as complete, whether or not
// the session was cancelled.
func (b *Bridge) OnEndOfSpeech() {
	b.log.Debug("end of speech",
		slog.String("session_id", b.session.ID),
		slog.Bool("cancelled", b.session.Cancelled))
	b.session.markCompleted(b.session.Transcription)
	b.emit(EventRecognitionComplete, b.session.Transcription)
}

func (b *Bridge) OnError(code int) {
	b.log.Info("recognizer error", slog.String("session_id", b.session.ID), slog.Int("code", code))
	b.transition(StateErrored)
	b.emit(EventSpeechAvailability, false)
	b.emit(EventError, code)
}

func (b *Bridge) OnPartialResults(matches []string) {
	if len(matches) == 0 {
		return
	}
	b.session.Transcription = matches[0]
	b.emit(EventSpeech, b.session.Transcription)
}

func (b *Bridge) OnResults(matches []string) {
	text := ""
	if len(matches) > 0 {
		text = matches[0]
	}
	b.session.Transcription = text
	b.transition(StateCompleted)
	if b.cfg.DedupeComplete && b.session.alreadyCompleted(text) {
		b.log.Debug("suppressing duplicate completion", slog.String("session_id", b.session.ID))
		return
	}
	b.session.markCompleted(text)
	b.emit(EventRecognitionComplete, text)
}

func (b *Bridge) OnEvent(eventType int) {
	b.log.Debug("recognizer event", slog.Int("event_type", eventType))
}

// OnRequestPermissionsResult implements permission.ResultListener.
func (b *Bridge) OnRequestPermissionsResult(requestCode int, _ []string, grants []bool) bool {
	if requestCode != b.cfg.RequestCode {
		return false
	}
	granted := len(grants) > 0 && grants[0]
	b.emit(EventPermission, granted)
	return true
}

func (b *Bridge) emit(kind EventKind, payload any) {
	if err := b.sink.Send(Event{Kind: kind, Payload: payload}); err != nil {
		b.log.Warn("failed to deliver event", slog.String("event", string(kind)), slogError(err))
	}
	if b.events != nil {
		b.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// outcomeResult remembers how a call was answered for telemetry.
type outcomeResult struct {
	channel.Result
	kind string
	code string
}

func (r *outcomeResult) Success(value any) {
	r.kind = "success"
	r.Result.Success(value)
}

func (r *outcomeResult) Error(code, message string, details any) {
	r.kind = "error"
	r.code = code
	r.Result.Error(code, message, details)
}

func (r *outcomeResult) NotImplemented() {
	r.kind = "not_implemented"
	r.Result.NotImplemented()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

var (
	_ channel.Handler           = (*Bridge)(nil)
	_ recognizer.Listener       = (*Bridge)(nil)
	_ permission.ResultListener = (*Bridge)(nil)
)

