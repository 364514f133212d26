package recognizer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

const dispatchQueue = 256

// Service is a Recognizer fed by audio frames published on the bus. When no
// bus client is supplied frames are expected through HandleFrame.
type Service struct {
	cfg         config.RecognizerConfig
	bus         *bus.Client
	transcriber Transcriber
	permitted   func() bool
	log         *slog.Logger

	mu      sync.Mutex
	session *session
	sub     *nats.Subscription

	lmu      sync.RWMutex
	listener Listener

	events chan func(Listener)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

type session struct {
	intent       Intent
	buffer       []byte
	began        bool
	ended        bool
	lastSeq      int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	noSpeech     *time.Timer
}

func NewService(parent context.Context, cfg config.RecognizerConfig, busClient *bus.Client, transcriber Transcriber, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		log:         log.With(slog.String("component", "recognizer")),
		events:      make(chan func(Listener), dispatchQueue),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetPermissionCheck gates StartListening on check.
func (s *Service) SetPermissionCheck(check func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permitted = check
}

func (s *Service) SetListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listener = l
}

func (s *Service) Start() error {
	if s.bus != nil {
		subject := protocol.AudioFrameSubject(s.cfg.Source)
		sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
		if err != nil {
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
		s.sub = sub
	}
	s.wg.Add(1)
	go s.dispatch()
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	if s.session != nil {
		s.endLocked(s.session)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

func (s *Service) StartListening(_ context.Context, intent Intent) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("recognizer closed: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permitted != nil && !s.permitted() {
		s.emitLocked(func(l Listener) { l.OnError(ErrorInsufficientPermissions) })
		return nil
	}
	if s.session != nil {
		s.emitLocked(func(l Listener) { l.OnError(ErrorRecognizerBusy) })
		return nil
	}

	sess := &session{intent: intent, lastSeq: -1}
	if timeout := time.Duration(s.cfg.NoSpeechTimeoutMS) * time.Millisecond; timeout > 0 {
		sess.noSpeech = time.AfterFunc(timeout, func() { s.speechTimeout(sess) })
	}
	s.session = sess
	s.log.Debug("listening started", slog.String("language", intent.Language.Tag().String()))
	s.emitLocked(func(l Listener) { l.OnReadyForSpeech() })
	return nil
}

func (s *Service) StopListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session
	if sess == nil || sess.ended {
		return nil
	}
	s.finishLocked(sess)
	return nil
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.HandleFrame(frame)
}

// HandleFrame feeds one frame into the active recognition, if any.
func (s *Service) HandleFrame(frame protocol.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session
	if sess == nil || sess.ended {
		return
	}
	if sess.lastSeq >= 0 && frame.Sequence > sess.lastSeq+1 {
		s.emitLocked(func(l Listener) { l.OnEvent(EventFramesDropped) })
	}
	sess.lastSeq = frame.Sequence

	if len(frame.PCM) > 0 {
		rms := rmsDB(frame.PCM)
		pcm := append([]byte(nil), frame.PCM...)
		s.tryEmitLocked(func(l Listener) { l.OnRmsChanged(rms) })
		s.tryEmitLocked(func(l Listener) { l.OnBufferReceived(pcm) })
		sess.buffer = append(sess.buffer, frame.PCM...)

		if !sess.began && rms > s.cfg.SilenceThresholdDB {
			sess.began = true
			if sess.noSpeech != nil {
				sess.noSpeech.Stop()
			}
			s.emitLocked(func(l Listener) { l.OnBeginningOfSpeech() })
		}
	}

	if frame.Final {
		s.finishLocked(sess)
		return
	}
	if sess.began && sess.intent.PartialResults && s.partialDueLocked(sess) {
		s.scheduleLocked(sess, false)
	}
}

func (s *Service) partialDueLocked(sess *session) bool {
	if sess.inflight {
		return false
	}
	if sess.lastPartial.IsZero() {
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	return time.Since(sess.lastPartial) >= interval
}

// finishLocked marks the end of speech and queues the final pass.
func (s *Service) finishLocked(sess *session) {
	if !sess.began {
		s.endLocked(sess)
		s.emitLocked(func(l Listener) { l.OnError(ErrorSpeechTimeout) })
		return
	}
	sess.ended = true
	s.emitLocked(func(l Listener) { l.OnEndOfSpeech() })
	if sess.inflight {
		sess.pendingFinal = true
		return
	}
	s.scheduleLocked(sess, true)
}

func (s *Service) endLocked(sess *session) {
	sess.ended = true
	if sess.noSpeech != nil {
		sess.noSpeech.Stop()
	}
	if s.session == sess {
		s.session = nil
	}
}

func (s *Service) speechTimeout(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess || sess.began || sess.ended {
		return
	}
	s.endLocked(sess)
	s.emitLocked(func(l Listener) { l.OnError(ErrorSpeechTimeout) })
}

func (s *Service) scheduleLocked(sess *session, final bool) {
	req := TranscriptRequest{
		PCM:             append([]byte(nil), sess.buffer...),
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		Final:           final,
		Language:        sess.intent.Language.Tag().String(),
		MaxAlternatives: sess.intent.MaxResults,
	}
	sess.inflight = true
	if !final {
		sess.lastPartial = time.Now()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TranscribeTimeout)*time.Millisecond)
		defer cancel()

		result, err := s.transcriber.Transcribe(ctx, req)

		s.mu.Lock()
		defer s.mu.Unlock()
		sess.inflight = false
		if s.session != sess {
			return
		}
		if final {
			s.endLocked(sess)
			s.deliverFinalLocked(result, err, sess.intent.MaxResults)
			return
		}
		if err != nil {
			s.log.Warn("partial transcription failed", slogError(err))
		} else if matches := result.Matches(sess.intent.MaxResults); !sess.ended && len(matches) > 0 {
			s.emitLocked(func(l Listener) { l.OnPartialResults(matches) })
		}
		if sess.pendingFinal {
			sess.pendingFinal = false
			s.scheduleLocked(sess, true)
		}
	}()
}

func (s *Service) deliverFinalLocked(result TranscriptResult, err error, maxResults int) {
	if err != nil {
		s.log.Warn("final transcription failed", slogError(err))
		code := ErrorClient
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrorNetworkTimeout
		}
		s.emitLocked(func(l Listener) { l.OnError(code) })
		return
	}
	matches := result.Matches(maxResults)
	if len(matches) == 0 {
		s.emitLocked(func(l Listener) { l.OnError(ErrorNoMatch) })
		return
	}
	s.emitLocked(func(l Listener) { l.OnResults(matches) })
}

// emitLocked queues a callback, waiting for room if the queue is full.
func (s *Service) emitLocked(fn func(Listener)) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

// tryEmitLocked queues a callback unless the queue is full.
func (s *Service) tryEmitLocked(fn func(Listener)) {
	select {
	case s.events <- fn:
	default:
	}
}

func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			s.lmu.RLock()
			l := s.listener
			s.lmu.RUnlock()
			if l != nil {
				fn(l)
			}
		}
	}
}

// rmsDB returns the level of 16-bit little-endian PCM in dBFS.
func rmsDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return -100
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return -100
	}
	return 20 * math.Log10(rms)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
