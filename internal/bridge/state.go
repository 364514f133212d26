package bridge

import (
	"github.com/loqalabs/speech-bridge/internal/locale"
)

// State is the recognition lifecycle as seen by the bridge.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// AcceptsListen is false only while a recognition is in progress;
// Completed and Errored behave like Idle.
func (s State) AcceptsListen() bool {
	return s != StateListening
}

func canTransition(from, to State) bool {
	switch to {
	case StateListening:
		return from.AcceptsListen()
	case StateCompleted:
		return from == StateListening
	case StateIdle, StateErrored:
		return true
	}
	return false
}

// Session is the bridge's recognition state. Only the control looper touches
// it.
type Session struct {
	ID            string
	State         State
	Locale        locale.Locale
	Transcription string
	Cancelled     bool

	// completedText is what end of speech delivered, for dedupe.
	completedText string
	completedSent bool
}

func (s *Session) begin(id string, loc locale.Locale) {
	s.ID = id
	s.Locale = loc
	s.Cancelled = false
	s.completedText = ""
	s.completedSent = false
}

func (s *Session) markCompleted(text string) {
	s.completedText = text
	s.completedSent = true
}

// alreadyCompleted reports whether text was already delivered as the
// recognition-complete payload of this session.
func (s *Session) alreadyCompleted(text string) bool {
	return s.completedSent && s.completedText == text
}
