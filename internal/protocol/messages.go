package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from a capture device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// MethodCall is an inbound invocation on the method channel.
type MethodCall struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result statuses.
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusNotImplemented = "not_implemented"
)

// MethodResult is the reply to a MethodCall.
type MethodResult struct {
	Status  string `json:"status"`
	Result  any    `json:"result,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Invocation is an outbound method invocation toward the caller.
type Invocation struct {
	Method    string    `json:"method"`
	Arguments any       `json:"arguments"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// PermissionPrompt asks the caller side to present a permission dialog.
type PermissionPrompt struct {
	RequestCode int      `json:"request_code"`
	Permissions []string `json:"permissions"`
}

// PermissionDecision answers a PermissionPrompt. An empty Granted slice means
// the dialog was dismissed.
type PermissionDecision struct {
	Granted       []bool `json:"granted"`
	NeverAskAgain bool   `json:"never_ask_again,omitempty"`
}

// Advisory is a transient message shown to the user.
type Advisory struct {
	Message    string    `json:"message"`
	DurationMS int       `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectPermissionPrompt  = "permission.prompt"
	SubjectAdvisory          = "ui.advisory"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeatBase = "ctrl.node.heartbeat"
)

// ChannelCallSubject is where a channel receives inbound calls.
func ChannelCallSubject(channel string) string {
	return channel + ".call"
}

// ChannelInvokeSubject is where a channel publishes outbound invocations.
func ChannelInvokeSubject(channel string) string {
	return channel + ".invoke"
}

// AudioFrameSubject is the subject frames for source are published on.
func AudioFrameSubject(source string) string {
	return SubjectAudioFramePrefix + "." + source
}
