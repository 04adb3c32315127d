package protocol

import "time"

// AudioFrame carries mono 16-bit little-endian PCM captured by an edge
// device or by loqa-feed.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	PCM        []byte    `json:"pcm"`
	Captured   time.Time `json:"captured,omitempty"`
	Final      bool      `json:"final"`
}

// TranscriptUpdate is broadcast after every change to the transcript
// buffers. Text is the buffer selected by the current display mode.
type TranscriptUpdate struct {
	SessionID  string    `json:"session_id"`
	Raw        string    `json:"raw"`
	Filtered   string    `json:"filtered"`
	FilterMode bool      `json:"filter_mode"`
	Mode       string    `json:"mode"`
	Text       string    `json:"text"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status reports a session lifecycle change or a pipeline event.
type Status struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Model     string    `json:"model,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is the body of a request on a control subject. Fields not
// used by the addressed intent are ignored.
type ControlRequest struct {
	FilterMode *bool  `json:"filter_mode,omitempty"`
	Model      string `json:"model,omitempty"`
}

// DeviceAnnounce is published by an edge device when it comes online.
type DeviceAnnounce struct {
	Device     string    `json:"device"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type DeviceHeartbeat struct {
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscript       = "scribe.transcript"
	SubjectStatus           = "scribe.status"

	SubjectControlPrefix        = "scribe.control"
	SubjectControlStart         = SubjectControlPrefix + ".start"
	SubjectControlStop          = SubjectControlPrefix + ".stop"
	SubjectControlEmergencyStop = SubjectControlPrefix + ".emergency-stop"
	SubjectControlClear         = SubjectControlPrefix + ".clear"
	SubjectControlMode          = SubjectControlPrefix + ".mode"
	SubjectControlModel         = SubjectControlPrefix + ".model"

	SubjectDeviceAnnounce        = "audio.device.announce"
	SubjectDeviceHeartbeatPrefix = "audio.device.heartbeat"
)
