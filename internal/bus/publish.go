package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func DecodeAudioFrame(data []byte) (protocol.AudioFrame, error) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode audio frame: %w", err)
	}
	return frame, nil
}

// DisplayPublisher broadcasts transcript updates so remote displays can
// render them. It satisfies transcript.Listener.
type DisplayPublisher struct {
	client    *Client
	subject   string
	sessionID func() string
	log       *slog.Logger
}

// NewDisplayPublisher publishes on subject; sessionID, when set, labels each
// update with the current recording session.
func NewDisplayPublisher(client *Client, subject string, sessionID func() string) *DisplayPublisher {
	if subject == "" {
		subject = protocol.SubjectTranscript
	}
	return &DisplayPublisher{
		client:    client,
		subject:   subject,
		sessionID: sessionID,
		log:       client.Logger().With(slog.String("component", "display-publisher")),
	}
}

func (p *DisplayPublisher) TranscriptUpdated(u transcript.Update) {
	msg := protocol.TranscriptUpdate{
		Raw:        u.Raw,
		Filtered:   u.Filtered,
		FilterMode: u.FilterMode,
		Mode:       u.Mode,
		Text:       u.Active(),
		Version:    u.Version,
		Timestamp:  u.Updated.UTC(),
	}
	if p.sessionID != nil {
		msg.SessionID = p.sessionID()
	}
	if err := p.client.PublishJSON(p.subject, msg); err != nil {
		p.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// StatusPublisher broadcasts session status changes on protocol.SubjectStatus.
type StatusPublisher struct {
	client *Client
	log    *slog.Logger
}

func NewStatusPublisher(client *Client) *StatusPublisher {
	return &StatusPublisher{
		client: client,
		log:    client.Logger().With(slog.String("component", "status-publisher")),
	}
}

func (p *StatusPublisher) Publish(s protocol.Status) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if err := p.client.PublishJSON(protocol.SubjectStatus, s); err != nil {
		p.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
}
