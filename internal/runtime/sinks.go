package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// busStatusSink forwards session status onto the bus.
type busStatusSink struct {
	pub *bus.StatusPublisher
}

func (s busStatusSink) ReportStatus(st session.Status) {
	s.pub.Publish(toProtocolStatus(st))
}

func toProtocolStatus(st session.Status) protocol.Status {
	out := protocol.Status{
		SessionID: st.SessionID,
		Kind:      string(st.Kind),
		Message:   st.Message,
		Model:     st.Model,
		Sequence:  st.Sequence,
		Timestamp: st.Time.UTC(),
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

// timelineSink records status reports in the event store. A session row is
// written when recording starts so events have something to hang off.
type timelineSink struct {
	store  *eventstore.Store
	source string
	log    *slog.Logger
}

func (s *timelineSink) ReportStatus(st session.Status) {
	if !s.store.Enabled() || st.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if st.Kind == session.StatusRecording && st.Sequence == 0 {
		err := s.store.RecordSession(ctx, eventstore.Session{ID: st.SessionID, Source: s.source, Model: st.Model, CreatedAt: st.Time.UTC()})
		if err != nil {
			s.log.Warn("failed to record session", slog.String("error", err.Error()))
			return
		}
	}
	evt := eventstore.Event{
		SessionID: st.SessionID,
		Kind:      string(st.Kind),
		Message:   st.Message,
		Model:     st.Model,
		Sequence:  st.Sequence,
		CreatedAt: st.Time.UTC(),
	}
	if st.Err != nil {
		evt.Message = st.Message + " " + st.Err.Error()
	}
	if err := s.store.RecordEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record status event", slog.String("error", err.Error()))
	}
}
