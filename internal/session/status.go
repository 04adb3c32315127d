package session

import (
	"log/slog"
	"time"
)

// Kind classifies a status report.
type Kind string

const (
	StatusLoading    Kind = "loading"
	StatusReady      Kind = "ready"
	StatusRecording  Kind = "recording"
	StatusProcessing Kind = "processing"
	StatusSilence    Kind = "silence"
	StatusDropped    Kind = "dropped"
	StatusError      Kind = "error"
	StatusStopped    Kind = "stopped"
	StatusCleared    Kind = "cleared"
)

// Status is a user-visible message about the session.
type Status struct {
	SessionID string
	Kind      Kind
	Message   string
	Model     string
	Sequence  uint64
	Err       error
	Time      time.Time
}

// StatusSink receives every status report. Reports arrive from several
// goroutines; implementations must be safe for concurrent use.
type StatusSink interface {
	ReportStatus(Status)
}

type StatusFunc func(Status)

func (f StatusFunc) ReportStatus(s Status) { f(s) }

type logSink struct {
	log *slog.Logger
}

// NewLogSink writes status reports to log. Errors and drops are warnings.
func NewLogSink(log *slog.Logger) StatusSink {
	return &logSink{log: log.With(slog.String("component", "status"))}
}

func (l *logSink) ReportStatus(s Status) {
	attrs := []any{
		slog.String("kind", string(s.Kind)),
		slog.String("session_id", s.SessionID),
	}
	if s.Model != "" {
		attrs = append(attrs, slog.String("model", s.Model))
	}
	if s.Sequence > 0 {
		attrs = append(attrs, slog.Uint64("sequence", s.Sequence))
	}
	if s.Err != nil {
		attrs = append(attrs, slogError(s.Err))
	}
	switch s.Kind {
	case StatusError, StatusDropped:
		l.log.Warn(s.Message, attrs...)
	case StatusProcessing, StatusSilence:
		l.log.Debug(s.Message, attrs...)
	default:
		l.log.Info(s.Message, attrs...)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
