package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/nats-io/nats.go"
)

const busFrameBuffer = 64

// BusSource receives protocol.AudioFrame messages published under
// <subject>.<device>.
type BusSource struct {
	client  *bus.Client
	subject string
	log     *slog.Logger
}

func NewBusSource(client *bus.Client, subject string, log *slog.Logger) *BusSource {
	return &BusSource{
		client:  client,
		subject: subject,
		log:     log.With(slog.String("component", "capture-bus")),
	}
}

func (s *BusSource) Start(ctx context.Context, c Constraints) (Stream, error) {
	if s.client == nil || !s.client.Healthy() {
		return nil, fmt.Errorf("bus not connected: %w", ErrDevice)
	}
	if c.SampleRate <= 0 {
		return nil, fmt.Errorf("bus capture needs a sample rate: %w", ErrUnsupported)
	}
	device := c.Device
	if device == "" {
		device = ">"
	}
	subject := s.subject + "." + device

	st := &busStream{
		rate:   c.SampleRate,
		frames: make(chan audio.Frame, busFrameBuffer),
		log:    s.log.With(slog.String("subject", subject)),
	}
	sub, err := s.client.Conn().Subscribe(subject, st.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", subject, ErrDevice, err)
	}
	st.sub = sub
	if err := s.client.Conn().FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w: %w", ErrDevice, err)
	}
	context.AfterFunc(ctx, func() { _ = st.Stop() })

	st.log.Info("bus capture started", slog.Int("sample_rate", st.rate))
	return st, nil
}

type busStream struct {
	rate   int
	sub    *nats.Subscription
	log    *slog.Logger
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
}

func (st *busStream) Frames() <-chan audio.Frame { return st.frames }

func (st *busStream) SampleRate() int { return st.rate }

func (st *busStream) handle(msg *nats.Msg) {
	frame, err := bus.DecodeAudioFrame(msg.Data)
	if err != nil {
		st.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	samples := audio.DecodePCM16(frame.PCM)
	if frame.SampleRate > 0 && frame.SampleRate != st.rate {
		samples = audio.Resample(samples, frame.SampleRate, st.rate)
	}
	captured := frame.Captured
	if captured.IsZero() {
		captured = time.Now()
	}
	out := audio.Frame{Samples: samples, SampleRate: st.rate, Captured: captured}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.frames <- out:
	default:
		st.log.Warn("frame buffer full, dropping frame", slog.Int("sequence", frame.Sequence))
	}
}

func (st *busStream) Stop() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	var err error
	if st.sub != nil {
		err = st.sub.Unsubscribe()
	}
	close(st.frames)
	st.log.Info("bus capture stopped")
	return err
}
