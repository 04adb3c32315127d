package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// FileSource replays a WAV file as a capture stream. With Realtime set,
// frames are paced at the rate they would arrive from a live device.
type FileSource struct {
	Path     string
	Realtime bool
	log      *slog.Logger
}

func NewFileSource(path string, realtime bool, log *slog.Logger) *FileSource {
	return &FileSource{
		Path:     path,
		Realtime: realtime,
		log:      log.With(slog.String("component", "capture-file")),
	}
}

func (s *FileSource) Start(ctx context.Context, c Constraints) (Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("open %s: %w", s.Path, ErrPermissionDenied)
		default:
			return nil, fmt.Errorf("open %s: %w: %w", s.Path, ErrDevice, err)
		}
	}
	reader, err := audio.NewWAVReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w: %w", s.Path, ErrUnsupported, err)
	}

	frameSize := c.FrameSize
	if frameSize <= 0 {
		frameSize = 4096
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &fileStream{
		rate:   reader.SampleRate(),
		frames: make(chan audio.Frame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go st.pump(ctx, f, reader, frameSize, s.Realtime, s.log)

	s.log.Info("file capture started",
		slog.String("path", s.Path),
		slog.Int("sample_rate", st.rate),
		slog.Int("channels", reader.Channels()),
		slog.Bool("realtime", s.Realtime))
	return st, nil
}

type fileStream struct {
	rate     int
	frames   chan audio.Frame
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (st *fileStream) Frames() <-chan audio.Frame { return st.frames }

func (st *fileStream) SampleRate() int { return st.rate }

func (st *fileStream) Stop() error {
	st.stopOnce.Do(st.cancel)
	<-st.done
	return nil
}

func (st *fileStream) pump(ctx context.Context, f io.Closer, r *audio.WAVReader, frameSize int, realtime bool, log *slog.Logger) {
	defer close(st.done)
	defer close(st.frames)
	defer f.Close()

	start := time.Now()
	var offset int
	for {
		samples, err := r.Read(frameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("wav read failed", slog.String("error", err.Error()))
			}
			log.Info("file capture finished", slog.Duration("audio", time.Duration(offset)*time.Second/time.Duration(st.rate)))
			return
		}
		at := start.Add(time.Duration(offset) * time.Second / time.Duration(st.rate))
		offset += len(samples)

		if realtime {
			if wait := time.Until(at); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case st.frames <- audio.Frame{Samples: samples, SampleRate: st.rate, Captured: at}:
		}
	}
}
