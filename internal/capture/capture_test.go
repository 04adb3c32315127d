package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeWAV(t *testing.T, n, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	if err := audio.WriteWAV(f, samples, rate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func drain(t *testing.T, st Stream) []audio.Frame {
	t.Helper()
	var frames []audio.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-st.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("stream did not end, %d frames so far", len(frames))
		}
	}
}

func TestFileSourceReplaysAllSamples(t *testing.T) {
	path := writeWAV(t, 10000, 16000)
	src := NewFileSource(path, false, newLogger())

	st, err := src.Start(context.Background(), Constraints{FrameSize: 4096})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.SampleRate() != 16000 {
		t.Fatalf("unexpected rate %d", st.SampleRate())
	}
	frames := drain(t, st)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	total := 0
	for _, f := range frames {
		total += len(f.Samples)
	}
	if total != 10000 {
		t.Fatalf("expected 10000 samples, got %d", total)
	}
	if !frames[1].Captured.After(frames[0].Captured) {
		t.Fatal("frame timestamps should advance with audio time")
	}
	if err := st.Stop(); err != nil {
		t.Fatalf("stop after end: %v", err)
	}
}

func TestFileSourceStopEndsStream(t *testing.T) {
	path := writeWAV(t, 16000*5, 16000)
	st, err := NewFileSource(path, true, newLogger()).Start(context.Background(), Constraints{FrameSize: 1600})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-st.Frames()
	if err := st.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for range st.Frames() {
	}
}

func TestFileSourceErrors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.wav"), false, newLogger()).Start(context.Background(), Constraints{})
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}

	junk := filepath.Join(t.TempDir(), "junk.wav")
	if err := os.WriteFile(junk, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = NewFileSource(junk, false, newLogger()).Start(context.Background(), Constraints{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestBusSource(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	src := NewBusSource(client, protocol.SubjectAudioFramePrefix, newLogger())
	st, err := src.Start(context.Background(), Constraints{Device: "kitchen", SampleRate: 16000})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	native := make([]float32, 800)
	for i := range native {
		native[i] = 0.5
	}
	frames := []protocol.AudioFrame{
		{SessionID: "kitchen", Sequence: 1, SampleRate: 16000, PCM: audio.EncodePCM16(native)},
		{SessionID: "kitchen", Sequence: 2, SampleRate: 8000, PCM: audio.EncodePCM16(native)},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".kitchen", f); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".garage", frames[0]); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []audio.Frame
	for len(got) < 2 {
		select {
		case f := <-st.Frames():
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 frames", len(got))
		}
	}
	if len(got[0].Samples) != 800 || got[0].SampleRate != 16000 {
		t.Fatalf("unexpected first frame: %d samples at %d Hz", len(got[0].Samples), got[0].SampleRate)
	}
	if len(got[1].Samples) != 1600 {
		t.Fatalf("8 kHz frame should be resampled to 1600 samples, got %d", len(got[1].Samples))
	}

	if err := st.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := <-st.Frames(); ok {
		t.Fatal("frames channel should be closed after stop")
	}
}

func TestBusSourceWithoutConnection(t *testing.T) {
	_, err := NewBusSource(nil, "audio.frame", newLogger()).Start(context.Background(), Constraints{})
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", err)
	}
}
