// Command loqa-feed streams a WAV file onto the bus as audio frames and sends
// control requests to a running loqa-scribe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'stream', 'control', 'watch' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "stream":
		err = runStream(os.Args[2:])
	case "control":
		err = runControl(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStream(args []string) error {
	var (
		url       string
		path      string
		device    string
		frameSize int
		realtime  bool
	)
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	fs.StringVar(&url, "nats", nats.DefaultURL, "NATS server URL")
	fs.StringVar(&path, "file", "", "WAV file to stream")
	fs.StringVar(&device, "device", "feed", "Device name used in the subject")
	fs.IntVar(&frameSize, "frame-size", 4096, "Samples per frame")
	fs.BoolVar(&realtime, "realtime", true, "Pace frames at the file's sample rate")
	fs.Parse(args)

	if path == "" {
		return errors.New("-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	reader, err := audio.NewWAVReader(f)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(url, nats.Name("loqa-feed"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	subject := protocol.SubjectAudioFramePrefix + "." + device
	sessionID := uuid.NewString()
	rate := reader.SampleRate()

	if err := announce(nc, device, rate, reader.Channels()); err != nil {
		return err
	}
	stopHeartbeat := heartbeat(nc, device, time.Second)
	defer stopHeartbeat()
	start := time.Now()
	sent, samples := 0, 0

	for {
		chunk, err := reader.Read(frameSize)
		final := errors.Is(err, io.EOF)
		if err != nil && !final {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if len(chunk) == 0 && !final {
			continue
		}
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   sent,
			SampleRate: rate,
			PCM:        audio.EncodePCM16(chunk),
			Captured:   start.Add(time.Duration(samples) * time.Second / time.Duration(rate)),
			Final:      final,
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if err := nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish frame %d: %w", sent, err)
		}
		sent++
		samples += len(chunk)
		if final {
			break
		}
		if realtime {
			if wait := time.Until(frame.Captured.Add(time.Duration(len(chunk)) * time.Second / time.Duration(rate))); wait > 0 {
				time.Sleep(wait)
			}
		}
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	fmt.Printf("streamed %d frames (%d samples at %d Hz) to %s\n", sent, samples, rate, subject)
	return nil
}

func announce(nc *nats.Conn, device string, rate, channels int) error {
	data, err := json.Marshal(protocol.DeviceAnnounce{
		Device:     device,
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return nc.Publish(protocol.SubjectDeviceAnnounce, data)
}

// heartbeat publishes a heartbeat for device every interval until the
// returned func is called.
func heartbeat(nc *nats.Conn, device string, interval time.Duration) func() {
	done := make(chan struct{})
	subject := protocol.SubjectDeviceHeartbeatPrefix + "." + device
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				data, _ := json.Marshal(protocol.DeviceHeartbeat{Device: device, Timestamp: time.Now().UTC()})
				_ = nc.Publish(subject, data)
			}
		}
	}()
	return func() { close(done) }
}

func runControl(args []string) error {
	var (
		url     string
		timeout time.Duration
	)
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	fs.StringVar(&url, "nats", nats.DefaultURL, "NATS server URL")
	fs.DurationVar(&timeout, "timeout", 90*time.Second, "How long to wait for a reply")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: loqa-feed control [flags] start|stop|emergency-stop|clear|mode <true|false>|model <id>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	var req protocol.ControlRequest
	intent := fs.Arg(0)
	switch intent {
	case "start", "stop", "emergency-stop", "clear":
	case "mode":
		enabled, err := strconv.ParseBool(fs.Arg(1))
		if err != nil {
			return errors.New("mode expects true or false")
		}
		req.FilterMode = &enabled
	case "model":
		if fs.Arg(1) == "" {
			return errors.New("model expects a model id")
		}
		req.Model = fs.Arg(1)
	default:
		return fmt.Errorf("unknown intent %q", intent)
	}

	nc, err := nats.Connect(url, nats.Name("loqa-feed"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := nc.Request(protocol.SubjectControlPrefix+"."+intent, payload, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", intent, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("%s rejected: %s", intent, reply.Error)
	}
	fmt.Println("ok")
	return nil
}

// runWatch prints status reports and transcript updates until interrupted.
func runWatch(args []string) error {
	var url string
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.StringVar(&url, "nats", nats.DefaultURL, "NATS server URL")
	fs.Parse(args)

	nc, err := nats.Connect(url, nats.Name("loqa-feed"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	if _, err := nc.Subscribe(protocol.SubjectStatus, func(msg *nats.Msg) {
		var st protocol.Status
		if json.Unmarshal(msg.Data, &st) != nil {
			return
		}
		if st.Error != "" {
			fmt.Printf("[%s] %s (%s)\n", st.Kind, st.Message, st.Error)
			return
		}
		fmt.Printf("[%s] %s\n", st.Kind, st.Message)
	}); err != nil {
		return err
	}
	if _, err := nc.Subscribe(protocol.SubjectTranscript, func(msg *nats.Msg) {
		var u protocol.TranscriptUpdate
		if json.Unmarshal(msg.Data, &u) != nil {
			return
		}
		fmt.Printf("%s\n%s\n", u.Mode, u.Text)
	}); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
