package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestDisplayPublisher(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync("test.transcript")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	state := transcript.NewState(true)
	state.AddListener(NewDisplayPublisher(client, "test.transcript", func() string { return "s-1" }))
	state.Merge("hello [MUSIC] there")

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var update protocol.TranscriptUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.SessionID != "s-1" || update.Raw != "hello [MUSIC] there " || update.Text != "hello there " || update.Version != 1 {
		t.Fatalf("unexpected update %+v", update)
	}
}

func TestStatusPublisher(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectStatus)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	NewStatusPublisher(client).Publish(protocol.Status{Kind: "ready", Message: "Ready to transcribe."})

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var status protocol.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Kind != "ready" || status.Timestamp.IsZero() {
		t.Fatalf("unexpected status %+v", status)
	}
}

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	filter bool
	model  string
}

func (f *fakeController) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeController) Start(context.Context) error { f.record("start"); return nil }
func (f *fakeController) Stop() error                 { f.record("stop"); return nil }
func (f *fakeController) EmergencyStop() error        { f.record("emergency"); return nil }
func (f *fakeController) Clear()                      { f.record("clear") }

func (f *fakeController) SetFilterMode(enabled bool) {
	f.record("mode")
	f.mu.Lock()
	f.filter = enabled
	f.mu.Unlock()
}

func (f *fakeController) ChangeModel(_ context.Context, id string) error {
	f.record("model")
	if id == "missing" {
		return errors.New("model not found")
	}
	f.mu.Lock()
	f.model = id
	f.mu.Unlock()
	return nil
}

func request(t *testing.T, conn *nats.Conn, subject string, body any) protocol.ControlReply {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	msg, err := conn.Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestServeControl(t *testing.T) {
	client := startBus(t)
	ctrl := &fakeController{}
	server, err := ServeControl(context.Background(), client, ctrl)
	if err != nil {
		t.Fatalf("serve control: %v", err)
	}
	defer server.Close()

	conn := client.Conn()
	for _, subject := range []string{
		protocol.SubjectControlStart,
		protocol.SubjectControlStop,
		protocol.SubjectControlEmergencyStop,
		protocol.SubjectControlClear,
	} {
		if reply := request(t, conn, subject, nil); !reply.OK {
			t.Fatalf("%s failed: %s", subject, reply.Error)
		}
	}

	enabled := true
	if reply := request(t, conn, protocol.SubjectControlMode, protocol.ControlRequest{FilterMode: &enabled}); !reply.OK {
		t.Fatalf("mode failed: %s", reply.Error)
	}
	if reply := request(t, conn, protocol.SubjectControlMode, nil); reply.OK {
		t.Fatal("mode without a value should fail")
	}
	if reply := request(t, conn, protocol.SubjectControlModel, protocol.ControlRequest{Model: "base.en"}); !reply.OK {
		t.Fatalf("model failed: %s", reply.Error)
	}
	if reply := request(t, conn, protocol.SubjectControlModel, protocol.ControlRequest{Model: "missing"}); reply.OK || reply.Error == "" {
		t.Fatalf("expected model error, got %+v", reply)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if !ctrl.filter || ctrl.model != "base.en" {
		t.Fatalf("controller state not updated: filter=%v model=%q", ctrl.filter, ctrl.model)
	}
	if len(ctrl.calls) != 7 {
		t.Fatalf("expected 7 handled intents, got %v", ctrl.calls)
	}
}
