// Package devices tracks the edge microphones that publish audio frames on
// the bus. Devices announce themselves once and then send heartbeats; a
// device that misses heartbeats for longer than the timeout is shown offline.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Device struct {
	ID         string    `json:"id"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Online     bool      `json:"online"`
}

type Registry struct {
	log     *slog.Logger
	bus     *bus.Client
	timeout time.Duration
	clock   func() time.Time
	cancel  context.CancelFunc
	subs    []*nats.Subscription

	mu      sync.RWMutex
	devices map[string]*Device
}

func NewRegistry(ctx context.Context, client *bus.Client, timeout time.Duration, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:     log.With(slog.String("component", "devices")),
		bus:     client,
		timeout: timeout,
		clock:   time.Now,
		cancel:  cancel,
		devices: make(map[string]*Device),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe([]subscription{
		{protocol.SubjectDeviceAnnounce, r.handleAnnounce},
		{protocol.SubjectDeviceHeartbeatPrefix + ".*", r.handleHeartbeat},
	}); err != nil {
		cancel()
		return nil, err
	}
	go r.monitor(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

type subscription struct {
	subject string
	handler nats.MsgHandler
}

// subscribe registers every subscription or none of them.
func (r *Registry) subscribe(specs []subscription) error {
	conn := r.bus.Conn()
	for _, spec := range specs {
		sub, err := conn.Subscribe(spec.subject, spec.handler)
		if err != nil {
			r.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", spec.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		r.unsubscribe()
		return fmt.Errorf("flush device subscriptions: %w", err)
	}
	return nil
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) monitor(ctx context.Context) {
	interval := r.timeout / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluate()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.DeviceAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || strings.TrimSpace(a.Device) == "" {
		r.log.Warn("invalid device announcement", slog.String("subject", msg.Subject))
		return
	}
	r.update(a.Device, a.SampleRate, a.Channels)
	r.log.Info("device announced", slog.String("device", a.Device), slog.Int("sample_rate", a.SampleRate))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid device heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.Device == "" {
		hb.Device = strings.TrimPrefix(msg.Subject, protocol.SubjectDeviceHeartbeatPrefix+".")
	}
	r.update(hb.Device, 0, 0)
}

// update records that a device was heard from now. Timestamps in messages
// come from device clocks and are not trusted for liveness.
func (r *Registry) update(id string, rate, channels int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id}
		r.devices[id] = d
	}
	if rate > 0 {
		d.SampleRate = rate
	}
	if channels > 0 {
		d.Channels = channels
	}
	d.LastSeen = r.clock().UTC()
	d.Online = true
}

func (r *Registry) evaluate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, d := range r.devices {
		if d.Online && now.Sub(d.LastSeen) > r.timeout {
			d.Online = false
			r.log.Info("device went offline", slog.String("device", d.ID))
		}
	}
}

// List returns every known device ordered by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return ok && d.Online
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/devices")
	online, err := meter.Int64ObservableGauge("loqa.scribe.devices.online", metric.WithDescription("Capture devices with a recent heartbeat"))
	if err != nil {
		return err
	}
	known, err := meter.Int64ObservableGauge("loqa.scribe.devices.known", metric.WithDescription("Capture devices seen since start"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		var up int64
		for _, d := range r.devices {
			if d.Online {
				up++
			}
		}
		total := int64(len(r.devices))
		r.mu.RUnlock()
		obs.ObserveInt64(online, up)
		obs.ObserveInt64(known, total)
		return nil
	}, online, known)
	return err
}
