package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Controller is the set of user intents reachable over the bus.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	EmergencyStop() error
	Clear()
	SetFilterMode(enabled bool)
	ChangeModel(ctx context.Context, modelID string) error
}

// ControlServer answers requests on the protocol.SubjectControl* subjects.
type ControlServer struct {
	client *Client
	ctrl   Controller
	log    *slog.Logger
	subs   []*nats.Subscription
}

// ServeControl subscribes to every control subject. Handlers run on the NATS
// delivery goroutine; ctx bounds Start and ChangeModel.
func ServeControl(ctx context.Context, client *Client, ctrl Controller) (*ControlServer, error) {
	s := &ControlServer{
		client: client,
		ctrl:   ctrl,
		log:    client.Logger().With(slog.String("component", "control")),
	}
	handlers := map[string]func(protocol.ControlRequest) error{
		protocol.SubjectControlStart: func(protocol.ControlRequest) error { return ctrl.Start(ctx) },
		protocol.SubjectControlStop:  func(protocol.ControlRequest) error { return ctrl.Stop() },
		protocol.SubjectControlEmergencyStop: func(protocol.ControlRequest) error {
			return ctrl.EmergencyStop()
		},
		protocol.SubjectControlClear: func(protocol.ControlRequest) error {
			ctrl.Clear()
			return nil
		},
		protocol.SubjectControlMode: func(req protocol.ControlRequest) error {
			if req.FilterMode == nil {
				return errors.New("filter_mode is required")
			}
			ctrl.SetFilterMode(*req.FilterMode)
			return nil
		},
		protocol.SubjectControlModel: func(req protocol.ControlRequest) error {
			if req.Model == "" {
				return errors.New("model is required")
			}
			return ctrl.ChangeModel(ctx, req.Model)
		},
	}

	for subject, handler := range handlers {
		sub, err := client.Conn().Subscribe(subject, s.wrap(subject, handler))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := client.Conn().Flush(); err != nil {
		s.Close()
		return nil, fmt.Errorf("flush control subscriptions: %w", err)
	}
	return s, nil
}

func (s *ControlServer) wrap(subject string, handler func(protocol.ControlRequest) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.ControlRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.reply(msg, fmt.Errorf("decode request: %w", err))
				return
			}
		}
		err := handler(req)
		if err != nil {
			s.log.Warn("control request failed", slog.String("subject", subject), slog.String("error", err.Error()))
		} else {
			s.log.Info("control request handled", slog.String("subject", subject))
		}
		s.reply(msg, err)
	}
}

func (s *ControlServer) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := protocol.ControlReply{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.log.Warn("failed to reply to control request", slog.String("error", rErr.Error()))
	}
}

func (s *ControlServer) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
