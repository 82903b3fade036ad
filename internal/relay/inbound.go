package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/infrastructure/metrics"
	"github.com/nocdash/noc-core/internal/infrastructure/mqtt"
	"github.com/nocdash/noc-core/internal/status"
)

// EventHandler correlates one device event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev incident.Event) (incident.Result, error)
}

// Subscriber registers broker subscriptions.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Inbound feeds status events published on the broker into the engine.
// The payload is the webhook body: {"device","status","ip","message"}.
type Inbound struct {
	handler EventHandler
	metrics *metrics.Metrics
	logger  Logger

	// ctx bounds engine calls; broker callbacks carry no context.
	ctx context.Context
}

// NewInbound creates an Inbound. m and logger may be nil.
func NewInbound(ctx context.Context, handler EventHandler, m *metrics.Metrics, logger Logger) *Inbound {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Inbound{handler: handler, metrics: m, logger: logger, ctx: ctx}
}

// Subscribe subscribes to the status event topic.
func (in *Inbound) Subscribe(sub Subscriber, qos byte) error {
	if err := sub.Subscribe(mqtt.Topics{}.EventsStatus(), qos, in.Handle); err != nil {
		return fmt.Errorf("subscribing to status events: %w", err)
	}
	return nil
}

// Handle processes one broker message. Malformed payloads are rejected
// with an error so the MQTT client logs them.
func (in *Inbound) Handle(topic string, payload []byte) error {
	var ev incident.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		in.count("invalid")
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	ev.Source = status.SourceMQTT

	result, err := in.handler.HandleEvent(in.ctx, ev)
	if err != nil {
		if errors.Is(err, incident.ErrValidation) {
			in.count("invalid")
		} else {
			in.count("error")
		}
		return fmt.Errorf("handling event from %s: %w", topic, err)
	}

	in.count(string(result.Outcome))
	in.logger.Debug("mqtt status event handled",
		"device", ev.Device,
		"status", ev.Status,
		"outcome", result.Outcome,
	)
	return nil
}

func (in *Inbound) count(outcome string) {
	if in.metrics != nil {
		in.metrics.EventsReceived.WithLabelValues(status.SourceMQTT, outcome).Inc()
	}
}
