package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// Subject is the NATS subject the capture layer publishes packet
// events to.
const Subject = "flows.packets"

// Subscriber consumes packet events from NATS and feeds the tracker's
// bounded intake channel. A saturated pipeline blocks the handler,
// which is the backpressure boundary toward the capture layer.
type Subscriber struct {
	nc        *nats.Conn
	queue     string
	validator *SchemaValidator
	out       chan<- model.PacketEvent
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sub *nats.Subscription
}

// NewSubscriber creates a queue-group subscriber.
func NewSubscriber(nc *nats.Conn, queue string, validator *SchemaValidator, out chan<- model.PacketEvent, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:        nc,
		queue:     queue,
		validator: validator,
		out:       out,
		logger:    logger,
		metrics:   m,
	}
}

// Subscribe starts consuming until the context is canceled, then
// drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(Subject, s.queue, func(msg *nats.Msg) {
		s.handleMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Error("Failed to subscribe to packet events", "subject", Subject, "error", err)
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to packet events", "subject", Subject, "queue", s.queue)

	<-ctx.Done()

	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("Subscription drain failed", "error", err)
		return err
	}
	s.logger.Info("Packet event subscription drained")
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *nats.Msg) {
	if err := s.validator.Validate(msg.Data); err != nil {
		// Malformed input is dropped and counted, never fatal.
		s.logger.Debug("Dropping invalid packet event", "error", err)
		if s.metrics != nil {
			s.metrics.EventsInvalid.Inc()
		}
		return
	}

	var ev model.PacketEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Debug("Dropping undecodable packet event", "error", err)
		if s.metrics != nil {
			s.metrics.EventsInvalid.Inc()
		}
		return
	}

	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}
