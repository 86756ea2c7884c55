package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"carprice/db"
	"carprice/pricing"
)

// TopicPredictions carries one pricing.Event per message.
const TopicPredictions = "predictions"

// EventHandler consumes one decoded prediction event.
type EventHandler func(ctx context.Context, ev pricing.Event) error

// EventBus fans prediction events out to in-process subscribers. Each handler
// gets its own subscription, so every handler sees every event.
type EventBus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

func NewEventBus(buffer int, logger watermill.LoggerAdapter) (*EventBus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	bus := &EventBus{pubsub: pubsub, router: router, logger: logger}
	router.AddMiddleware(
		bus.dropFailed,
		middleware.Retry{
			MaxRetries:      2,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
			Multiplier:      2,
			Logger:          logger,
		}.Middleware,
		middleware.Recoverer,
	)
	return bus, nil
}

// Publish implements pricing.Publisher.
func (b *EventBus) Publish(_ context.Context, ev pricing.Event) error {
	if ev.EventID == "" {
		ev.EventID = watermill.NewUUID()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(ev.EventID, payload)
	msg.Metadata.Set("request_id", ev.RequestID)
	return b.pubsub.Publish(TopicPredictions, msg)
}

// Subscribe registers handler under name. Call before Run.
func (b *EventBus) Subscribe(name string, handler EventHandler) {
	b.router.AddConsumerHandler(name, TopicPredictions, b.pubsub, func(msg *message.Message) error {
		var ev pricing.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			// a payload that cannot be decoded will never succeed
			b.logger.Error("decode prediction event", err, watermill.LogFields{"message_uuid": msg.UUID})
			EventHandlerErrorsTotal.WithLabelValues(name).Inc()
			return nil
		}
		return handler(msg.Context(), ev)
	})
}

// Run blocks until ctx is cancelled or Close is called.
func (b *EventBus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once every handler is subscribed.
func (b *EventBus) Running() chan struct{} {
	return b.router.Running()
}

func (b *EventBus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}

// dropFailed acks messages whose handler still fails after retries, so one
// bad event cannot stall the topic.
func (b *EventBus) dropFailed(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err != nil {
			handler := message.HandlerNameFromCtx(msg.Context())
			b.logger.Error("dropping prediction event", err, watermill.LogFields{
				"handler":    handler,
				"request_id": msg.Metadata.Get("request_id"),
			})
			EventHandlerErrorsTotal.WithLabelValues(handler).Inc()
			return nil, nil
		}
		return produced, nil
	}
}

// PredictionSaver is the part of db.Store the prediction log needs.
type PredictionSaver interface {
	SavePrediction(ctx context.Context, p db.PredictionRecord) error
}

// PredictionLogHandler persists every event. A redelivered event is stored
// once.
func PredictionLogHandler(store PredictionSaver) EventHandler {
	return func(ctx context.Context, ev pricing.Event) error {
		features, err := json.Marshal(ev.Features)
		if err != nil {
			return err
		}
		return store.SavePrediction(ctx, db.PredictionRecord{
			EventID:   ev.EventID,
			RequestID: ev.RequestID,
			ModelURI:  ev.ModelURI,
			Features:  features,
			Price:     ev.Price,
			CreatedAt: ev.Timestamp,
		})
	}
}

// Broadcaster is the part of Hub the live feed needs.
type Broadcaster interface {
	BroadcastRaw(data []byte)
}

type feedMessage struct {
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      pricing.Event `json:"data"`
	ID        string        `json:"id"`
}

// BroadcastHandler pushes every event to websocket clients.
func BroadcastHandler(hub Broadcaster) EventHandler {
	return func(_ context.Context, ev pricing.Event) error {
		payload, err := json.Marshal(feedMessage{
			Type:      PredictionMessage,
			Timestamp: ev.Timestamp,
			Data:      ev,
			ID:        ev.RequestID,
		})
		if err != nil {
			return err
		}
		hub.BroadcastRaw(payload)
		return nil
	}
}

// MetricsHandler counts every event.
func MetricsHandler() EventHandler {
	return func(_ context.Context, ev pricing.Event) error {
		RecordPrediction(ev)
		return nil
	}
}

// NewPredictionFeed wires the standard subscribers: sqlite log, websocket
// broadcast and metrics.
func NewPredictionFeed(buffer int, store PredictionSaver, hub Broadcaster, logger *zap.Logger, adapter watermill.LoggerAdapter) (*EventBus, error) {
	bus, err := NewEventBus(buffer, adapter)
	if err != nil {
		return nil, err
	}
	if store != nil {
		bus.Subscribe("prediction_log", PredictionLogHandler(store))
	}
	if hub != nil {
		bus.Subscribe("prediction_broadcast", BroadcastHandler(hub))
	}
	bus.Subscribe("prediction_metrics", MetricsHandler())
	logger.Info("prediction feed configured", zap.Bool("log", store != nil), zap.Bool("broadcast", hub != nil))
	return bus, nil
}
