package relay

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// AMQPConfig is the subset of connection details needed to publish offer
// notifications onto a topic exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// NewAMQPPublisher constructs a watermill-amqp/v3 publisher bound to a
// topic exchange, mirroring the teacher's router/dispatcher wiring: a
// watermill.NewSlogLogger adapter over the same *slog.Logger used
// everywhere else, and a message.Publisher the Sink treats opaquely.
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) (message.Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay: amqp url is required")
	}
	exchange := cfg.Exchange
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.URL, func(topic string) string {
		if exchange != "" {
			return exchange
		}
		return topic
	})
	publisher, err := amqp.NewPublisher(amqpConfig, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("relay: new amqp publisher: %w", err)
	}
	return publisher, nil
}
