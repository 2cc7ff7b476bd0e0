// Package relay is the reference "upstream consumer of offers" adapter
// named as a boundary in the core engine's design: it implements
// client.NotificationSink by republishing every offer, revoke, and hvsock
// connect result onto an AMQP topic exchange via watermill, so that a
// separate relay/device-bus process can pick channels up without linking
// against the engine directly. It forwards notifications; it does not
// implement relay or device-bus semantics itself.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/vmbusgo/client/internal/vmbus/client"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

// EventKind discriminates the envelope published for each notification.
type EventKind string

const (
	EventOffer               EventKind = "offer"
	EventRevoke              EventKind = "revoke"
	EventHvsockConnectResult EventKind = "hvsock_connect_result"
)

// Event is the JSON payload published for every notification.
type Event struct {
	Kind       EventKind          `json:"kind"`
	ChannelID  protocol.ChannelID `json:"channel_id,omitempty"`
	Offer      *protocol.OfferChannel `json:"offer,omitempty"`
	ServiceID  *protocol.Guid     `json:"service_id,omitempty"`
	EndpointID *protocol.Guid     `json:"endpoint_id,omitempty"`
	Status     int32              `json:"status,omitempty"`
}

// Sink publishes client notifications onto an AMQP topic via a watermill
// message.Publisher, mirroring the teacher's EventDispatcher/publisher
// pairing: marshal to JSON, wrap in a watermill message.Message, publish.
type Sink struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

// NewSink builds a Sink that publishes to topic via publisher (typically a
// *amqp.Publisher constructed by the caller with watermill-amqp/v3).
func NewSink(publisher message.Publisher, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{publisher: publisher, topic: topic, logger: logger}
}

var _ client.NotificationSink = (*Sink)(nil)

func (s *Sink) Offer(info *client.OfferInfo) {
	offer := info.Offer
	s.publish(Event{Kind: EventOffer, ChannelID: offer.ChannelID, Offer: &offer})
}

func (s *Sink) Revoke(id protocol.ChannelID) {
	s.publish(Event{Kind: EventRevoke, ChannelID: id})
}

func (s *Sink) HvsockConnectResult(serviceID, endpointID protocol.Guid, status int32) {
	s.publish(Event{Kind: EventHvsockConnectResult, ServiceID: &serviceID, EndpointID: &endpointID, Status: status})
}

func (s *Sink) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("relay: marshal event", "kind", ev.Kind, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		s.logger.Error("relay: publish event", "kind", ev.Kind, "error", err)
	}
}

// Close releases the underlying publisher.
func (s *Sink) Close() error {
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// ErrNoPublisher reports that no publisher is configured. No function in
// this package returns it.
var ErrNoPublisher = fmt.Errorf("relay: no publisher configured")
