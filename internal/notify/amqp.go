package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultReservationExchange is the durable topic exchange for lifecycle events.
	DefaultReservationExchange = "seathold.reservations"
	routingKeyPrefix           = "reservation."
	routingKeyExpired          = "expired"
	exchangeKindTopic          = "topic"
	contentTypeJSON            = "application/json"
)

var ErrInvalidAMQPPublisher = errors.New("invalid amqp publisher")

// AMQPChannel is the subset of *amqp.Channel the publisher needs.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher implements seating.ReservationObserver over a RabbitMQ topic exchange.
// Routing keys are reservation.pending, reservation.paid, reservation.canceled and
// reservation.expired.
type AMQPPublisher struct {
	channel  AMQPChannel
	exchange string
	now      func() time.Time
	closers  []func() error
}

// NewAMQPPublisher declares the exchange and returns a publisher bound to it.
func NewAMQPPublisher(channel AMQPChannel, exchange string) (*AMQPPublisher, error) {
	if channel == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidAMQPPublisher)
	}
	if exchange == "" {
		exchange = DefaultReservationExchange
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp exchange declare %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: channel, exchange: exchange, now: time.Now}, nil
}

// DialAMQP connects to url and returns a publisher owning the connection.
func DialAMQP(url string, exchange string) (*AMQPPublisher, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	publisher, err := NewAMQPPublisher(channel, exchange)
	if err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, err
	}
	publisher.closers = append(publisher.closers, connection.Close)
	return publisher, nil
}

// ReservationChanged implements seating.ReservationObserver.
func (publisher *AMQPPublisher) ReservationChanged(ctx context.Context, change seating.ReservationChange) error {
	body, err := json.Marshal(NewReservationMessage(change))
	if err != nil {
		return fmt.Errorf("amqp marshal reservation: %w", err)
	}
	message := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    change.Reservation.ID.String(),
		Timestamp:    publisher.now().UTC(),
		Body:         body,
	}
	routingKey := ReservationRoutingKey(change)
	if err := publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, message); err != nil {
		return fmt.Errorf("amqp publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and any connection opened by DialAMQP.
func (publisher *AMQPPublisher) Close() error {
	errs := []error{publisher.channel.Close()}
	for _, closer := range publisher.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}

// ReservationRoutingKey derives the routing key of a lifecycle change.
func ReservationRoutingKey(change seating.ReservationChange) string {
	if change.Reason == seating.ChangeReasonExpire {
		return routingKeyPrefix + routingKeyExpired
	}
	return routingKeyPrefix + change.Reservation.Status.String()
}

// Observers calls every observer and joins their errors.
type Observers []seating.ReservationObserver

// ReservationChanged implements seating.ReservationObserver.
func (observers Observers) ReservationChanged(ctx context.Context, change seating.ReservationChange) error {
	var errs []error
	for _, observer := range observers {
		if observer == nil {
			continue
		}
		if err := observer.ReservationChanged(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
