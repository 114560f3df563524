package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bpark/bparkd/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
			ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		})
	})
	return err
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	_, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
			ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		})
	})
	return err
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// Event subjects
const (
	ReservationCreated = "reservation.created"
	ReservationExpired = "reservation.expired"
	ParkingStarted     = "parking.started"
	ParkingEnded       = "parking.ended"
	ParkingForcedExit  = "parking.forced_exit"

	NotifySend = "notify.send"
)

// Notification kinds carried in NotificationEvent.Kind.
const (
	NotifyLatePickup  = "late_pickup"
	NotifyForcedExit  = "forced_exit"
	NotifyParkingCode = "parking_code"
)

type ReservationCreatedEvent struct {
	ReservationID int       `json:"reservation_id"`
	SubscriberID  string    `json:"subscriber_id"`
	SpotID        int       `json:"spot_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

type ReservationExpiredEvent struct {
	ReservationID int       `json:"reservation_id"`
	SubscriberID  string    `json:"subscriber_id"`
	SpotID        int       `json:"spot_id"`
	StartTime     time.Time `json:"start_time"`
}

type ParkingStartedEvent struct {
	SessionID    int       `json:"session_id"`
	SubscriberID string    `json:"subscriber_id"`
	SpotID       int       `json:"spot_id"`
	EntryTime    time.Time `json:"entry_time"`
	Reserved     bool      `json:"reserved"`
}

type ParkingEndedEvent struct {
	SessionID    int       `json:"session_id"`
	SubscriberID string    `json:"subscriber_id"`
	SpotID       int       `json:"spot_id"`
	ExitTime     time.Time `json:"exit_time"`
	Late         bool      `json:"late"`
	Forced       bool      `json:"forced"`
}

type NotificationEvent struct {
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Name      string            `json:"name"`
	Data      map[string]string `json:"data,omitempty"`
}
