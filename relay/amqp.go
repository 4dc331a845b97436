package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/log"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Relay publishes every event appended to the store to an AMQP topic exchange so
// off-process consumers can follow the log. The routing key is the event's kind,
// e.g. "sagas.StepCompleted". The relay is a plain subscriber: losing a message
// here never affects the append, consumers needing a complete history should read
// the store through a cursor instead.
type Relay struct {
	url      string
	exchange string
	logger   log.Logger

	mtx        sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
}

func NewRelay(url, exchange string, logger log.Logger) *Relay {
	return &Relay{url: url, exchange: exchange, logger: logger}
}

// Connect dials the broker and declares the exchange
func (r *Relay) Connect(ctx context.Context) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	conn, err := amqp.Dial(r.url)

	if err != nil {
		return errors.Wrapf(err, "dialing amqp broker at %s", r.url)
	}

	channel, err := conn.Channel()

	if err != nil {
		closingErr := conn.Close()
		return errors.Wrapf(err, "opening a channel. %v", closingErr)
	}

	if err := channel.ExchangeDeclare(
		r.exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		closingErr := conn.Close()
		return errors.Wrapf(err, "declaring exchange %s. %v", r.exchange, closingErr)
	}

	r.connection = conn
	r.channel = channel

	return nil
}

// Attach subscribes the relay to the store, Connect must have succeeded before
func (r *Relay) Attach(store eventstore.Store) {
	store.SubscribeAll("amqp_relay", r.publish)
}

func (r *Relay) Disconnect() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.connection == nil {
		return nil
	}

	err := r.connection.Close()
	r.connection = nil
	r.channel = nil

	return errors.Wrap(err, "closing amqp connection")
}

type envelope struct {
	UID       string          `json:"uid"`
	StreamID  string          `json:"stream_id"`
	Version   uint64          `json:"version"`
	GlobalSeq uint64          `json:"global_seq"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Relay) publish(event eventstore.Event) error {
	r.mtx.Lock()
	channel := r.channel
	r.mtx.Unlock()

	if channel == nil {
		return errors.New("relay is not connected")
	}

	payload, err := json.Marshal(event.Payload)

	if err != nil {
		return errors.Wrapf(err, "marshaling payload of event %s", event.UID)
	}

	body, err := json.Marshal(envelope{
		UID:       event.UID,
		StreamID:  event.StreamID.String(),
		Version:   event.Version,
		GlobalSeq: event.GlobalSeq,
		Name:      event.Name,
		Payload:   payload,
		CreatedAt: event.CreatedAt,
	})

	if err != nil {
		return errors.Wrapf(err, "marshaling envelope of event %s", event.UID)
	}

	err = channel.Publish(
		r.exchange,
		event.Name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   event.UID,
			Timestamp:   event.CreatedAt,
			Body:        body,
		},
	)

	if err != nil {
		return errors.Wrapf(err, "publishing event %s to exchange %s", event.UID, r.exchange)
	}

	r.logger.Logf(log.TraceLevel, "relayed event %s (%s)", event.UID, event.Name)

	return nil
}
