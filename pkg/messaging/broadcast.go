package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callsignal-server/pkg/errors"
	"callsignal-server/pkg/events"
	"callsignal-server/pkg/metrics"
)

// AMQPConfig holds the broker connection settings for the event fanout.
type AMQPConfig struct {
	URL          string
	ExchangeName string
	Durable      bool
}

// AMQPBroadcaster publishes dispatched events to an AMQP topic exchange so
// consumers outside this process can follow the event stream. Routing key is
// the event type, which lets consumers bind with patterns like "call.*".
type AMQPBroadcaster struct {
	logger    *logrus.Entry
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPBroadcaster creates a broadcaster. Call Connect before use.
func NewAMQPBroadcaster(logger *logrus.Logger, config AMQPConfig) *AMQPBroadcaster {
	if config.ExchangeName == "" {
		config.ExchangeName = "callsignal.events"
	}
	config.Durable = true

	return &AMQPBroadcaster{
		logger:   logger.WithField("component", "amqp_broadcaster"),
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the broker connection and declares the exchange.
func (b *AMQPBroadcaster) Connect() error {
	b.connMutex.Lock()
	defer b.connMutex.Unlock()

	if b.connected {
		return nil
	}

	if b.config.URL == "" {
		return errors.New("AMQP URL not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(b.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return errors.New("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP server")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	if err := channel.ExchangeDeclare(
		b.config.ExchangeName,
		"topic",
		b.config.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP exchange")
	}

	b.conn = conn
	b.channel = channel
	b.connected = true
	b.stopChan = make(chan struct{})

	b.logger.WithFields(logrus.Fields{
		"url":      b.config.URL,
		"exchange": b.config.ExchangeName,
	}).Info("Connected to AMQP server")

	go b.monitorConnection()

	return nil
}

// Disconnect closes the broker connection.
func (b *AMQPBroadcaster) Disconnect() {
	b.connMutex.Lock()
	defer b.connMutex.Unlock()

	if !b.connected {
		return
	}

	close(b.stopChan)

	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}

	b.connected = false
	b.logger.Info("Disconnected from AMQP server")
}

// IsConnected reports whether the broker connection is up.
func (b *AMQPBroadcaster) IsConnected() bool {
	b.connMutex.RLock()
	defer b.connMutex.RUnlock()
	return b.connected
}

// Broadcast publishes a resolved event to the exchange. The message carries
// the event, its room, and the matched subscription ids.
func (b *AMQPBroadcaster) Broadcast(ctx context.Context, msg *events.BroadcastMessage) error {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("recover", r).Error("Recovered from panic in AMQP publish")
		}
	}()

	if !b.IsConnected() {
		return errors.ErrBroadcastFailed
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal broadcast message")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
	}

	publishChan := make(chan error, 1)
	go func() {
		b.connMutex.RLock()
		defer b.connMutex.RUnlock()

		if !b.connected || b.channel == nil {
			select {
			case <-ctx.Done():
			case publishChan <- errors.ErrBroadcastFailed:
			}
			return
		}

		err := b.channel.Publish(
			b.config.ExchangeName,
			msg.Event.Type, // routing key
			false,          // mandatory
			false,          // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    msg.Event.ID,
			},
		)

		select {
		case <-ctx.Done():
		case publishChan <- err:
		}
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			return errors.Wrap(err, "failed to publish event to AMQP")
		}
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publishing to AMQP timed out")
	}

	metrics.RecordBroadcast("amqp", "published")
	b.logger.WithFields(logrus.Fields{
		"event_id":   msg.Event.ID,
		"event_type": msg.Event.Type,
	}).Debug("Published event to AMQP exchange")
	return nil
}

// monitorConnection watches for broker-side closes and reconnects with
// exponential backoff.
func (b *AMQPBroadcaster) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	b.connMutex.RLock()
	if b.conn != nil {
		b.conn.NotifyClose(closeChan)
	}
	b.connMutex.RUnlock()

	for {
		select {
		case <-b.stopChan:
			return
		case closeErr := <-closeChan:
			b.connMutex.Lock()
			b.connected = false
			b.connMutex.Unlock()

			b.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

			for attempt := 1; attempt <= 10; attempt++ {
				err := b.Connect()
				if err == nil {
					b.logger.Info("Successfully reconnected to AMQP server")
					return
				}
				b.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				time.Sleep(backoff)
			}
			return
		}
	}
}
