package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamPrices holds inbound price-feed messages; StreamEvents holds the
// daemon's outbound event log mirror.
const (
	StreamPrices = "VAULT_PRICES"
	StreamEvents = "VAULT_EVENTS"
)

// RawMessage is a price-feed message pulled off JetStream, not yet parsed.
type RawMessage struct {
	Subject   string
	Data      []byte
	Received  time.Time
	AckFunc   func() // ACK after the engine accepted or terminally rejected
	NakFunc   func() // NAK on transient failure (redelivered)
}

// PriceSubscriber consumes the price subject and feeds raw messages to the
// daemon's ingestion loop.
type PriceSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		msgChan: msgChan,
	}
}

// Subscribe creates a durable JetStream consumer on the price subject.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context, subject string) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, StreamPrices, jetstream.ConsumerConfig{
		Durable:       "vault-prices",
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer vault-prices: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawMessage{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc:  func() { msg.Ack() },
			NakFunc:  func() { msg.Nak() },
		}

		select {
		case ps.msgChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume vault-prices: %w", err)
	}

	ps.consumers = append(ps.consumers, consumerContext)
	log.Printf("INFO: subscribed to %s (consumer=vault-prices)", subject)
	return nil
}

// Stop gracefully stops all consumers.
func (ps *PriceSubscriber) Stop() {
	for _, cc := range ps.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, priceSubject, eventSubject string) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamPrices,
			Subjects:  []string{priceSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamEvents,
			Subjects:  []string{eventSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
