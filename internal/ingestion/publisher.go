package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go/jetstream"

	"StableVault/internal/event"
)

// OutboundPublisher publishes engine events to NATS for downstream
// consumers. Subjects follow the pattern {prefix}.{event_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	prefix    string
	inputChan <-chan event.Envelope
}

func NewOutboundPublisher(js jetstream.JetStream, prefix string, inputChan <-chan event.Envelope) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		prefix:    prefix,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", env.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", op.prefix, env.TypeName)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}
