package worker

import (
	"context"
	"time"

	"wagate/internal/adapter"
	"wagate/internal/domain"
	"wagate/internal/observability"
	sqsqueue "wagate/internal/queue/sqs"
)

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Processor turns raw inbound callbacks into canonical events and hands them
// to webhook dispatch.
type Processor struct {
	Publisher Publisher
	Timeout   time.Duration
}

// Process returns an error only when the event should be redelivered.
// Unsupported payloads are acknowledged and dropped.
func (p *Processor) Process(ctx context.Context, in sqsqueue.InboundEvent) error {
	variant := in.Variant
	if variant == "" {
		variant = domain.VariantOfficial
	}
	ev := adapter.Normalize(in.Instance, in.Payload, variant)
	if ev == nil {
		observability.InboundEvents.WithLabelValues(string(variant), "ignored").Inc()
		return nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// bounded DB work; errors cause SQS redrive
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Publisher.Publish(pubCtx, *ev); err != nil {
		observability.InboundEvents.WithLabelValues(string(variant), "error").Inc()
		return err
	}
	observability.InboundEvents.WithLabelValues(string(variant), "published").Inc()
	return nil
}
