package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces events to one topic keyed by tenant, so a
// tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	client producer
	logger zerolog.Logger
}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("lims-server"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, logger: logger.With().Str("component", "kafka").Logger()}, nil
}

func encodeRecord(ev Event) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &kgo.Record{
		Key:   []byte(ev.TenantID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}

// Publish hands the record to the client without waiting for the broker.
// Events are emitted after commit from request handlers, so the record
// outlives the request: cancelling ctx must not abort the produce.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	rec, err := encodeRecord(ev)
	if err != nil {
		return err
	}
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn().Err(err).Str("event", ev.Type).Msg("kafka produce failed")
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}
