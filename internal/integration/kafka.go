package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// KafkaSink produces one record per event. The record key is the
// DevEUI so all events of a device land in the same partition.
type KafkaSink struct {
	settings models.KafkaIntegrationSettings
	client   *kgo.Client
}

// NewKafkaSink creates the producer client.
func NewKafkaSink(settings models.KafkaIntegrationSettings) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(settings.Brokers...),
		kgo.DefaultProduceTopic(settings.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSink{settings: settings, client: client}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// HandleUplinkEvent implements Sink.
func (s *KafkaSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.produce(ctx, "up", e.DeviceInfo, e)
}

// HandleJoinEvent implements Sink.
func (s *KafkaSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.produce(ctx, "join", e.DeviceInfo, e)
}

// HandleAckEvent implements Sink.
func (s *KafkaSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.produce(ctx, "ack", e.DeviceInfo, e)
}

// HandleTxAckEvent implements Sink.
func (s *KafkaSink) HandleTxAckEvent(ctx context.Context, e TxAckEvent) error {
	return s.produce(ctx, "txack", e.DeviceInfo, e)
}

// HandleLogEvent implements Sink.
func (s *KafkaSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.produce(ctx, "log", e.DeviceInfo, e)
}

// HandleStatusEvent implements Sink.
func (s *KafkaSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.produce(ctx, "status", e.DeviceInfo, e)
}

// HandleLocationEvent implements Sink.
func (s *KafkaSink) HandleLocationEvent(ctx context.Context, e LocationEvent) error {
	return s.produce(ctx, "location", e.DeviceInfo, e)
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}

func (s *KafkaSink) produce(ctx context.Context, event string, info DeviceInfo, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(info.DevEUI.String()),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(event)},
		},
	}

	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}
