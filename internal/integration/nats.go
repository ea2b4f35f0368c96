package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// defaultNATSSubjectTemplate groups events per application and device.
const defaultNATSSubjectTemplate = "application.{application_id}.device.{dev_eui}.event.{event}"

// NATSSink republishes events on a NATS subject tree, usually the same
// cluster that carries the gateway traffic.
type NATSSink struct {
	settings models.NATSIntegrationSettings
	nc       *nats.Conn
}

// NewNATSSink connects to the configured server.
func NewNATSSink(settings models.NATSIntegrationSettings) (*NATSSink, error) {
	if settings.SubjectTemplate == "" {
		settings.SubjectTemplate = defaultNATSSubjectTemplate
	}

	nc, err := nats.Connect(settings.URL,
		nats.MaxReconnects(-1),
		nats.Name("loraflux-integration"),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSSink{settings: settings, nc: nc}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// HandleUplinkEvent implements Sink.
func (s *NATSSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.publish("up", e.DeviceInfo, e)
}

// HandleJoinEvent implements Sink.
func (s *NATSSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.publish("join", e.DeviceInfo, e)
}

// HandleAckEvent implements Sink.
func (s *NATSSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.publish("ack", e.DeviceInfo, e)
}

// HandleTxAckEvent implements Sink.
func (s *NATSSink) HandleTxAckEvent(ctx context.Context, e TxAckEvent) error {
	return s.publish("txack", e.DeviceInfo, e)
}

// HandleLogEvent implements Sink.
func (s *NATSSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.publish("log", e.DeviceInfo, e)
}

// HandleStatusEvent implements Sink.
func (s *NATSSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.publish("status", e.DeviceInfo, e)
}

// HandleLocationEvent implements Sink.
func (s *NATSSink) HandleLocationEvent(ctx context.Context, e LocationEvent) error {
	return s.publish("location", e.DeviceInfo, e)
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSSink) publish(event string, info DeviceInfo, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	r := strings.NewReplacer(
		"{application_id}", info.ApplicationID.String(),
		"{dev_eui}", info.DevEUI.String(),
		"{event}", event,
	)
	subject := r.Replace(s.settings.SubjectTemplate)

	if err := s.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
