package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// defaultMQTTTopicTemplate mirrors the application/device hierarchy.
const defaultMQTTTopicTemplate = "application/{application_id}/device/{dev_eui}/event/{event}"

// MQTTSink publishes events to an MQTT broker. One client per
// integration row; paho reconnects on its own.
type MQTTSink struct {
	settings models.MQTTIntegrationSettings
	client   mqtt.Client
}

// NewMQTTSink connects the client.
func NewMQTTSink(settings models.MQTTIntegrationSettings) (*MQTTSink, error) {
	if settings.TopicTemplate == "" {
		settings.TopicTemplate = defaultMQTTTopicTemplate
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Server)
	opts.SetClientID(fmt.Sprintf("loraflux-integration-%s", uuid.New()))
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("server", settings.Server).Msg("integration: mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", settings.Server)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", settings.Server, err)
	}

	return &MQTTSink{settings: settings, client: client}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// HandleUplinkEvent implements Sink.
func (s *MQTTSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.publish(ctx, "up", e.DeviceInfo, e)
}

// HandleJoinEvent implements Sink.
func (s *MQTTSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.publish(ctx, "join", e.DeviceInfo, e)
}

// HandleAckEvent implements Sink.
func (s *MQTTSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.publish(ctx, "ack", e.DeviceInfo, e)
}

// HandleTxAckEvent implements Sink.
func (s *MQTTSink) HandleTxAckEvent(ctx context.Context, e TxAckEvent) error {
	return s.publish(ctx, "txack", e.DeviceInfo, e)
}

// HandleLogEvent implements Sink.
func (s *MQTTSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.publish(ctx, "log", e.DeviceInfo, e)
}

// HandleStatusEvent implements Sink.
func (s *MQTTSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.publish(ctx, "status", e.DeviceInfo, e)
}

// HandleLocationEvent implements Sink.
func (s *MQTTSink) HandleLocationEvent(ctx context.Context, e LocationEvent) error {
	return s.publish(ctx, "location", e.DeviceInfo, e)
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

func (s *MQTTSink) publish(ctx context.Context, event string, info DeviceInfo, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := mqttEventTopic(s.settings.TopicTemplate, event, info)

	token := s.client.Publish(topic, s.settings.QOS, false, body)

	deadline, ok := ctx.Deadline()
	timeout := sinkTimeout
	if ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

func mqttEventTopic(template, event string, info DeviceInfo) string {
	r := strings.NewReplacer(
		"{application_id}", info.ApplicationID.String(),
		"{dev_eui}", info.DevEUI.String(),
		"{event}", event,
	)
	return r.Replace(template)
}
