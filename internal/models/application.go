package models

import (
	"github.com/google/uuid"
)

// Application represents an application
type Application struct {
	TenantModel

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	// Statistics
	DeviceCount int `json:"deviceCount,omitempty"`
}

// Integration is one configured event sink of an application.
type Integration struct {
	BaseModel

	ApplicationID uuid.UUID       `json:"applicationId" db:"application_id"`
	Kind          IntegrationKind `json:"kind" db:"kind"`
	Settings      Variables       `json:"settings" db:"settings"`
	IsEnabled     bool            `json:"isEnabled" db:"is_enabled"`
}

// IntegrationKind enumerates the supported sink implementations.
type IntegrationKind string

// Possible integration kinds.
const (
	IntegrationHTTP     IntegrationKind = "HTTP"
	IntegrationMQTT     IntegrationKind = "MQTT"
	IntegrationKafka    IntegrationKind = "KAFKA"
	IntegrationNATS     IntegrationKind = "NATS"
	IntegrationInfluxDB IntegrationKind = "INFLUXDB"
)

// HTTPIntegrationSettings configures a webhook sink.
type HTTPIntegrationSettings struct {
	EventEndpointURL string            `json:"eventEndpointURL"`
	Headers          map[string]string `json:"headers,omitempty"`
	Timeout          int               `json:"timeout,omitempty"`
}

// MQTTIntegrationSettings configures an MQTT sink.
type MQTTIntegrationSettings struct {
	Server        string `json:"server"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	TopicTemplate string `json:"topicTemplate,omitempty"`
	QOS           byte   `json:"qos,omitempty"`
}

// KafkaIntegrationSettings configures a Kafka sink.
type KafkaIntegrationSettings struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// NATSIntegrationSettings configures a NATS sink.
type NATSIntegrationSettings struct {
	URL             string `json:"url"`
	SubjectTemplate string `json:"subjectTemplate,omitempty"`
}

// InfluxDBIntegrationSettings configures an InfluxDB v1/v2 sink.
type InfluxDBIntegrationSettings struct {
	Version  int    `json:"version"` // 1 or 2
	Endpoint string `json:"endpoint"`

	// v1
	DB              string `json:"db,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	RetentionPolicy string `json:"retentionPolicy,omitempty"`

	// v2
	Org    string `json:"org,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Token  string `json:"token,omitempty"`
}
