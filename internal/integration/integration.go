// Package integration fans application events out to the sinks an
// application has configured. Fan-out is best effort: a failing sink is
// logged and skipped, it never fails the uplink pipeline.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
)

// sinkTimeout bounds a single sink call.
const sinkTimeout = 5 * time.Second

// Sink delivers application events to one external system.
type Sink interface {
	Name() string

	HandleUplinkEvent(ctx context.Context, e UplinkEvent) error
	HandleJoinEvent(ctx context.Context, e JoinEvent) error
	HandleAckEvent(ctx context.Context, e AckEvent) error
	HandleTxAckEvent(ctx context.Context, e TxAckEvent) error
	HandleLogEvent(ctx context.Context, e LogEvent) error
	HandleStatusEvent(ctx context.Context, e StatusEvent) error
	HandleLocationEvent(ctx context.Context, e LocationEvent) error

	Close() error
}

// Fanout resolves the enabled sinks of an application and dispatches
// events to all of them. Sink instances are cached per integration row
// and rebuilt when the row's UpdatedAt changes.
type Fanout struct {
	store storage.Store

	mu    sync.Mutex
	sinks map[uuid.UUID]*cachedSink
}

type cachedSink struct {
	sink      Sink
	updatedAt time.Time
}

// NewFanout creates a fan-out over the given store.
func NewFanout(store storage.Store) *Fanout {
	return &Fanout{
		store: store,
		sinks: make(map[uuid.UUID]*cachedSink),
	}
}

// Close closes all cached sinks.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, c := range f.sinks {
		if err := c.sink.Close(); err != nil {
			log.Error().Err(err).Str("integration_id", id.String()).Msg("integration: close failed")
		}
		delete(f.sinks, id)
	}
	return nil
}

// HandleUplinkEvent delivers an uplink event to all sinks.
func (f *Fanout) HandleUplinkEvent(ctx context.Context, applicationID uuid.UUID, e UplinkEvent) {
	f.dispatch(ctx, applicationID, "up", func(ctx context.Context, s Sink) error {
		return s.HandleUplinkEvent(ctx, e)
	})
}

// HandleJoinEvent delivers a join event to all sinks.
func (f *Fanout) HandleJoinEvent(ctx context.Context, applicationID uuid.UUID, e JoinEvent) {
	f.dispatch(ctx, applicationID, "join", func(ctx context.Context, s Sink) error {
		return s.HandleJoinEvent(ctx, e)
	})
}

// HandleAckEvent delivers an ack event to all sinks.
func (f *Fanout) HandleAckEvent(ctx context.Context, applicationID uuid.UUID, e AckEvent) {
	f.dispatch(ctx, applicationID, "ack", func(ctx context.Context, s Sink) error {
		return s.HandleAckEvent(ctx, e)
	})
}

// HandleTxAckEvent delivers a tx-ack event to all sinks.
func (f *Fanout) HandleTxAckEvent(ctx context.Context, applicationID uuid.UUID, e TxAckEvent) {
	f.dispatch(ctx, applicationID, "txack", func(ctx context.Context, s Sink) error {
		return s.HandleTxAckEvent(ctx, e)
	})
}

// HandleLogEvent delivers a log event to all sinks.
func (f *Fanout) HandleLogEvent(ctx context.Context, applicationID uuid.UUID, e LogEvent) {
	f.dispatch(ctx, applicationID, "log", func(ctx context.Context, s Sink) error {
		return s.HandleLogEvent(ctx, e)
	})
}

// HandleStatusEvent delivers a device-status event to all sinks.
func (f *Fanout) HandleStatusEvent(ctx context.Context, applicationID uuid.UUID, e StatusEvent) {
	f.dispatch(ctx, applicationID, "status", func(ctx context.Context, s Sink) error {
		return s.HandleStatusEvent(ctx, e)
	})
}

// HandleLocationEvent delivers a location event to all sinks.
func (f *Fanout) HandleLocationEvent(ctx context.Context, applicationID uuid.UUID, e LocationEvent) {
	f.dispatch(ctx, applicationID, "location", func(ctx context.Context, s Sink) error {
		return s.HandleLocationEvent(ctx, e)
	})
}

func (f *Fanout) dispatch(ctx context.Context, applicationID uuid.UUID, eventType string, fn func(ctx context.Context, s Sink) error) {
	integrations, err := f.store.GetIntegrationsForApplication(ctx, applicationID)
	if err != nil {
		log.Error().Err(err).
			Str("application_id", applicationID.String()).
			Msg("integration: load integrations failed")
		return
	}

	for _, integ := range integrations {
		sink, err := f.sinkFor(integ)
		if err != nil {
			log.Error().Err(err).
				Str("integration_id", integ.ID.String()).
				Str("kind", string(integ.Kind)).
				Msg("integration: sink setup failed")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err = fn(callCtx, sink)
		cancel()

		if err != nil {
			metrics.IntegrationErrors.WithLabelValues(sink.Name()).Inc()
			log.Error().Err(err).
				Str("application_id", applicationID.String()).
				Str("sink", sink.Name()).
				Str("event", eventType).
				Msg("integration: event delivery failed")
			continue
		}

		log.Debug().
			Str("application_id", applicationID.String()).
			Str("sink", sink.Name()).
			Str("event", eventType).
			Msg("integration: event delivered")
	}
}

func (f *Fanout) sinkFor(integ *models.Integration) (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.sinks[integ.ID]; ok && c.updatedAt.Equal(integ.UpdatedAt) {
		return c.sink, nil
	}
	if c, ok := f.sinks[integ.ID]; ok {
		c.sink.Close()
		delete(f.sinks, integ.ID)
	}

	sink, err := newSink(integ)
	if err != nil {
		return nil, err
	}
	f.sinks[integ.ID] = &cachedSink{sink: sink, updatedAt: integ.UpdatedAt}
	return sink, nil
}

func newSink(integ *models.Integration) (Sink, error) {
	switch integ.Kind {
	case models.IntegrationHTTP:
		var settings models.HTTPIntegrationSettings
		if err := decodeSettings(integ.Settings, &settings); err != nil {
			return nil, err
		}
		return NewHTTPSink(settings), nil
	case models.IntegrationMQTT:
		var settings models.MQTTIntegrationSettings
		if err := decodeSettings(integ.Settings, &settings); err != nil {
			return nil, err
		}
		return NewMQTTSink(settings)
	case models.IntegrationKafka:
		var settings models.KafkaIntegrationSettings
		if err := decodeSettings(integ.Settings, &settings); err != nil {
			return nil, err
		}
		return NewKafkaSink(settings)
	case models.IntegrationNATS:
		var settings models.NATSIntegrationSettings
		if err := decodeSettings(integ.Settings, &settings); err != nil {
			return nil, err
		}
		return NewNATSSink(settings)
	case models.IntegrationInfluxDB:
		var settings models.InfluxDBIntegrationSettings
		if err := decodeSettings(integ.Settings, &settings); err != nil {
			return nil, err
		}
		return NewInfluxDBSink(settings), nil
	default:
		return nil, fmt.Errorf("unknown integration kind %q", integ.Kind)
	}
}

// decodeSettings maps the stored JSON object onto a typed settings
// struct.
func decodeSettings(vars models.Variables, out interface{}) error {
	b, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
