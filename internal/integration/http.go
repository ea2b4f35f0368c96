package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// HTTPSink posts every event as JSON to a webhook endpoint. The event
// kind travels in the `event` query parameter.
type HTTPSink struct {
	settings models.HTTPIntegrationSettings
	client   *http.Client
}

// NewHTTPSink creates a webhook sink.
func NewHTTPSink(settings models.HTTPIntegrationSettings) *HTTPSink {
	timeout := time.Duration(settings.Timeout) * time.Second
	if timeout <= 0 {
		timeout = sinkTimeout
	}

	return &HTTPSink{
		settings: settings,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "http" }

// HandleUplinkEvent implements Sink.
func (s *HTTPSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.post(ctx, "up", e)
}

// HandleJoinEvent implements Sink.
func (s *HTTPSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.post(ctx, "join", e)
}

// HandleAckEvent implements Sink.
func (s *HTTPSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.post(ctx, "ack", e)
}

// HandleTxAckEvent implements Sink.
func (s *HTTPSink) HandleTxAckEvent(ctx context.Context, e TxAckEvent) error {
	return s.post(ctx, "txack", e)
}

// HandleLogEvent implements Sink.
func (s *HTTPSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.post(ctx, "log", e)
}

// HandleStatusEvent implements Sink.
func (s *HTTPSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.post(ctx, "status", e)
}

// HandleLocationEvent implements Sink.
func (s *HTTPSink) HandleLocationEvent(ctx context.Context, e LocationEvent) error {
	return s.post(ctx, "location", e)
}

// Close implements Sink.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSink) post(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	endpoint, err := url.Parse(s.settings.EventEndpointURL)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("event", event)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.settings.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
