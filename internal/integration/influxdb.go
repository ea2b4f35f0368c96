package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// InfluxDBSink writes decoded payloads as line-protocol points, one
// measurement per flattened object field. Works against both the v1
// /write and the v2 /api/v2/write endpoints.
type InfluxDBSink struct {
	settings models.InfluxDBIntegrationSettings
	client   *http.Client
}

// NewInfluxDBSink creates the sink.
func NewInfluxDBSink(settings models.InfluxDBIntegrationSettings) *InfluxDBSink {
	return &InfluxDBSink{
		settings: settings,
		client:   &http.Client{Timeout: sinkTimeout},
	}
}

// Name implements Sink.
func (s *InfluxDBSink) Name() string { return "influxdb" }

// HandleUplinkEvent writes the uplink meta point and one point per
// decoded object field.
func (s *InfluxDBSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	tags := map[string]string{
		"application_name": e.DeviceInfo.ApplicationName,
		"device_name":      e.DeviceInfo.DeviceName,
		"dev_eui":          e.DeviceInfo.DevEUI.String(),
	}
	for k, v := range e.DeviceInfo.Tags {
		tags[k] = v
	}

	var maxRSSI int32
	var maxSNR float64
	for i, rx := range e.RXInfo {
		if i == 0 || rx.RSSI > maxRSSI {
			maxRSSI = rx.RSSI
		}
		if i == 0 || rx.LoRaSNR > maxSNR {
			maxSNR = rx.LoRaSNR
		}
	}

	metaTags := cloneTags(tags)
	metaTags["dr"] = fmt.Sprintf("%d", e.DR)
	metaTags["frequency"] = fmt.Sprintf("%d", e.TXInfo.Frequency)

	lines := []string{
		formatLine("device_uplink", metaTags, map[string]interface{}{
			"value": 1,
			"rssi":  int(maxRSSI),
			"snr":   maxSNR,
			"f_cnt": int(e.FCnt),
		}),
	}

	if e.Object != nil {
		dataTags := cloneTags(tags)
		dataTags["f_port"] = fmt.Sprintf("%d", e.FPort)
		lines = append(lines, objectLines("device_frmpayload_data", dataTags, e.Object)...)
	}

	sort.Strings(lines)
	return s.write(ctx, strings.Join(lines, "\n"))
}

// HandleStatusEvent writes the margin and battery points.
func (s *InfluxDBSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	tags := map[string]string{
		"application_name": e.DeviceInfo.ApplicationName,
		"device_name":      e.DeviceInfo.DeviceName,
		"dev_eui":          e.DeviceInfo.DevEUI.String(),
	}

	lines := []string{
		formatLine("device_status_margin", tags, map[string]interface{}{"value": e.Margin}),
	}
	if !e.BatteryLevelUnavailable {
		lines = append(lines, formatLine("device_status_battery_level", tags, map[string]interface{}{
			"value": e.BatteryLevel,
		}))
	}

	sort.Strings(lines)
	return s.write(ctx, strings.Join(lines, "\n"))
}

// HandleJoinEvent implements Sink; joins are not stored.
func (s *InfluxDBSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error { return nil }

// HandleAckEvent implements Sink; acks are not stored.
func (s *InfluxDBSink) HandleAckEvent(ctx context.Context, e AckEvent) error { return nil }

// HandleTxAckEvent implements Sink; tx-acks are not stored.
func (s *InfluxDBSink) HandleTxAckEvent(ctx context.Context, e TxAckEvent) error { return nil }

// HandleLogEvent implements Sink; logs are not stored.
func (s *InfluxDBSink) HandleLogEvent(ctx context.Context, e LogEvent) error { return nil }

// HandleLocationEvent implements Sink; locations are stored with the
// decoded object when present.
func (s *InfluxDBSink) HandleLocationEvent(ctx context.Context, e LocationEvent) error { return nil }

// Close implements Sink.
func (s *InfluxDBSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *InfluxDBSink) write(ctx context.Context, body string) error {
	if body == "" {
		return nil
	}

	endpoint, err := url.Parse(s.settings.Endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	q := endpoint.Query()
	if s.settings.Version == 2 {
		q.Set("org", s.settings.Org)
		q.Set("bucket", s.settings.Bucket)
	} else {
		q.Set("db", s.settings.DB)
		if s.settings.Username != "" {
			q.Set("u", s.settings.Username)
			q.Set("p", s.settings.Password)
		}
		if s.settings.RetentionPolicy != "" {
			q.Set("rp", s.settings.RetentionPolicy)
		}
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if s.settings.Version == 2 {
		req.Header.Set("Authorization", "Token "+s.settings.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("influxdb returned %d", resp.StatusCode)
	}
	return nil
}

// objectLines flattens a decoded payload into one line per leaf field.
// A map carrying both latitude and longitude becomes a single
// *_location point with a 12-character geohash instead of two separate
// fields.
func objectLines(prefix string, tags map[string]string, obj map[string]interface{}) []string {
	var lines []string

	if lat, lon, ok := locationOf(obj); ok {
		lines = append(lines, formatLine(prefix+"_location", tags, map[string]interface{}{
			"latitude":  lat,
			"longitude": lon,
			"geohash":   geohash.Encode(lat, lon),
		}))
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, _, ok := locationOf(obj); ok && (k == "latitude" || k == "longitude") {
			continue
		}

		switch v := obj[k].(type) {
		case map[string]interface{}:
			lines = append(lines, objectLines(prefix+"_"+k, tags, v)...)
		case nil:
			// skip
		default:
			lines = append(lines, formatLine(prefix+"_"+k, tags, map[string]interface{}{"value": v}))
		}
	}

	return lines
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func locationOf(obj map[string]interface{}) (lat, lon float64, ok bool) {
	lat, latOK := asFloat(obj["latitude"])
	lon, lonOK := asFloat(obj["longitude"])
	return lat, lon, latOK && lonOK
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// formatLine renders one line-protocol point. Tags and fields are
// ordered lexicographically so the output is deterministic.
func formatLine(measurement string, tags map[string]string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(escapeMeasurement(measurement))

	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		if tags[k] == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(tags[k]))
	}

	b.WriteByte(' ')

	fieldKeys := make([]string, 0, len(fields))
	for k := range fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(formatFieldValue(fields[k]))
	}

	return b.String()
}

// formatFieldValue types the value per line protocol: six-decimal
// floats, i-suffixed integers, bare booleans, quoted strings.
func formatFieldValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%f", n)
	case float32:
		return fmt.Sprintf("%f", n)
	case int:
		return fmt.Sprintf("%di", n)
	case int32:
		return fmt.Sprintf("%di", n)
	case int64:
		return fmt.Sprintf("%di", n)
	case uint32:
		return fmt.Sprintf("%di", n)
	case uint64:
		return fmt.Sprintf("%di", n)
	case bool:
		return fmt.Sprintf("%t", n)
	case string:
		return `"` + strings.ReplaceAll(n, `"`, `\"`) + `"`
	default:
		return `"` + strings.ReplaceAll(fmt.Sprintf("%v", n), `"`, `\"`) + `"`
	}
}

var (
	tagEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
)

func escapeTag(s string) string         { return tagEscaper.Replace(s) }
func escapeMeasurement(s string) string { return measurementEscaper.Replace(s) }
