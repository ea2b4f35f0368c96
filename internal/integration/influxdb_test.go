package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestFormatLineEscaping(t *testing.T) {
	assert := require.New(t)

	line := formatLine("device_frmpayload_data_temperature",
		map[string]string{"fo o": "ba,r"},
		map[string]interface{}{"value": 25.4},
	)
	assert.Equal(`device_frmpayload_data_temperature,fo\ o=ba\,r value=25.400000`, line)
}

func TestFormatLineFieldTypes(t *testing.T) {
	assert := require.New(t)

	line := formatLine("m", nil, map[string]interface{}{"value": 42})
	assert.Equal("m value=42i", line)

	line = formatLine("m", nil, map[string]interface{}{"value": true})
	assert.Equal("m value=true", line)

	line = formatLine("m", nil, map[string]interface{}{"value": `say "hi"`})
	assert.Equal(`m value="say \"hi\""`, line)

	// fields are ordered lexicographically
	line = formatLine("m", nil, map[string]interface{}{"b": 1, "a": 2})
	assert.Equal("m a=2i,b=1i", line)
}

func TestFormatLineTagOrdering(t *testing.T) {
	assert := require.New(t)

	line := formatLine("m",
		map[string]string{"zebra": "1", "alpha": "2", "empty": ""},
		map[string]interface{}{"value": 1},
	)
	assert.Equal("m,alpha=2,zebra=1 value=1i", line)
}

func TestObjectLinesFlattening(t *testing.T) {
	assert := require.New(t)

	obj := map[string]interface{}{
		"temperature": 25.4,
		"nested": map[string]interface{}{
			"humidity": 49.0,
		},
		"active": true,
	}

	lines := objectLines("device_frmpayload_data", map[string]string{"dev_eui": "0102030405060708"}, obj)
	sort.Strings(lines)

	assert.Equal([]string{
		"device_frmpayload_data_active,dev_eui=0102030405060708 value=true",
		"device_frmpayload_data_nested_humidity,dev_eui=0102030405060708 value=49.000000",
		"device_frmpayload_data_temperature,dev_eui=0102030405060708 value=25.400000",
	}, lines)
}

func TestObjectLinesLocation(t *testing.T) {
	assert := require.New(t)

	obj := map[string]interface{}{
		"latitude":  52.3740,
		"longitude": 4.9144,
	}

	lines := objectLines("device_frmpayload_data", nil, obj)
	assert.Len(lines, 1)

	hash := geohash.Encode(52.3740, 4.9144)
	assert.Len(hash, 12)
	assert.Equal(
		`device_frmpayload_data_location geohash="`+hash+`",latitude=52.374000,longitude=4.914400`,
		lines[0],
	)
}

func TestInfluxDBSinkWriteV1(t *testing.T) {
	assert := require.New(t)

	var gotBody string
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewInfluxDBSink(models.InfluxDBIntegrationSettings{
		Version:  1,
		Endpoint: server.URL + "/write",
		DB:       "lora",
		Username: "admin",
		Password: "secret",
	})

	e := UplinkEvent{
		DeviceInfo: DeviceInfo{
			ApplicationName: "app",
			DeviceName:      "sensor",
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			Tags:            map[string]string{"fo o": "ba,r"},
		},
		DR:     2,
		FPort:  10,
		FCnt:   7,
		Object: map[string]interface{}{"temperature": 25.4},
		RXInfo: []models.UplinkRXInfo{{RSSI: -60, LoRaSNR: 5.5}},
		TXInfo: models.UplinkTXInfo{Frequency: 868100000},
	}

	assert.NoError(sink.HandleUplinkEvent(context.Background(), e))
	assert.Equal([]string{"lora"}, gotQuery["db"])
	assert.Equal([]string{"admin"}, gotQuery["u"])

	lines := strings.Split(gotBody, "\n")
	assert.True(sort.StringsAreSorted(lines))
	assert.Contains(gotBody, `fo\ o=ba\,r`)
	assert.Contains(gotBody, "value=25.400000")
	assert.Contains(gotBody, "device_uplink")
	assert.Contains(gotBody, "f_cnt=7i")

	// Point-specific tags stay on their own line: the meta point carries
	// dr/frequency, the data point carries f_port, never both.
	for _, line := range lines {
		if strings.HasPrefix(line, "device_frmpayload_data") {
			assert.Contains(line, "f_port=10")
			assert.NotContains(line, "dr=")
			assert.NotContains(line, "frequency=")
		}
		if strings.HasPrefix(line, "device_uplink") {
			assert.Contains(line, "dr=2")
			assert.Contains(line, "frequency=868100000")
			assert.NotContains(line, "f_port")
		}
	}
}

func TestInfluxDBSinkWriteV2(t *testing.T) {
	assert := require.New(t)

	var gotAuth string
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewInfluxDBSink(models.InfluxDBIntegrationSettings{
		Version:  2,
		Endpoint: server.URL + "/api/v2/write",
		Org:      "acme",
		Bucket:   "lora",
		Token:    "tok",
	})

	e := StatusEvent{
		DeviceInfo:   DeviceInfo{DeviceName: "sensor", DevEUI: lorawan.EUI64{1}},
		Margin:       12,
		BatteryLevel: 73.5,
	}

	assert.NoError(sink.HandleStatusEvent(context.Background(), e))
	assert.Equal("Token tok", gotAuth)
	assert.Equal([]string{"acme"}, gotQuery["org"])
	assert.Equal([]string{"lora"}, gotQuery["bucket"])
}

func TestInfluxDBSinkErrorStatus(t *testing.T) {
	assert := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	sink := NewInfluxDBSink(models.InfluxDBIntegrationSettings{
		Version:  1,
		Endpoint: server.URL,
		DB:       "lora",
	})

	e := UplinkEvent{Object: map[string]interface{}{"x": 1.0}}
	assert.Error(sink.HandleUplinkEvent(context.Background(), e))
}
