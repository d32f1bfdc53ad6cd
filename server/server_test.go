package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/ingest"
	"github.com/mjasion/balena-home/ruuvi_gateway/names"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
)

const capturedEnvelope = `{"data":{"coordinates":"","gw_mac":"FF:81:4E:A5:22:E7","nonce":3267643756,"tags":{"DD:19:92:CB:60:21":{"data":"0201061BFF9904050FE0337CC4ABFC1400340024A5B6EBA544DD1992CB6021","rssi":-50,"timestamp":1736885086}},"timestamp":1736885086}}`

func newTestServer(t *testing.T, maxBody int64) (*httptest.Server, *store.Store) {
	t.Helper()

	mapping, err := names.Parse([]byte(`"DD:19:92:CB:60:21": Kitchen`))
	if err != nil {
		t.Fatalf("Failed to parse names: %v", err)
	}

	st := store.New()
	logger := zap.NewNop()
	cfg := config.ServerConfig{MaxBodyBytes: maxBody, GatewayRateSeconds: 1}
	srv := New(cfg, "127.0.0.1:0", st, ingest.New(st, logger, nil), mapping, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestIngest(t *testing.T) {
	ts, st := newTestServer(t, 1<<20)

	resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(capturedEnvelope))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(RateHeader); got != "1" {
		t.Errorf("Expected %s: 1, got %q", RateHeader, got)
	}
	if st.Len() != 1 {
		t.Errorf("Expected 1 sensor in store, got %d", st.Len())
	}
}

func TestIngest_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxBody  int64
		expected int
	}{
		{name: "not json", body: "hello", maxBody: 1 << 20, expected: http.StatusBadRequest},
		{name: "missing data", body: `{"gw_mac":"GW"}`, maxBody: 1 << 20, expected: http.StatusBadRequest},
		{name: "bad hex", body: `{"data":{"gw_mac":"GW","timestamp":1,"tags":{"AA":{"data":"XYZ","rssi":-1,"timestamp":1}}}}`, maxBody: 1 << 20, expected: http.StatusBadRequest},
		{name: "too large", body: capturedEnvelope, maxBody: 64, expected: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, st := newTestServer(t, tt.maxBody)

			resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, resp.StatusCode)
			}
			if gw := st.Gateway(); gw.ID != "" || !gw.Updated.Equal(store.NeverUpdated) {
				t.Errorf("Expected rejected envelope to leave the store untouched, got %+v", gw)
			}
		})
	}
}

func TestIngest_WrongMethod(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Expected text/plain content type, got %s", ct)
	}
	if string(body) != "ruuvi_gateway_update_timestamp_seconds{gw_mac=\"\"} 0\n" {
		t.Errorf("Unexpected document before ingestion:\n%s", body)
	}

	post, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(capturedEnvelope))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	post.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, line := range []string{
		`ruuvi_gateway_update_timestamp_seconds{gw_mac="FF:81:4E:A5:22:E7"} 1736885086`,
		`ruuvi_gateway_nonce{gw_mac="FF:81:4E:A5:22:E7"} 3267643756`,
		`ruuvi_tag_temperature_celsius{mac="DD:19:92:CB:60:21",gw_mac="FF:81:4E:A5:22:E7",name="Kitchen"} 20.32`,
		`ruuvi_tag_rssi_dBm{mac="DD:19:92:CB:60:21",gw_mac="FF:81:4E:A5:22:E7",name="Kitchen"} -50`,
	} {
		if !strings.Contains(string(body), line+"\n") {
			t.Errorf("Expected line %q in:\n%s", line, body)
		}
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)

	var status HealthStatus
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	resp.Body.Close()

	if status.Status != "waiting" || status.Sensors != 0 {
		t.Errorf("Expected waiting with no sensors, got %+v", status)
	}

	post, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(capturedEnvelope))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	post.Body.Close()

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	resp.Body.Close()

	if status.Status != "healthy" || status.Sensors != 1 || status.LastUpdate.Unix() != 1736885086 {
		t.Errorf("Unexpected health after ingestion %+v", status)
	}
}
