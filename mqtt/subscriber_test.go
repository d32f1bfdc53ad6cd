package mqtt

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/gateway"
	"github.com/mjasion/balena-home/ruuvi_gateway/ruuvi"
)

type recordingIngester struct {
	messages []*gateway.Message
}

func (r *recordingIngester) Message(_ context.Context, msg *gateway.Message) ruuvi.Outcome {
	r.messages = append(r.messages, msg)
	return ruuvi.Outcome{Status: ruuvi.StatusDecoded}
}

func newTestSubscriber() (*Subscriber, *recordingIngester, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	ing := &recordingIngester{}
	cfg := config.MQTTConfig{Broker: "127.0.0.1", Port: 1883, ClientID: "test", Topic: "ruuvi/#"}
	return NewSubscriber(cfg, ing, zap.New(core)), ing, logs
}

func TestHandleMessage(t *testing.T) {
	s, ing, _ := newTestSubscriber()

	s.handleMessage("ruuvi/FF:81:4E:A5:22:E7/DD:19:92:CB:60:21",
		[]byte(`{"gw_mac":"FF:81:4E:A5:22:E7","rssi":-62,"gwts":"1736885090","ts":"1736885086","data":"0201061BFF9904050FE0337CC4ABFC1400340024A5B6EBA544DD1992CB6021"}`))

	if len(ing.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(ing.messages))
	}
	msg := ing.messages[0]
	if msg.Tag.ID != "DD:19:92:CB:60:21" || msg.GatewayID != "FF:81:4E:A5:22:E7" {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		logMsg  string
	}{
		{name: "status topic", topic: "ruuvi/FF:81:4E:A5:22:E7/gw_status", payload: `{"state":"online"}`, logMsg: "ignoring mqtt topic"},
		{name: "bad json", topic: "ruuvi/GW/DD:19:92:CB:60:21", payload: `{`, logMsg: "rejected mqtt message"},
		{name: "bad hex", topic: "ruuvi/GW/DD:19:92:CB:60:21", payload: `{"gw_mac":"GW","data":"ZZ","ts":1}`, logMsg: "rejected mqtt message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ing, logs := newTestSubscriber()
			s.handleMessage(tt.topic, []byte(tt.payload))

			if len(ing.messages) != 0 {
				t.Errorf("Expected message to be dropped, got %d", len(ing.messages))
			}
			if logs.FilterMessage(tt.logMsg).Len() != 1 {
				t.Errorf("Expected log %q", tt.logMsg)
			}
		})
	}
}

func TestConnect_Stopped(t *testing.T) {
	s, _, _ := newTestSubscriber()
	s.Disconnect()
	s.Disconnect()

	if err := s.Connect(context.Background()); err == nil {
		t.Error("Expected error connecting a stopped subscriber, got nil")
	}
	if s.IsConnected() {
		t.Error("Expected subscriber to be disconnected")
	}
}
