package mqtt

import (
	"testing"

	"atlas-gateway/internal/config"
	"atlas-gateway/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func offlineConfig() config.Config {
	return config.Config{
		MQTTBroker:   "127.0.0.1",
		MQTTPort:     1,
		MQTTClientID: "atlas-test",
		MQTTQoS:      1,
	}
}

func TestNewClient_RejectsQoS(t *testing.T) {
	cfg := offlineConfig()
	cfg.MQTTQoS = 3
	if _, err := NewClient(cfg, discardLogger(), nil); err == nil {
		t.Fatal("NewClient accepted qos 3")
	}
}

func TestClient_OfflineUsage(t *testing.T) {
	m := metrics.New()
	c, err := NewClient(offlineConfig(), discardLogger(), m)
	if err != nil {
		t.Fatalf("NewClient error = %v", err)
	}

	if _, err := c.Advertise("atlas/#", 10); err == nil {
		t.Error("Advertise accepted a wildcard topic")
	}

	ch, err := c.Advertise("atlas/raw/Temperature", 1)
	if err != nil {
		t.Fatalf("Advertise error = %v", err)
	}
	_ = ch.Publish(1)
	_ = ch.Publish(2)
	if got := testutil.ToFloat64(m.BacklogDrops.WithLabelValues("atlas/raw/Temperature")); got != 1 {
		t.Errorf("backlog drops = %v, want 1", got)
	}

	if err := c.Subscribe("time_reference", func([]byte) {}); err != nil {
		t.Errorf("Subscribe while offline error = %v, want deferred", err)
	}
	if err := c.Subscribe("time_reference", nil); err == nil {
		t.Error("Subscribe accepted a nil handler")
	}
	if err := c.PublishRetained("atlas/atlaspi/health", map[string]string{"status": "ok"}); err == nil {
		t.Error("PublishRetained succeeded while offline")
	}
	if c.IsConnected() {
		t.Error("IsConnected = true without a broker")
	}

	c.Disconnect()
	c.Disconnect()

	if _, err := c.Advertise("atlas/raw/pH", 10); err == nil {
		t.Error("Advertise succeeded after Disconnect")
	}
}
