package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/evjund/capguard/core/model"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func withMockClient(t *testing.T) *mockClient {
	t.Helper()
	mc := &mockClient{}
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
	return mc
}

func TestSubscribesOnConnect(t *testing.T) {
	mc := withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883", QoS: 1})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()
	if len(mc.subscribed) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(mc.subscribed))
	}
	if mc.subscribed[0].topic != "capguard/site/power" || mc.subscribed[0].qos != 1 {
		t.Fatalf("sample subscription wrong: %+v", mc.subscribed[0])
	}
	if mc.subscribed[1].topic != "capguard/devices/+" {
		t.Fatalf("device subscription wrong: %+v", mc.subscribed[1])
	}
}

func TestSiteSampleDecoded(t *testing.T) {
	withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	src.onSample(nil, mockMessage{p: []byte(`{"total_power_w":4200,"controlled_power_w":1800,"at_ms":` + timestampMs(at) + `}`)})

	select {
	case s := <-src.Samples():
		if s.TotalPowerW != 4200 || s.ControlledPowerW != 1800 {
			t.Fatalf("unexpected sample: %+v", s)
		}
		if !s.At.Equal(at) {
			t.Fatalf("timestamp not preserved: %v", s.At)
		}
	default:
		t.Fatalf("no sample delivered")
	}
}

func TestMalformedSampleDropped(t *testing.T) {
	withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	src.onSample(nil, mockMessage{p: []byte(`not json`)})
	select {
	case s := <-src.Samples():
		t.Fatalf("unexpected sample: %+v", s)
	default:
	}
}

func TestDeviceReadingDecoded(t *testing.T) {
	withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	src.onDevice(nil, mockMessage{
		topic: "capguard/devices/heater-1",
		p:     []byte(`{"power_w":900,"meter_kwh":12.5,"load_w":1500}`),
	})

	select {
	case dr := <-src.DeviceReadings():
		if dr.DeviceID != "heater-1" {
			t.Fatalf("device id: %q", dr.DeviceID)
		}
		if !dr.Profile.HasPowerCapability || dr.Profile.NameplateLoadW != 1500 {
			t.Fatalf("profile: %+v", dr.Profile)
		}
		if len(dr.Readings) != 2 {
			t.Fatalf("expected 2 readings, got %d", len(dr.Readings))
		}
		if dr.Readings[0].Kind != model.KindInstant || dr.Readings[0].Value != 900 {
			t.Fatalf("instant reading: %+v", dr.Readings[0])
		}
		if dr.Readings[1].Kind != model.KindCumulativeMeter || dr.Readings[1].Value != 12.5 {
			t.Fatalf("meter reading: %+v", dr.Readings[1])
		}
	default:
		t.Fatalf("no reading delivered")
	}
}

func TestPlatformOnlyDeviceNotPowerCapable(t *testing.T) {
	withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	src.onDevice(nil, mockMessage{
		topic: "capguard/devices/panel-2",
		p:     []byte(`{"platform_w":250}`),
	})

	select {
	case dr := <-src.DeviceReadings():
		if dr.Profile.HasPowerCapability {
			t.Fatalf("platform report must not imply power capability")
		}
		if len(dr.Readings) != 1 || dr.Readings[0].Kind != model.KindPlatformReport {
			t.Fatalf("readings: %+v", dr.Readings)
		}
	default:
		t.Fatalf("no reading delivered")
	}
}

func TestRequestRebuildPublishes(t *testing.T) {
	mc := withMockClient(t)
	src, err := NewPahoSource(Config{Broker: "tcp://localhost:1883", QoS: 1})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	if err := src.RequestRebuild(context.Background(), "power_delta"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(mc.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(mc.published))
	}
	if mc.published[0].topic != "capguard/plan/rebuild" || mc.published[0].qos != 1 {
		t.Fatalf("publish wrong: %+v", mc.published[0])
	}
	var req struct {
		RequestID string `json:"request_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(mc.published[0].payload, &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.Reason != "power_delta" || req.RequestID == "" {
		t.Fatalf("request payload: %+v", req)
	}
}

func timestampMs(t time.Time) string {
	b, _ := json.Marshal(t.UnixMilli())
	return string(b)
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	published []struct {
		topic   string
		qos     byte
		payload []byte
	}
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	b, _ := payload.([]byte)
	m.published = append(m.published, struct {
		topic   string
		qos     byte
		payload []byte
	}{topic, qos, b})
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
