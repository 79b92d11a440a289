// Package mqtt connects the controller to the household telemetry bus: it
// subscribes to the site sample and per-device topics and publishes
// shed-plan rebuild requests for the external planner.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UseTLS     bool   `json:"use_tls"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	CABundle   string `json:"ca_bundle"`
	// SampleTopic carries site-level power samples.
	SampleTopic string `json:"sample_topic"`
	// DeviceTopicPrefix is subscribed as <prefix>/+ for per-device readings.
	DeviceTopicPrefix string `json:"device_topic_prefix"`
	// RebuildTopic is where plan rebuild requests are published.
	RebuildTopic string `json:"rebuild_topic"`
	QoS          byte   `json:"qos"`

	TLSConfig *tls.Config `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "capguard"
	}
	if c.SampleTopic == "" {
		c.SampleTopic = "capguard/site/power"
	}
	if c.DeviceTopicPrefix == "" {
		c.DeviceTopicPrefix = "capguard/devices"
	}
	if c.RebuildTopic == "" {
		c.RebuildTopic = "capguard/plan/rebuild"
	}
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// PahoSource implements telemetry.Source and telemetry.RebuildRequester
// over Eclipse Paho.
type PahoSource struct {
	cli      pahoClient
	cfg      Config
	log      logger.Logger
	samples  chan model.PowerSample
	readings chan model.DeviceReadings
}

// NewPahoSource connects to the broker and subscribes to the sample and
// device topics.
func NewPahoSource(cfg Config) (*PahoSource, error) {
	cfg.SetDefaults()
	log := logger.New("mqtt-source")
	s := &PahoSource{
		cfg:      cfg,
		log:      log,
		samples:  make(chan model.PowerSample, 16),
		readings: make(chan model.DeviceReadings, 16),
	}

	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(cfg.SampleTopic, cfg.QoS, s.onSample); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", cfg.SampleTopic, token.Error())
		}
		deviceTopic := cfg.DeviceTopicPrefix + "/+"
		if token := c.Subscribe(deviceTopic, cfg.QoS, s.onDevice); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", deviceTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	s.cli = c
	return s, nil
}

// Start blocks until the context is canceled; delivery is callback-driven.
func (s *PahoSource) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Samples is the site-level sample stream.
func (s *PahoSource) Samples() <-chan model.PowerSample { return s.samples }

// DeviceReadings is the per-device raw channel stream.
func (s *PahoSource) DeviceReadings() <-chan model.DeviceReadings { return s.readings }

// Close disconnects from the broker and closes the streams.
func (s *PahoSource) Close() error {
	if s.cli != nil && s.cli.IsConnected() {
		s.cli.Disconnect(250)
	}
	close(s.samples)
	close(s.readings)
	return nil
}

// sitePayload is the wire shape of a site-level sample.
type sitePayload struct {
	TotalPowerW      float64 `json:"total_power_w"`
	ControlledPowerW float64 `json:"controlled_power_w"`
	AtMs             int64   `json:"at_ms"`
}

func (s *PahoSource) onSample(_ paho.Client, msg paho.Message) {
	var p sitePayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		s.log.Errorf("failed to decode sample: %v", err)
		return
	}
	at := time.Now()
	if p.AtMs > 0 {
		at = time.UnixMilli(p.AtMs)
	}
	sample := model.PowerSample{
		TotalPowerW:      p.TotalPowerW,
		ControlledPowerW: p.ControlledPowerW,
		At:               at,
	}
	select {
	case s.samples <- sample:
	default:
		s.log.Warnf("sample channel full, dropping")
	}
}

// devicePayload is the wire shape of a per-device reading. Absent channels
// stay nil.
type devicePayload struct {
	PowerW    *float64 `json:"power_w"`
	MeterKWh  *float64 `json:"meter_kwh"`
	PlatformW *float64 `json:"platform_w"`
	LoadW     float64  `json:"load_w"`
	TempC     *float64 `json:"temp_c"`
	AtMs      int64    `json:"at_ms"`
}

func (s *PahoSource) onDevice(_ paho.Client, msg paho.Message) {
	var p devicePayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		s.log.Errorf("failed to decode device reading: %v", err)
		return
	}
	id := msg.Topic()
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	at := time.Now()
	if p.AtMs > 0 {
		at = time.UnixMilli(p.AtMs)
	}

	dr := model.DeviceReadings{
		DeviceID: id,
		Profile:  model.DeviceProfile{NameplateLoadW: p.LoadW},
		TempC:    p.TempC,
	}
	if p.PowerW != nil {
		dr.Profile.HasPowerCapability = true
		dr.Readings = append(dr.Readings, model.Reading{Kind: model.KindInstant, Value: *p.PowerW, At: at})
	}
	if p.MeterKWh != nil {
		dr.Profile.HasPowerCapability = true
		dr.Readings = append(dr.Readings, model.Reading{Kind: model.KindCumulativeMeter, Value: *p.MeterKWh, At: at})
	}
	if p.PlatformW != nil {
		dr.Readings = append(dr.Readings, model.Reading{Kind: model.KindPlatformReport, Value: *p.PlatformW, At: at})
	}
	select {
	case s.readings <- dr:
	default:
		s.log.Warnf("device reading channel full, dropping")
	}
}

// RequestRebuild publishes a rebuild request for the external planner.
func (s *PahoSource) RequestRebuild(ctx context.Context, reason string) error {
	req := struct {
		RequestID string `json:"request_id"`
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}{
		RequestID: uuid.NewString(),
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	token := s.cli.Publish(s.cfg.RebuildTopic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}
