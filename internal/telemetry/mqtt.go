// Package telemetry publishes connection events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/util"
)

// ErrDisabled is returned when MQTT is turned off in the config.
var ErrDisabled = errors.New("MQTT telemetry is disabled")

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus     = "server/status"
	TopicSessions   = "server/sessions"
	TopicDenials    = "server/denials"
	TopicCongestion = "server/congestion"
	TopicHealth     = "server/health"
)

// Sink delivers encoded telemetry.
type Sink interface {
	Publish(topic string, payload []byte) error
	Connected() bool
}

// Publisher turns bus events into JSON telemetry messages.
type Publisher struct {
	prefix   string
	sink     Sink
	metadata map[string]interface{}
	now      func() time.Time
}

// NewPublisher creates a publisher writing to sink.
func NewPublisher(prefix string, sink Sink, metadata map[string]interface{}) *Publisher {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &Publisher{
		prefix:   prefix,
		sink:     sink,
		metadata: metadata,
		now:      time.Now,
	}
}

// Subscribe registers the publisher's handlers on bus.
func (p *Publisher) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventServerStarted, "mqtt.serverStarted", p.onServerStarted)
	bus.Subscribe(events.EventClientConnected, "mqtt.clientConnected", p.onClientConnected)
	bus.Subscribe(events.EventClientDisconnected, "mqtt.clientDisconnected", p.onClientDisconnected)
	bus.Subscribe(events.EventConnectionDenied, "mqtt.connectionDenied", p.onConnectionDenied)
	bus.Subscribe(events.EventCongestionChanged, "mqtt.congestionChanged", p.onCongestionChanged)
	bus.Subscribe(events.EventHealthChanged, "mqtt.healthChanged", p.onHealthChanged)
	bus.Subscribe(events.EventShutdown, "mqtt.shutdown", p.onShutdown)
}

func (p *Publisher) topic(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "/" + suffix
}

// publish sends payload merged with the host metadata.
func (p *Publisher) publish(suffix string, payload map[string]interface{}) error {
	if !p.sink.Connected() {
		return nil
	}

	msg := make(map[string]interface{}, len(p.metadata)+2)
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = p.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry for %s: %w", suffix, err)
	}
	topic := p.topic(suffix)
	if err := p.sink.Publish(topic, data); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		return err
	}
	return nil
}

func (p *Publisher) onServerStarted(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.ServerStartedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicStatus, map[string]interface{}{
		"event":       "started",
		"address":     ev.Address.String(),
		"max_clients": ev.MaxClients,
	})
}

func (p *Publisher) onClientConnected(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.ClientConnectedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicSessions, map[string]interface{}{
		"event":      "connected",
		"index":      int(ev.Index),
		"address":    ev.Address.String(),
		"session_id": ev.SessionID,
	})
}

func (p *Publisher) onClientDisconnected(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.ClientDisconnectedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicSessions, map[string]interface{}{
		"event":        "disconnected",
		"index":        int(ev.Index),
		"address":      ev.Address.String(),
		"session_id":   ev.SessionID,
		"reason":       ev.Reason.String(),
		"duration_sec": ev.Duration.Seconds(),
		"lost":         ev.Stats.Lost,
		"rtt_ms":       float64(ev.Stats.AverageRoundTrip) / float64(time.Millisecond),
	})
}

func (p *Publisher) onConnectionDenied(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.ConnectionDeniedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicDenials, map[string]interface{}{
		"address": ev.Address.String(),
		"reason":  ev.Reason,
	})
}

func (p *Publisher) onCongestionChanged(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.CongestionChangedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicCongestion, map[string]interface{}{
		"index":     int(ev.Index),
		"address":   ev.Address.String(),
		"congested": ev.Congested,
		"rtt_ms":    float64(ev.RoundTrip) / float64(time.Millisecond),
	})
}

func (p *Publisher) onHealthChanged(_ context.Context, e events.Event) error {
	ev, ok := e.Payload.(events.HealthChangedPayload)
	if !ok {
		return nil
	}
	return p.publish(TopicHealth, map[string]interface{}{
		"status":   ev.Status,
		"previous": ev.Previous,
		"failing":  ev.Failing,
	})
}

func (p *Publisher) onShutdown(_ context.Context, _ events.Event) error {
	return p.publish(TopicStatus, map[string]interface{}{"event": "shutdown"})
}

// mqttSink publishes through a paho client at QoS 1.
type mqttSink struct {
	client  mqtt.Client
	timeout time.Duration
}

func (s *mqttSink) Connected() bool {
	return s.client.IsConnected()
}

func (s *mqttSink) Publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// MQTTHandler owns the broker connection and the publisher that feeds it.
type MQTTHandler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	publisher *Publisher
}

// NewMQTTHandler builds a paho client from cfg. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"platform":  sysInfo.Platform,
		"cpu_model": sysInfo.CPUModel,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "kgnet-" + sysInfo.Hostname
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	return &MQTTHandler{
		cfg:       cfg,
		client:    client,
		publisher: NewPublisher(cfg.TopicPrefix, &mqttSink{client: client, timeout: 5 * time.Second}, metadata),
	}, nil
}

// BrokerURL returns the paho broker URL for cfg.
func BrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to bus and blocks until ctx is
// cancelled.
func (h *MQTTHandler) Start(ctx context.Context, bus *events.EventBus) error {
	log.Info().
		Str("broker", BrokerURL(h.cfg)).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.publisher.Subscribe(bus)

	<-ctx.Done()

	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}
