package stages

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/reimburse-agent/internal/config"
)

// MQTTPublisher publishes every checkpoint as a retained message on
// "{prefix}/files/{file_id}/stage", so a subscriber joining late still
// sees the latest stage of each file.
type MQTTPublisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// NewMQTTPublisher creates a publisher but does not connect. Call
// [MQTTPublisher.Start] before recording.
func NewMQTTPublisher(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	return &MQTTPublisher{cfg: cfg, clientID: clientID, logger: logger}
}

// Start connects to the broker and returns once the first connection
// is up or the wait times out. autopaho keeps reconnecting in the
// background until ctx is cancelled.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// mqtts:// and ssl:// use TLS.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *MQTTPublisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// RecordStage implements [Recorder].
func (p *MQTTPublisher) RecordStage(ctx context.Context, fileID string, stage int, details map[string]any) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	payload, err := p.payload(fileID, stage, details)
	if err != nil {
		return err
	}
	topic := p.stageTopic(fileID)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.logger.Debug("mqtt stage published", "file_id", fileID, "stage", stage, "topic", topic)
	return nil
}

func (p *MQTTPublisher) payload(fileID string, stage int, details map[string]any) ([]byte, error) {
	if _, ok := details[DetailImage]; ok {
		trimmed := make(map[string]any, len(details)-1)
		for k, v := range details {
			if k != DetailImage {
				trimmed[k] = v
			}
		}
		details = trimmed
	}
	data, err := json.Marshal(newEntry(fileID, stage, details))
	if err != nil {
		return nil, fmt.Errorf("encode stage %d for %s: %w", stage, fileID, err)
	}
	return data, nil
}

func (p *MQTTPublisher) stageTopic(fileID string) string {
	return p.cfg.TopicPrefix + "/files/" + fileID + "/stage"
}

func (p *MQTTPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *MQTTPublisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
