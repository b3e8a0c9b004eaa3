package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTT carries the bus over an MQTT broker. Subject dots become topic levels.
type MQTT struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	client mqtt.Client
}

func NewMQTT(cfg Config, log *zap.Logger) *MQTT {
	if cfg.MQTTQoS > 2 {
		cfg.MQTTQoS = 1
	}
	return &MQTT{cfg: cfg, log: log}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Connect(ctx context.Context) error {
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "htpi-gateway-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.URL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout(ctx, m.cfg.ConnectTimeout))
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.log.Info("Connected to MQTT broker", zap.String("broker", m.cfg.URL))
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("MQTT connect error: %w", err)
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTT) conn() (mqtt.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *MQTT) Publish(ctx context.Context, subject string, data []byte) error {
	c, err := m.conn()
	if err != nil {
		return err
	}
	return wait(ctx, c.Publish(MQTTTopic(subject), m.cfg.MQTTQoS, false, data))
}

type mqttSubscription struct {
	client mqtt.Client
	filter string
}

func (s *mqttSubscription) Unsubscribe() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wait(ctx, s.client.Unsubscribe(s.filter))
}

func (m *MQTT) Subscribe(pattern string, h Handler) (Subscription, error) {
	c, err := m.conn()
	if err != nil {
		return nil, err
	}
	filter := MQTTFilter(pattern)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := c.Subscribe(filter, m.cfg.MQTTQoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Subject: SubjectFromMQTT(msg.Topic()), Data: msg.Payload()})
	})
	if err := wait(ctx, token); err != nil {
		return nil, fmt.Errorf("MQTT subscribe %s: %w", filter, err)
	}
	return &mqttSubscription{client: c, filter: filter}, nil
}

func (m *MQTT) Healthy() error {
	c, err := m.conn()
	if err != nil {
		return err
	}
	if !c.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c != nil {
		c.Disconnect(250)
	}
	return nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
