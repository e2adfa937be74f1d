package sinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dmecoord/internal/domain"
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// MQTTSink publishes events under <prefix>/<topic with dots as slashes>.
type MQTTSink struct {
	client mqttPublisher
	prefix string
	qos    byte
}

// NewMQTTSink connects to the broker, retrying with backoff until ctx ends.
func NewMQTTSink(ctx context.Context, o MQTTOptions) (*MQTTSink, error) {
	if o.ClientID == "" {
		o.ClientID = "dmecoord-" + uuid.NewString()[:8]
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", o.Broker, "err", err)
	}
	client := mqtt.NewClient(opts)
	if err := connectWithBackoff(ctx, client, logger, time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	logger.Info("mqtt connected", "broker", o.Broker)
	return newMQTTSinkWith(client, o.TopicPrefix, o.QoS), nil
}

func connectWithBackoff(ctx context.Context, client mqtt.Client, logger *slog.Logger, start, max time.Duration) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.Warn("mqtt connect failed", "err", token.Error(), "retry_in", backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		}
	}
}

func newMQTTSinkWith(client mqttPublisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, prefix: strings.Trim(prefix, "/"), qos: qos}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) topic(evt domain.Event) string {
	t := strings.ReplaceAll(evt.Topic, ".", "/")
	if m.prefix == "" {
		return t
	}
	return m.prefix + "/" + t
}

func (m *MQTTSink) Send(ctx context.Context, evt domain.Event) error {
	body, err := encode(evt)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic(evt), m.qos, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", evt.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("mqtt publish timed out"), ctx.Err())
	}
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
