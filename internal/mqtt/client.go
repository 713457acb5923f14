package mqtt

import (
	"crypto/tls"
	"errors"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// MessageHandler receives messages for a subscribed topic filter.
type MessageHandler func(topic string, payload []byte)

// Client is the broker connection the publisher needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(filter string, qos byte, handler MessageHandler) error
	Disconnect()
}

// Dialer opens a broker connection. onConnect runs after every successful
// connect, including reconnects, so subscriptions and retained state can be
// restored.
type Dialer func(cfg Config, onConnect func(Client), logger *zap.Logger) (Client, error)

// DialPaho connects with the Eclipse Paho client. A failed first attempt is
// logged and retried in the background.
func DialPaho(cfg Config, onConnect func(Client), logger *zap.Logger) (Client, error) {
	c := &pahoClient{timeout: cfg.Timeout}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(cfg.Timeout).
		SetOrderMatters(false).
		SetWill(cfg.availabilityTopic(), payloadOffline, cfg.QoS, true).
		SetOnConnectHandler(func(pahomqtt.Client) { onConnect(c) }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password) //nolint:gosec // G101: config field
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()

	switch {
	case !token.WaitTimeout(cfg.Timeout):
		logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		logger.Info("mqtt connected to broker",
			zap.String("broker_url", cfg.BrokerURL),
		)
	}
	return c, nil
}

type pahoClient struct {
	client  pahomqtt.Client
	timeout time.Duration
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return c.wait(c.client.Publish(topic, qos, retained, payload))
}

func (c *pahoClient) Subscribe(filter string, qos byte, handler MessageHandler) error {
	return c.wait(c.client.Subscribe(filter, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}))
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

func (c *pahoClient) wait(t pahomqtt.Token) error {
	if !t.WaitTimeout(c.timeout) {
		return ErrTimeout
	}
	return t.Error()
}
