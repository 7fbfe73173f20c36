// Package publish forwards live device state to an MQTT broker.
package publish

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Client wraps a paho MQTT client.
type Client struct {
	client mqtt.Client
	logger *logrus.Logger
}

// brokerURL maps mqtt/mqtts URLs onto paho's tcp/ssl schemes.
func brokerURL(u *url.URL, raw string, opts *mqtt.ClientOptions) (string, error) {
	switch u.Scheme {
	case "ws", "tcp":
		return raw, nil
	case "wss", "ssl":
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
		return raw, nil
	case "mqtt":
		return strings.Replace(raw, "mqtt://", "tcp://", 1), nil
	case "mqtts":
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
		return strings.Replace(raw, "mqtts://", "ssl://", 1), nil
	default:
		return "", fmt.Errorf("unsupported protocol scheme: %s (supported: mqtt, mqtts, tcp, ssl, ws, wss)", u.Scheme)
	}
}

// NewClient connects to the broker at mqttURL. Credentials may be carried
// in the URL's user info.
func NewClient(mqttURL, clientID string, logger *logrus.Logger) (*Client, error) {
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	opts := mqtt.NewClientOptions()
	broker, err := brokerURL(parsedURL, mqttURL, opts)
	if err != nil {
		return nil, err
	}
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)

	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		opts.SetUsername(parsedURL.User.Username())
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Debug("MQTT connected")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"client_id": clientID,
	}).Info("MQTT client connected")

	return &Client{client: client, logger: logger}, nil
}

// Publish sends payload at QoS 1 and waits up to five seconds for the
// broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	const pubTimeout = 5 * time.Second
	if !token.WaitTimeout(pubTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, pubTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Disconnect waits up to quiesce milliseconds for pending work and closes
// the connection.
func (c *Client) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
