package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds publish, subscribe and unsubscribe acks.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Status describes the retained topic the client keeps current. The broker
// publishes Offline as the Last Will if the bridge vanishes.
type Status struct {
	Topic   string
	Online  string
	Offline string
}

func (s Status) withDefaults() Status {
	if s.Online == "" {
		s.Online = PayloadOnline
	}
	if s.Offline == "" {
		s.Offline = PayloadOffline
	}
	return s
}

// buildClientOptions creates paho options from the bridge MQTT config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials
//   - Auto-reconnect bounded by the reconnect settings
//   - TLS 1.2+ when enabled
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Subscriptions are restored by the client itself after reconnect.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(config.Seconds(cfg.Reconnect.InitialDelay))
	opts.SetMaxReconnectInterval(config.Seconds(cfg.Reconnect.MaxDelay))

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT registers the offline payload as the Last Will on the status
// topic. Retained so Home Assistant sees it after its own restart.
func configureLWT(opts *pahomqtt.ClientOptions, status Status) {
	if status.Topic == "" {
		return
	}
	opts.SetWill(status.Topic, status.Offline, 1, true)
}
