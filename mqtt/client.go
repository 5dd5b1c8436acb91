package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/envnode-ingest/config"
)

const (
	defaultOperationTimeout = 5 * time.Second
	disconnectQuiesceMs     = 250
)

// Transport is one broker client. Connect may be called again after the
// session is lost. Session events are reported through the Events the
// transport was created with.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte) error
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

// Events are the session callbacks a Transport reports to.
type Events struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
}

// Dialer creates a Transport for cfg. It must not connect.
type Dialer func(cfg config.MQTTConfig, events Events) Transport

type pahoTransport struct {
	client paho.Client
}

// NewPahoTransport is the production Dialer.
func NewPahoTransport(cfg config.MQTTConfig, events Events) Transport {
	return &pahoTransport{client: paho.NewClient(buildClientOptions(cfg, events))}
}

func buildClientOptions(cfg config.MQTTConfig, events Events) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(time.Duration(cfg.KeepAliveSec) * time.Second)
	if cfg.ConnectTimeoutMs > 0 {
		opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond)
	}

	// Connection owns reconnection and resubscription.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)

	// one ordered delivery stream
	opts.SetOrderMatters(true)

	if strings.HasPrefix(cfg.BrokerURL(), "ssl://") || strings.HasPrefix(cfg.BrokerURL(), "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		events.OnMessage(msg.Topic(), msg.Payload())
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		events.OnConnect()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		events.OnConnectionLost(err)
	})

	return opts
}

// Connect blocks until the broker acknowledges the session, the transport
// gives up, or ctx is done.
func (p *pahoTransport) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe subscribes to topic; messages go to Events.OnMessage.
func (p *pahoTransport) Subscribe(topic string, qos byte) error {
	token := p.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	return token.Error()
}

// Publish sends payload to topic.
func (p *pahoTransport) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// Disconnect closes the session and returns once paho has shut down.
func (p *pahoTransport) Disconnect() {
	p.client.Disconnect(disconnectQuiesceMs)
}
