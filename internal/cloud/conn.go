package cloud

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const opTimeout = 10 * time.Second

// MessageHandler receives one inbound publication. Alias, so a Conn also
// satisfies the provisioning client's connection interface.
type MessageHandler = func(topic string, payload []byte)

// Conn is the slice of an MQTT client the session engine needs. The
// production implementation wraps paho; tests substitute a fake.
type Conn interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	IsConnected() bool
	Disconnect()
}

// ConnConfig describes one mutual-TLS broker connection.
type ConnConfig struct {
	Broker   string // e.g. ssl://xxxx.iot.region.amazonaws.com:8883
	ClientID string
	RootCA   string
	CertFile string
	KeyFile  string
	OnLost   func(error)
}

// pahoConn wraps a paho client and replays subscriptions after reconnect.
type pahoConn struct {
	client pahomqtt.Client

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// Dial connects to the broker with the given credentials. The connection
// auto-reconnects; registered subscriptions are replayed on reconnect.
func Dial(cfg ConnConfig) (Conn, error) {
	tlsCfg, err := newTLSConfig(cfg.RootCA, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	c := &pahoConn{subs: make(map[string]MessageHandler)}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetTLSConfig(tlsCfg).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			if cfg.OnLost != nil {
				cfg.OnLost(err)
			}
		})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(opTimeout) {
		return nil, fmt.Errorf("cloud: connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("cloud: connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *pahoConn) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("cloud: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cloud: publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("cloud: subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cloud: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) IsConnected() bool { return c.client.IsConnectionOpen() }

func (c *pahoConn) Disconnect() { c.client.Disconnect(1000) }

func (c *pahoConn) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		h := handler
		c.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			h(msg.Topic(), msg.Payload())
		})
	}
}

func newTLSConfig(rootCA, certFile, keyFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(rootCA)
	if err != nil {
		return nil, fmt.Errorf("cloud: read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("cloud: no certificates in %s", rootCA)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("cloud: load keypair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
