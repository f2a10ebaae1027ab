// Package acquire runs the MQTT acquisition service: one session per
// enabled subscriber, each owning a broker connection, topic routing, and
// a writer goroutine that lands decoded values in the store.
package acquire

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/store"
)

const (
	connectWait       = 30 * time.Second
	disconnectWait    = 5 * time.Second
	persistWait       = 10 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Message is one delivered MQTT publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// route binds a topic filter to its message handler. Routes are installed
// before the connection is opened so that messages replayed for a present
// session are dispatched from the first packet.
type route struct {
	filter  string
	qos     byte
	handler func(Message)
}

type connOptions struct {
	broker        store.Broker
	clientID      string
	keepAlive     time.Duration
	cleanSession  bool
	sessionExpiry uint32
	username      string
	password      string
	certFile      string
	routes        []route
	onLost        func(err error)
	onReconnect   func()
	log           zerolog.Logger
}

// connection is the protocol-version-independent MQTT client surface a
// session drives.
type connection interface {
	// Connect dials the broker and reports whether the broker resumed a
	// previous session.
	Connect(ctx context.Context) (sessionPresent bool, err error)
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
	Disconnect(ctx context.Context) error
	Connected() bool
}

func newConnection(opts connOptions) (connection, error) {
	switch opts.broker.ProtocolVersion {
	case "3.1", "3.1.1":
		return newV3Conn(opts)
	case "5":
		return newV5Conn(opts)
	}
	return nil, fmt.Errorf("unsupported mqtt protocol version %q", opts.broker.ProtocolVersion)
}

// brokerURL renders the paho connection URL for a broker row.
func brokerURL(b store.Broker) string {
	scheme := "tcp"
	switch {
	case b.Transport == "websockets" && b.UseTLS:
		scheme = "wss"
	case b.Transport == "websockets":
		scheme = "ws"
	case b.UseTLS:
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// v3Conn drives MQTT 3.1 and 3.1.1 brokers. Reconnection after a lost
// connection is delegated to the paho client.
type v3Conn struct {
	client     mqtt.Client
	routes     map[string]mqtt.MessageHandler
	connected  atomic.Bool
	sawConnect atomic.Bool
	opts       connOptions
}

func newV3Conn(o connOptions) (*v3Conn, error) {
	c := &v3Conn{
		routes: make(map[string]mqtt.MessageHandler, len(o.routes)),
		opts:   o,
	}

	version := uint(4) // 3.1.1
	if o.broker.ProtocolVersion == "3.1" {
		version = 3
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(brokerURL(o.broker)).
		SetClientID(o.clientID).
		SetProtocolVersion(version).
		SetCleanSession(o.cleanSession).
		SetKeepAlive(o.keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectDelay).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if o.username != "" {
		clientOpts.SetUsername(o.username)
	}
	if o.password != "" {
		clientOpts.SetPassword(o.password)
	}
	if o.certFile != "" {
		tlsCfg, err := tlsConfig(o.broker, o.certFile)
		if err != nil {
			return nil, err
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}

	c.client = mqtt.NewClient(clientOpts)

	// A persistent session replays queued messages as soon as the broker
	// acknowledges the connection, so every handler must be routable
	// before Connect is called.
	for _, r := range o.routes {
		handler := r.handler
		wrapped := func(_ mqtt.Client, m mqtt.Message) {
			handler(Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
		}
		c.routes[r.filter] = wrapped
		c.client.AddRoute(r.filter, wrapped)
	}
	return c, nil
}

func (c *v3Conn) Connect(ctx context.Context) (bool, error) {
	token := c.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return false, err
	}
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		return ct.SessionPresent(), nil
	}
	return false, nil
}

func (c *v3Conn) Subscribe(ctx context.Context, filter string, qos byte) error {
	// Subscribing with the stored handler restores the route that paho
	// removes on unsubscribe.
	return waitToken(ctx, c.client.Subscribe(filter, qos, c.routes[filter]))
}

func (c *v3Conn) Unsubscribe(ctx context.Context, filter string) error {
	return waitToken(ctx, c.client.Unsubscribe(filter))
}

func (c *v3Conn) Disconnect(ctx context.Context) error {
	c.client.Disconnect(1000)
	deadline := time.Now().Add(disconnectWait)
	for c.client.IsConnectionOpen() {
		if time.Now().After(deadline) {
			return fmt.Errorf("mqtt client still connected after %s", disconnectWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	c.connected.Store(false)
	return nil
}

func (c *v3Conn) Connected() bool {
	return c.connected.Load()
}

func (c *v3Conn) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	if !c.sawConnect.Swap(true) {
		return // initial connect is reported through Connect
	}
	if c.opts.onReconnect != nil {
		c.opts.onReconnect()
	}
}

func (c *v3Conn) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	if c.opts.onLost != nil {
		c.opts.onLost(err)
	}
}

// waitToken bounds a paho token wait with the caller's context.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
