package acquire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"

	"github.com/openbem/bem-engine/internal/store"
)

var errNotConnected = errors.New("mqtt client not connected")

// v5Conn drives MQTT 5 brokers. The underlying client is single-use, so a
// lost connection is recovered by dialing a fresh transport and client;
// the router and its registrations survive across dials.
type v5Conn struct {
	opts   connOptions
	router *paho.StandardRouter

	mu        sync.Mutex
	client    *paho.Client
	connected atomic.Bool
	closing   atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newV5Conn(o connOptions) (*v5Conn, error) {
	c := &v5Conn{
		opts:   o,
		router: paho.NewStandardRouter(),
		stop:   make(chan struct{}),
	}
	for _, r := range o.routes {
		handler := r.handler
		c.router.RegisterHandler(r.filter, func(p *paho.Publish) {
			handler(Message{Topic: p.Topic, Payload: p.Payload, Retained: p.Retain})
		})
	}
	return c, nil
}

func (c *v5Conn) Connect(ctx context.Context) (bool, error) {
	return c.dial(ctx)
}

func (c *v5Conn) dial(ctx context.Context) (bool, error) {
	netConn, err := dialTransport(ctx, c.opts.broker, c.opts.certFile)
	if err != nil {
		return false, err
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:   netConn,
		Router: c.router,
		OnClientError: func(err error) {
			c.lost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.lost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	connect := &paho.Connect{
		ClientID:   c.opts.clientID,
		KeepAlive:  uint16(c.opts.keepAlive / time.Second),
		CleanStart: c.opts.cleanSession,
	}
	if !c.opts.cleanSession {
		expiry := c.opts.sessionExpiry
		connect.Properties = &paho.ConnectProperties{SessionExpiryInterval: &expiry}
	}
	if c.opts.username != "" {
		connect.Username = c.opts.username
		connect.UsernameFlag = true
	}
	if c.opts.password != "" {
		connect.Password = []byte(c.opts.password)
		connect.PasswordFlag = true
	}

	connack, err := client.Connect(ctx, connect)
	if err != nil {
		netConn.Close()
		return false, err
	}
	if connack.ReasonCode != 0 {
		netConn.Close()
		return false, fmt.Errorf("connect refused, reason code %d", connack.ReasonCode)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.connected.Store(true)
	return connack.SessionPresent, nil
}

func (c *v5Conn) Subscribe(ctx context.Context, filter string, qos byte) error {
	client := c.current()
	if client == nil || !c.connected.Load() {
		return errNotConnected
	}
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: map[string]paho.SubscribeOptions{
			filter: {QoS: qos},
		},
	})
	return err
}

func (c *v5Conn) Unsubscribe(ctx context.Context, filter string) error {
	client := c.current()
	if client == nil || !c.connected.Load() {
		return errNotConnected
	}
	_, err := client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *v5Conn) Disconnect(_ context.Context) error {
	c.closing.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })

	var err error
	if client := c.current(); client != nil && c.connected.Load() {
		err = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	c.connected.Store(false)
	c.wg.Wait()
	return err
}

func (c *v5Conn) Connected() bool {
	return c.connected.Load()
}

func (c *v5Conn) current() *paho.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// lost handles a dropped connection. OnClientError and OnServerDisconnect
// can both fire for the same drop; the connected swap dedupes them.
func (c *v5Conn) lost(err error) {
	if !c.connected.Swap(false) {
		return
	}
	if c.closing.Load() {
		return
	}
	if c.opts.onLost != nil {
		c.opts.onLost(err)
	}
	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *v5Conn) reconnectLoop() {
	defer c.wg.Done()
	delay := time.Second
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectWait)
		_, err := c.dial(ctx)
		cancel()
		if err == nil {
			if c.opts.onReconnect != nil {
				c.opts.onReconnect()
			}
			return
		}

		c.opts.log.Warn().Err(err).Dur("retry_in", delay).Msg("mqtt reconnect failed")
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// dialTransport opens the raw transport an MQTT 5 client runs over.
func dialTransport(ctx context.Context, b store.Broker, certFile string) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", b.Host, b.Port)

	if b.Transport == "websockets" {
		return dialWebsocket(ctx, b, certFile)
	}
	if b.UseTLS {
		tlsCfg, err := tlsConfig(b, certFile)
		if err != nil {
			return nil, err
		}
		dialer := &tls.Dialer{Config: tlsCfg}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr)
}

func dialWebsocket(ctx context.Context, b store.Broker, certFile string) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"mqtt"},
	}
	scheme := "ws"
	if b.UseTLS {
		scheme = "wss"
		tlsCfg, err := tlsConfig(b, certFile)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	url := fmt.Sprintf("%s://%s:%d/mqtt", scheme, b.Host, b.Port)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a websocket connection to net.Conn. MQTT over websockets
// carries the protocol stream in binary frames; frame boundaries need not
// align with MQTT packets, so reads drain frames as a byte stream.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error         { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
