// Package transport wraps a STOMP 1.1/1.2 broker connection (spec §4.1):
// connect with retry, subscribe, publish, and transparent reconnect with
// resubscription. Incoming frames from every subscription are funnelled
// through a shared events.EventBus so handler code never runs on the
// STOMP library's own reader goroutine (spec §9's "Global STOMP listener
// callback" design note); control-queue frames take the bus's priority
// lane so they are never dropped under load.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/resilience"
)

// Config holds the broker connection parameters, sourced from environment
// per spec §6 (ACTIVEMQ_HOST, ACTIVEMQ_PORT, …).
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	UseSSL     bool
	CACertPath string
}

// ConfigFromEnv builds a Config from the environment variables named in
// spec §6, defaulting ACTIVEMQ_PORT to 61612.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     os.Getenv("ACTIVEMQ_HOST"),
		Port:     61612,
		User:     os.Getenv("ACTIVEMQ_USER"),
		Password: os.Getenv("ACTIVEMQ_PASSWORD"),
		UseSSL:   os.Getenv("ACTIVEMQ_USE_SSL") == "true" || os.Getenv("ACTIVEMQ_USE_SSL") == "1",
	}
	cfg.CACertPath = os.Getenv("ACTIVEMQ_SSL_CA_CERTS")
	return cfg
}

// Message is one frame delivered off a subscription.
type Message struct {
	Destination string
	Body        []byte
}

// Client is a reconnecting STOMP session. All Send calls serialize through
// connMu; all subscriptions funnel into a single messages channel.
type Client struct {
	cfg    Config
	retry  *resilience.RetryPolicy
	logger *logging.Logger

	connMu sync.Mutex
	conn   *stomp.Conn

	subsMu sync.Mutex
	subs   map[string]*stomp.Subscription

	bus       *events.EventBus
	connected chan struct{} // closed and replaced on each reconnect
	done      chan struct{}
}

// Dial connects to the broker, retrying per spec §4.1 (3 attempts, 5s
// backoff) before returning a fatal TransportConnectError.
func Dial(ctx context.Context, cfg Config, logger *logging.Logger) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		retry:     resilience.BrokerReconnectPolicy(),
		logger:    logger,
		subs:      make(map[string]*stomp.Subscription),
		bus:       events.New(256),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		conn, dialErr := dial(c.cfg)
		if dialErr != nil {
			return dialErr
		}
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		return nil
	})
	if err != nil {
		return core.ErrTransportConnect(fmt.Sprintf("connect to %s:%d: %v", c.cfg.Host, c.cfg.Port, err)).WithCause(err)
	}
	return nil
}

func dial(cfg Config) (*stomp.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(cfg.User, cfg.Password),
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
		stomp.ConnOpt.AcceptVersion(stomp.V11),
	}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.Host != "localhost" && cfg.Host != "127.0.0.1" && cfg.CACertPath != "" {
			pool := x509.NewCertPool()
			pem, err := os.ReadFile(cfg.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("reading CA cert: %w", err)
			}
			pool.AppendCertsFromPEM(pem)
			tlsConfig.RootCAs = pool
		} else {
			tlsConfig.InsecureSkipVerify = true
		}

		rawConn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return stomp.Connect(rawConn, opts...)
	}

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return stomp.Connect(rawConn, opts...)
}

// Subscribe registers a destination and starts forwarding its frames onto
// the shared Messages channel. Ack mode is always auto per spec §4.1.
func (c *Client) Subscribe(destination string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return core.ErrTransportConnect(fmt.Sprintf("subscribe %s: %v", destination, err)).WithCause(err)
	}

	c.subsMu.Lock()
	c.subs[destination] = sub
	c.subsMu.Unlock()

	go c.forward(destination, sub)
	return nil
}

func (c *Client) forward(destination string, sub *stomp.Subscription) {
	for msg := range sub.C {
		if msg.Err != nil {
			c.logger.Debug("subscription error, triggering reconnect", "destination", destination, "error", msg.Err)
			c.reconnect()
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		var envelope core.MessageEnvelope
		_ = json.Unmarshal(msg.Body, &envelope)
		ev := events.NewMessageEvent(destination, envelope.MsgType, envelope.Namespace, msg.Body)

		if isControlDestination(destination) {
			c.bus.PublishPriority(ev)
		} else {
			c.bus.Publish(ev)
		}
	}
	// Channel closed: connection dropped from under this subscription.
	c.reconnect()
}

// isControlDestination reports whether destination is a control queue
// (/queue/workflow_control, /queue/agent_control.<user>) whose commands
// must reach the dispatch loop even under load, per spec §9.
func isControlDestination(destination string) bool {
	return strings.Contains(destination, "_control")
}

func (c *Client) reconnect() {
	c.connMu.Lock()
	destinations := make([]string, 0, len(c.subs))
	c.subsMu.Lock()
	for d := range c.subs {
		destinations = append(destinations, d)
	}
	c.subsMu.Unlock()
	c.connMu.Unlock()

	ctx := context.Background()
	if err := c.connect(ctx); err != nil {
		c.logger.Error("broker reconnect exhausted, agent must exit", "error", err)
		return
	}

	for _, d := range destinations {
		if err := c.Subscribe(d); err != nil {
			c.logger.Error("resubscribe after reconnect failed", "destination", d, "error", err)
		}
	}
}

// Send publishes body to destination with the given STOMP headers. Per
// spec §4.1, slice messages carry persistent=true/ttl=43200000 while
// lifecycle broadcasts carry persistent=false. Publish failures are
// logged and never propagated to workflow logic (TransportPublishError,
// best-effort).
func (c *Client) Send(destination string, body []byte, headers map[string]string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	opts := make([]func(*frame.Frame) error, 0, len(headers)+1)
	opts = append(opts, stomp.SendOpt.Header("vo", "eic"))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}

	if err := conn.Send(destination, "application/json", body, opts...); err != nil {
		return core.ErrTransportPublish(fmt.Sprintf("send to %s: %v", destination, err)).WithCause(err)
	}
	return nil
}

// Bus returns the event bus every subscription publishes onto. Control
// destinations publish on the priority lane (SubscribePriority, never
// dropped); everything else uses the regular ring-buffer lane.
func (c *Client) Bus() *events.EventBus {
	return c.bus
}

// Close disconnects the broker session.
func (c *Client) Close() error {
	close(c.done)
	c.bus.Close()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Disconnect()
}
