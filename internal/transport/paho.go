package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoDialer opens connections with paho.mqtt.golang. paho's own
// auto-reconnect is disabled; the Manager decides when to redial.
type PahoDialer struct {
	Broker    string
	KeepAlive time.Duration
	TLSCACert string
	ALPN      []string
}

// Dial connects and waits for CONNACK or ctx expiry.
func (d PahoDialer) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	clientOpts, err := d.clientOptions(opts)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connecting to MQTT broker %q: %w", d.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %q: %w", d.Broker, ctx.Err())
	}
	return &pahoConn{client: client}, nil
}

func (d PahoDialer) clientOptions(opts DialOptions) (*mqtt.ClientOptions, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(d.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	if d.KeepAlive > 0 {
		co.SetKeepAlive(d.KeepAlive)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(false)
	co.SetConnectRetry(false)
	co.SetOrderMatters(true)
	if opts.OnLost != nil {
		onLost := opts.OnLost
		co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	}

	if d.TLSCACert != "" || len(d.ALPN) > 0 || isTLSBroker(d.Broker) {
		tlsCfg, err := newTLSConfig(d.TLSCACert, d.ALPN)
		if err != nil {
			return nil, fmt.Errorf("loading TLS config: %w", err)
		}
		co.SetTLSConfig(tlsCfg)
	}
	return co, nil
}

func isTLSBroker(broker string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://", "wss://"} {
		if strings.HasPrefix(broker, scheme) {
			return true
		}
	}
	return false
}

// newTLSConfig builds a *tls.Config that trusts caFile as an additional CA
// (when set) and advertises the given ALPN protocols.
func newTLSConfig(caFile string, alpn []string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: alpn}
	if caFile == "" {
		return cfg, nil
	}
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert from %q", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// pahoConn adapts a connected paho client to Conn.
type pahoConn struct {
	client mqtt.Client
}

func (c *pahoConn) Publish(topic string, qos byte, payload []byte) Token {
	return c.client.Publish(topic, qos, false, payload)
}

func (c *pahoConn) Subscribe(filters map[string]byte, handler Handler) Token {
	tok := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		return subackToken{SubscribeToken: st}
	}
	return tok
}

func (c *pahoConn) Unsubscribe(topics ...string) Token {
	return c.client.Unsubscribe(topics...)
}

func (c *pahoConn) Close() {
	c.client.Disconnect(250)
}

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// subackToken turns per-filter SUBACK rejections into an error; paho only
// reports transport failures through Error().
type subackToken struct {
	*mqtt.SubscribeToken
}

func (t subackToken) Error() error {
	if err := t.SubscribeToken.Error(); err != nil {
		return err
	}
	var rejected []string
	for topic, code := range t.Result() {
		if code == subackFailure {
			rejected = append(rejected, topic)
		}
	}
	if len(rejected) > 0 {
		return fmt.Errorf("broker rejected %s", strings.Join(rejected, ", "))
	}
	return nil
}
