package mq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/config"
)

// Handler consumes fabric messages delivered on a Connection. Handlers are
// tried in registration order; the first one to return true stops the chain.
type Handler interface {
	HandleMessage(body []byte, origin *Connection) bool
}

// Connection is one broker link to a world. Consumes from its queue,
// publishes to its route key, and fans received messages out to the
// registered handlers. There is no automatic reconnect; a broken link
// takes the consume loop down and the daemon decides what to do.
type Connection struct {
	worldID  uint32
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
	routeKey string

	handlers       []Handler
	sendersWaiting atomic.Int32
	log            *zap.Logger
}

// Connect dials the broker and declares the consume queue. The queue is
// durable; when an exchange is configured the queue is bound to it under
// its own name.
func Connect(cfg config.MQConfig, worldID uint32, log *zap.Logger) (*Connection, error) {
	uri := fmt.Sprintf("amqp://%s:%s@%s:%d/%s", cfg.Username, cfg.Password, cfg.Server, cfg.Port, cfg.VHost)

	var conn *amqp.Connection
	var err error
	if cfg.UseSSL {
		uri = fmt.Sprintf("amqps://%s:%s@%s:%d/%s", cfg.Username, cfg.Password, cfg.Server, cfg.Port, cfg.VHost)
		tlsCfg, tlsErr := buildTLSConfig(cfg)
		if tlsErr != nil {
			return nil, tlsErr
		}
		conn, err = amqp.DialTLS(uri, tlsCfg)
	} else {
		conn, err = amqp.Dial(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("dial broker %s:%d: %w", cfg.Server, cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind queue %s to exchange %s: %w", cfg.Queue, cfg.Exchange, err)
		}
	}

	return &Connection{
		worldID:  worldID,
		conn:     conn,
		ch:       ch,
		queue:    cfg.Queue,
		exchange: cfg.Exchange,
		routeKey: cfg.RouteKey,
		log:      log.With(zap.Uint32("world", worldID), zap.String("queue", cfg.Queue)),
	}, nil
}

func buildTLSConfig(cfg config.MQConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.SSLVerify}
	if cfg.SSLCAFile != "" {
		pem, err := os.ReadFile(cfg.SSLCAFile)
		if err != nil {
			return nil, fmt.Errorf("read broker CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("broker CA file %s holds no certificates", cfg.SSLCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.SSLClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLClientCert, cfg.SSLClientKey)
		if err != nil {
			return nil, fmt.Errorf("load broker client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// WorldID returns the world this connection belongs to.
func (c *Connection) WorldID() uint32 {
	return c.worldID
}

// AddHandler appends a handler to the dispatch chain. Not safe to call
// once Run has started.
func (c *Connection) AddHandler(h Handler) {
	c.handlers = append(c.handlers, h)
}

// Run consumes messages until ctx is cancelled or the broker link breaks.
// While publishers are waiting the consumer backs off so sends are not
// starved by a busy queue.
func (c *Connection) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", c.queue, err)
	}
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("broker consume loop started")

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if c.sendersWaiting.Load() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("broker connection closed")
			}
			return fmt.Errorf("broker connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker delivery channel closed")
			}
			c.dispatch(d.Body)
		case <-ticker.C:
		}
	}
}

func (c *Connection) dispatch(body []byte) {
	for _, h := range c.handlers {
		if h.HandleMessage(body, c) {
			return
		}
	}
	c.log.Debug("unhandled fabric message", zap.Int("bytes", len(body)))
}

// Publish sends one message on this connection's route key.
func (c *Connection) Publish(ctx context.Context, body []byte) error {
	c.sendersWaiting.Add(1)
	defer c.sendersWaiting.Add(-1)

	err := c.ch.PublishWithContext(ctx, c.exchange, c.routeKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.routeKey, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Connection) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return c.conn.Close()
}
