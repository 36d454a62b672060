package reader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 15 * time.Second

// Connector maintains one websocket session against a streaming provider.
// It reconnects with exponential backoff and stops only when its context is
// cancelled or the provider rejects authentication.
type Connector struct {
	*feed
	adapter StreamAdapter
	dialer  *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewConnector builds a connector for adapter.
func NewConnector(adapter StreamAdapter, opts Options) *Connector {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = defaultHandshakeTimeout
	return &Connector{
		feed:    newFeed(adapter.Provider(), adapter.Provider()+"_stream", opts),
		adapter: adapter,
		dialer:  &dialer,
	}
}

// Run drives the connection loop until ctx ends. It returns nil on
// cancellation, an error wrapping ErrAuthRejected after a fatal handshake,
// and ErrNoSymbols when nothing can be subscribed.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	natives, err := c.resolveNatives()
	if err != nil {
		c.log.WithError(err).Error("connector cannot start")
		return err
	}

	c.log.WithField("symbols", len(natives)).Info("starting stream connector")
	for {
		if ctx.Err() != nil {
			c.transition(StateDisconnected, 0, nil)
			return nil
		}

		subscribed, err := c.session(ctx, natives)
		if errors.Is(err, ErrAuthRejected) {
			c.log.WithError(err).Error("provider rejected credentials; connector is fatal")
			c.transition(StateFatal, 0, err)
			return err
		}
		if ctx.Err() != nil {
			c.transition(StateDisconnected, 0, nil)
			return nil
		}

		if !subscribed {
			c.recordFailure()
		}
		c.reportLimit("stream", err)
		delay := c.backoff.Next()
		c.log.WithError(err).WithField("retry_in", delay.String()).Warn("stream session ended; reconnecting")
		c.transition(StateDisconnected, delay, err)
		if c.sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one connect, handshake, subscribe, read cycle. It reports
// whether the session reached StateSubscribed.
func (c *Connector) session(ctx context.Context, natives []string) (bool, error) {
	c.transition(StateConnecting, 0, nil)

	url, header, err := c.adapter.Endpoint(natives)
	if err != nil {
		return false, fmt.Errorf("build endpoint: %w", err)
	}
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("dial %s: %w: status %d", c.provider, ErrAuthRejected, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", c.provider, err)
	}
	c.trackConn(conn)
	defer c.closeActiveConn()

	stop := context.AfterFunc(ctx, c.closeActiveConn)
	defer stop()

	c.transition(StateHandshaking, 0, nil)
	_ = conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	if err := c.adapter.Handshake(ctx, conn); err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}
	for _, sub := range c.adapter.Subscriptions(natives) {
		if err := conn.WriteJSON(sub); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.backoff.Reset()
	c.transition(StateSubscribed, 0, nil)
	c.log.Info("subscribed")

	pingCancel := c.startPingLoop(ctx, conn)
	defer pingCancel()

	return true, c.readMessages(ctx, conn)
}

func (c *Connector) readMessages(ctx context.Context, conn *websocket.Conn) error {
	replier, replies := c.adapter.(Replier)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if replies {
			if reply := replier.Reply(msg); reply != nil {
				if err := c.writeJSON(conn, reply); err != nil {
					return err
				}
			}
		}
		quotes, err := c.adapter.Parse(msg)
		if len(quotes) > 0 {
			c.publish(ctx, quotes)
		}
		if err != nil {
			c.reportLimit("stream", err)
			c.log.WithError(err).WithField("parsed_quotes", len(quotes)).Debug("stream message carried an error")
		}
	}
}

func (c *Connector) startPingLoop(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(c.opts.KeepAlive)
	pinger, custom := c.adapter.(Pinger)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				var err error
				if custom {
					c.writeMu.Lock()
					_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
					err = pinger.Ping(conn)
					c.writeMu.Unlock()
				} else {
					err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				}
				if err != nil {
					c.log.WithError(err).Warn("failed to send websocket ping")
					c.closeActiveConn()
					return
				}
			}
		}
	}()
	return cancel
}

func (c *Connector) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (c *Connector) trackConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Connector) closeActiveConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
