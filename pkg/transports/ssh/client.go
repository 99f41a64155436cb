package ssh

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

var errNotConnected = errors.New("not connected")

// Client holds one SSH connection to a node. Each command and each file
// transfer opens its own channel on it.
type Client struct {
	cfg    *Config
	logger zerolog.Logger

	mu            sync.RWMutex
	conn          *ssh.Client
	connectedAt   time.Time
	stopKeepAlive chan struct{}
}

// NewClient validates cfg. No connection is made until Connect.
func NewClient(cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Op: "configure", Host: cfg.Host, Err: err}
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("ssh_host", cfg.Address()).Logger(),
	}, nil
}

// Connect dials the node unless a connection exists and answers a ping.
// ctx bounds both the dial and the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := ping(c.conn); err == nil {
			return nil
		}
		c.logger.Warn().Msg("ssh connection went stale, reconnecting")
		_ = c.closeLocked()
	}

	clientCfg, err := c.cfg.ClientConfig()
	if err != nil {
		return &Error{Op: "connect", Host: c.cfg.Host, Err: err}
	}

	conn, err := dial(ctx, c.cfg.Address(), clientCfg)
	if err != nil {
		auth := isAuthFailure(err)
		return &Error{Op: "connect", Host: c.cfg.Host, Err: err, Retryable: !auth, Auth: auth}
	}

	c.conn = conn
	c.connectedAt = time.Now()
	if c.cfg.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(conn, c.stopKeepAlive)
	}
	c.logger.Debug().Msg("ssh connection established")
	return nil
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	if cfg.Timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() {
		// ctx ended mid-handshake and the socket is already closed
		if err == nil {
			sshConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Close drops the connection. Closing an unconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.closeLocked(); err != nil {
		return &Error{Op: "close", Host: c.cfg.Host, Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether a connection is held. It may still be stale;
// Ping tells.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// ConnectedAt is when the current connection was made.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Ping runs `true` on the node.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.current()
	if err != nil {
		return &Error{Op: "ping", Host: c.cfg.Host, Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- ping(conn) }()
	select {
	case err := <-done:
		if err != nil {
			return &Error{Op: "ping", Host: c.cfg.Host, Err: err, Retryable: true}
		}
		return nil
	case <-ctx.Done():
		return &Error{Op: "ping", Host: c.cfg.Host, Err: ctx.Err(), Retryable: true}
	}
}

func ping(conn *ssh.Client) error {
	session, err := conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

func (c *Client) current() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, errNotConnected
	}
	return c.conn, nil
}

func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("ssh keep-alive failed")
			if failures >= c.cfg.MaxKeepAliveRetries {
				c.logger.Error().Msg("giving up on keep-alives; the next command will reconnect")
				return
			}
			continue
		}
		failures = 0
	}
}
