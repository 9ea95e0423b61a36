package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/simforge/simforge/pkg/telemetry"
)

// Client is an SSH connection to one execution host. It carries the
// session and SFTP operations the remote runner needs and satisfies
// runner.RemoteTransport.
type Client struct {
	config *Config
	log    *telemetry.Logger

	connMu      sync.RWMutex
	conn        *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewClient creates a new SSH transport client.
func NewClient(config *Config, tel *telemetry.Telemetry) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Client{
		config: config,
		log:    tel.Logger.NewComponentLogger("ssh"),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.conn != nil {
		// Already connected, verify connection is still alive
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		// Connection is dead, close it and reconnect
		c.log.Warn("existing connection is dead, reconnecting")
		_ = c.conn.Close()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	c.log.Debugf("establishing SSH connection to %s", address)

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}
	case err := <-errChan:
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	case conn := <-connChan:
		c.conn = conn
		c.isConnected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()

		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive()
		}

		c.log.Infof("SSH connection established to %s@%s", c.config.User, address)
		return nil
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.conn == nil {
		return nil
	}

	c.log.Debugf("closing SSH connection to %s", c.config.Host)

	err := c.conn.Close()
	c.conn = nil
	c.isConnected = false

	if err != nil {
		return &TransportError{
			Op:          "disconnect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.conn == nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal performs the actual health check (must be called with lock held).
func (c *Client) healthCheckInternal() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// keepAlive sends periodic keep-alive messages to keep the connection alive.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	maxRetries := c.config.MaxKeepAliveRetries

	for range ticker.C {
		c.connMu.RLock()
		if !c.isConnected || c.conn == nil {
			c.connMu.RUnlock()
			return
		}
		conn := c.conn
		c.connMu.RUnlock()

		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			retries++
			c.log.Warnf("keep-alive failed (%d/%d): %v", retries, maxRetries, err)
			if retries >= maxRetries {
				c.log.Error("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			retries = 0
		}
	}
}

// sshConn returns the underlying SSH connection for session and SFTP use.
func (c *Client) sshConn() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.conn == nil {
		return nil, &TransportError{
			Op:          "get-connection",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	c.lastUsedAt = time.Now()
	return c.conn, nil
}
