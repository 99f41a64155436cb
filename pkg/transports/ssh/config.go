package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod is how a node authenticates. The values match the auth_type
// stored on node records.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config describes the connection to one SSH node. Credentials are carried
// inline; they come from the node store, never from files on disk.
type Config struct {
	Host string
	Port int
	User string

	Auth       AuthMethod
	Password   string
	PrivateKey []byte
	Passphrase string

	// KnownHostsPath is checked for every connection when it exists.
	// With StrictHostKeyChecking, unknown hosts are rejected too; without
	// it only a changed key is.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectTimeout time.Duration

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// LineBufferSize bounds the queue between the output readers of a
	// streamed command and its line handler.
	LineBufferSize int
}

// DefaultConfig returns a key-authenticated config for user@host:22.
func DefaultConfig(host, user string) *Config {
	cfg := &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		Auth:                  AuthMethodKey,
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		MaxKeepAliveRetries:   3,
		LineBufferSize:        256,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	return cfg
}

// Validate reports the first problem that would make connecting pointless.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.ConnectTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.LineBufferSize <= 0:
		return errors.New("line buffer size must be positive")
	}

	switch c.Auth {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if len(c.PrivateKey) == 0 {
			return errors.New("private key is required for key authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.Auth)
	}
	return nil
}

// ClientConfig builds the x/crypto client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.Auth == AuthMethodPassword {
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	var signer ssh.Signer
	var err error
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(c.PrivateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	present := false
	if c.KnownHostsPath != "" {
		_, err := os.Stat(c.KnownHostsPath)
		present = err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read known_hosts: %w", err)
		}
	}

	if !present {
		if c.StrictHostKeyChecking {
			return nil, fmt.Errorf("strict host key checking needs a known_hosts file, %q not found", c.KnownHostsPath)
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	known, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	if c.StrictHostKeyChecking {
		return known, nil
	}
	return func(host string, remote net.Addr, key ssh.PublicKey) error {
		err := known(host, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
