package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultConnectTimeout bounds TCP connect plus SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// Options configures how sessions are established.
type Options struct {
	KeyPath        string
	Passphrase     string
	ConnectTimeout time.Duration
	// UseAgent adds keys from the agent at SSH_AUTH_SOCK, if one is running.
	UseAgent bool
}

// Dialer opens authenticated sessions to targets.
type Dialer struct {
	opts     Options
	hostKeys *HostKeyStore
	logger   *slog.Logger
}

// NewDialer creates a Dialer. hostKeys must not be nil.
func NewDialer(opts Options, hostKeys *HostKeyStore, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Dialer{opts: opts, hostKeys: hostKeys, logger: logger}
}

// Dial connects to the target and completes the SSH handshake. The whole
// exchange fails fast once ConnectTimeout elapses.
func (d *Dialer) Dial(ctx context.Context, t config.Target) (*Session, error) {
	auths, cleanup, err := d.authMethods(t)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	addr := t.Address()
	cfg := &ssh.ClientConfig{
		User:              t.SSHUser,
		Auth:              auths,
		HostKeyCallback:   d.hostKeys.Callback(),
		HostKeyAlgorithms: d.hostKeys.Algorithms(addr),
		Timeout:           d.opts.ConnectTimeout,
	}

	nd := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Bound the handshake as well; NewClientConn has no timeout of its own.
	_ = conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newSession(t.Host, ssh.NewClient(c, chans, reqs), d.logger), nil
}

// authMethods assembles key, password and agent auth for t. The returned
// cleanup releases the agent connection once the handshake is over.
func (d *Dialer) authMethods(t config.Target) ([]ssh.AuthMethod, func(), error) {
	var auths []ssh.AuthMethod
	cleanup := func() {}

	keyPath := d.opts.KeyPath
	if t.KeyPath != "" {
		keyPath = t.KeyPath
	}
	if keyPath != "" {
		signer, err := loadSigner(keyPath, d.opts.Passphrase)
		if err != nil {
			return nil, cleanup, fmt.Errorf("load key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	if t.SSHPassword != "" {
		auths = append(auths, ssh.Password(t.SSHPassword))
	}

	if d.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				ag := agent.NewClient(conn)
				auths = append(auths, ssh.PublicKeysCallback(ag.Signers))
				cleanup = func() { conn.Close() }
			} else {
				d.logger.Debug("ssh agent unavailable", "socket", sock, "error", err)
			}
		}
	}

	return auths, cleanup, nil
}

// loadSigner reads the private key at path. Encrypted keys need the
// configured passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if passphrase == "" {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted; set ssh.passphrase", path)
		}
		return signer, err
	}

	signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key %s: %w", path, err)
	}
	return signer, nil
}
