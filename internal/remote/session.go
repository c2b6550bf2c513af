package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// TransferChannel copies files off the remote host.
type TransferChannel interface {
	// Fetch streams remotePath into w and returns the number of bytes copied.
	Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error)
}

// Session owns one authenticated SSH connection to a single host.
type Session struct {
	host   string
	client *ssh.Client
	logger *slog.Logger

	mu   sync.Mutex
	sftp *sftp.Client

	closeOnce sync.Once
	closeErr  error
}

func newSession(host string, client *ssh.Client, logger *slog.Logger) *Session {
	return &Session{host: host, client: client, logger: logger}
}

// Host returns the host this session is connected to.
func (s *Session) Host() string {
	return s.host
}

// Execute runs cmd and blocks until the remote process exits. A non-zero
// exit is reported through Result.ExitStatus; the error is only set when the
// channel itself failed or ctx was cancelled.
func (s *Session) Execute(ctx context.Context, cmd Command) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{ExitStatus: -1}, fmt.Errorf("open session on %s: %w", s.host, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if cmd.Stdin != nil {
		sess.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.String()) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		sess.Close()
		return Result{ExitStatus: -1}, ctx.Err()
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitStatus = -1
	return res, fmt.Errorf("run on %s: %w", s.host, err)
}

// OpenTransferChannel returns an SFTP channel multiplexed over this
// session's connection. The channel is created once and closed with the
// session.
func (s *Session) OpenTransferChannel() (TransferChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("start sftp on %s: %w", s.host, err)
		}
		s.sftp = c
	}
	return sftpChannel{c: s.sftp}, nil
}

// Close releases the connection. Calling it again returns the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.sftp != nil {
			if err := s.sftp.Close(); err != nil {
				s.logger.Debug("closing sftp channel", "host", s.host, "error", err)
			}
		}
		s.mu.Unlock()
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

type sftpChannel struct {
	c *sftp.Client
}

func (ch sftpChannel) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	f, err := ch.c.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	n, err := f.WriteTo(w)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("copy remote %s: %w", remotePath, err)
	}
	return n, nil
}
