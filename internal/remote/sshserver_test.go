package remote

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execHandler emulates a remote command. It returns the exit status.
type execHandler func(cmd string, stdin []byte, stdout, stderr io.Writer) int

// testServer is an in-process SSH server accepting any client. Exec requests
// are answered by handler; the "sftp" subsystem is served from the local
// filesystem.
type testServer struct {
	addr    string
	hostKey ssh.Signer
	handler execHandler

	mu       sync.Mutex
	commands []string
	stdins   [][]byte
}

func startTestServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	return startTestServerWithKeys(t, handler, signer)
}

// startTestServerWithKeys serves every given host key; hostKey is the first.
func startTestServerWithKeys(t *testing.T, handler execHandler, signers ...ssh.Signer) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{addr: ln.Addr().String(), hostKey: signers[0], handler: handler}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	for _, s := range signers {
		cfg.AddHostKey(s)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, cfg)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return srv
}

func (s *testServer) handleConn(raw net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		raw.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, in)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()
	for req := range in {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			s.runExec(ch, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testServer) runExec(ch ssh.Channel, cmd string) {
	var stdin []byte
	stdin, _ = io.ReadAll(ch)

	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.stdins = append(s.stdins, stdin)
	s.mu.Unlock()

	var stdout, stderr bytes.Buffer
	status := 0
	if s.handler != nil {
		status = s.handler(cmd, stdin, &stdout, &stderr)
	}
	_, _ = ch.Write(stdout.Bytes())
	_, _ = ch.Stderr().Write(stderr.Bytes())
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) Stdins() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.stdins...)
}
