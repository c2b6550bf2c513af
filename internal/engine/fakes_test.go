package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/BadgerOps/dbharvest/internal/remote"
)

// fixedNow is 2024-03-15 02:00:00 UTC.
var fixedNow = time.Date(2024, time.March, 15, 2, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// fakeSession emulates a remote host holding a flat map of files
type fakeSession struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands []remote.Command
	closed   bool

	dumpExit int
	rmExit   int
	fetchErr error
	openErr  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{files: make(map[string][]byte)}
}

func (s *fakeSession) Execute(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitStatus: -1}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	argv := cmd.Stages[0]
	switch argv[0] {
	case "mysqldump":
		if s.dumpExit != 0 {
			s.files[cmd.Stdout] = []byte("partial")
			return remote.Result{ExitStatus: s.dumpExit, Stderr: []byte("mysqldump: Got error: 1044: Access denied")}, nil
		}
		s.files[cmd.Stdout] = []byte("-- dump of " + argv[len(argv)-1] + "\n")
	case "rm":
		if s.rmExit != 0 {
			return remote.Result{ExitStatus: s.rmExit, Stderr: []byte("rm: cannot remove: Permission denied")}, nil
		}
		delete(s.files, argv[len(argv)-1])
	default:
		return remote.Result{ExitStatus: 127}, nil
	}
	return remote.Result{}, nil
}

func (s *fakeSession) OpenTransferChannel() (remote.TransferChannel, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return fakeChannel{s}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) file(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

func (s *fakeSession) commandNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, c := range s.commands {
		names = append(names, c.Stages[0][0])
	}
	return names
}

type fakeChannel struct{ s *fakeSession }

func (c fakeChannel) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	data, ok := c.s.file(remotePath)
	if !ok {
		return 0, fmt.Errorf("open %s: file does not exist", remotePath)
	}
	if c.s.fetchErr != nil {
		n, _ := w.Write(data[:len(data)/2])
		return int64(n), c.s.fetchErr
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	return n, err
}

// fakeOpener hands out one fakeSession per host
type fakeOpener struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	failHost map[string]error
	opened   []string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{sessions: make(map[string]*fakeSession), failHost: make(map[string]error)}
}

func (o *fakeOpener) session(host string) *fakeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[host]
	if !ok {
		s = newFakeSession()
		o.sessions[host] = s
	}
	return s
}

func (o *fakeOpener) Open(ctx context.Context, t config.Target) (RemoteSession, error) {
	o.mu.Lock()
	o.opened = append(o.opened, t.Host)
	err := o.failHost[t.Host]
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.session(t.Host), nil
}

// fakeRestorer records loads and can block to observe concurrency
type fakeRestorer struct {
	mu        sync.Mutex
	ensured   []string
	imported  []string
	importErr error

	delay   time.Duration
	active  map[string]int
	overlap bool
}

func (r *fakeRestorer) EnsureDatabase(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, name)
	return nil
}

func (r *fakeRestorer) Import(ctx context.Context, name, artifactPath string) error {
	r.mu.Lock()
	if r.active == nil {
		r.active = make(map[string]int)
	}
	r.active[name]++
	if r.active[name] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[name]--
	if r.importErr != nil {
		return r.importErr
	}
	r.imported = append(r.imported, name+":"+artifactPath)
	return nil
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func target(host, db string) config.Target {
	return config.Target{Host: host, SSHUser: "backup", DBUser: "dumper", DBPassword: "s3cret", DBName: db}
}

var errBoom = errors.New("boom")

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
