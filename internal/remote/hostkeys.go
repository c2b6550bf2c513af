package remote

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged is returned when a host presents a key that differs
// from the one on record.
var ErrHostKeyChanged = errors.New("host key does not match known_hosts entry")

// HostKeyStore implements trust-on-first-use host key checking. Known keys
// are enforced; a host never seen before is accepted and its key appended
// to the known_hosts file. This trades protection against a man-in-the-middle
// on the very first connection for unattended operation.
type HostKeyStore struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	known     ssh.HostKeyCallback
	lookupKey ssh.PublicKey
	accepted  map[string]ssh.PublicKey
}

// NewHostKeyStore loads path if it exists. An empty path keeps accepted keys
// in memory only.
func NewHostKeyStore(path string, logger *slog.Logger) (*HostKeyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HostKeyStore{
		path:     path,
		logger:   logger,
		accepted: make(map[string]ssh.PublicKey),
	}
	if path == "" {
		return h, nil
	}

	if _, err := os.Stat(path); err == nil {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		h.known = cb

		// A throwaway key never matches a recorded one, so looking it up
		// reports every key on record for an address.
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		if h.lookupKey, err = ssh.NewPublicKey(pub); err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return h, nil
}

// Callback returns the ssh.HostKeyCallback to use in a client config.
func (h *HostKeyStore) Callback() ssh.HostKeyCallback {
	return h.check
}

// Algorithms returns the host key algorithms to offer when dialing addr,
// limited to the key types already on record for it. Without this the
// server may present a type it has never been seen with, which reads as a
// changed key. Hosts with nothing on record get nil, the library default.
func (h *HostKeyStore) Algorithms(addr string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var types []string
	if prev, ok := h.accepted[knownhosts.Normalize(addr)]; ok {
		types = append(types, prev.Type())
	}
	if h.known != nil {
		var keyErr *knownhosts.KeyError
		if err := h.known(addr, lookupAddr, h.lookupKey); errors.As(err, &keyErr) {
			for _, k := range keyErr.Want {
				types = append(types, k.Key.Type())
			}
		}
	}
	return algorithmsFor(types)
}

// lookupAddr stands in for the remote address; knownhosts only needs a
// *net.TCPAddr and matches on the host name passed alongside it.
var lookupAddr = &net.TCPAddr{IP: net.IPv4zero}

// algorithmsFor maps key types to signature algorithms. An RSA key can
// sign with SHA-2 as well as the legacy SHA-1 scheme.
func algorithmsFor(keyTypes []string) []string {
	var algos []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				algos = append(algos, n)
			}
		}
	}
	for _, t := range keyTypes {
		if t == ssh.KeyAlgoRSA {
			add(ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA)
			continue
		}
		add(t)
	}
	return algos
}

func (h *HostKeyStore) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.known != nil {
		err := h.known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%s: %w", hostname, ErrHostKeyChanged)
		}
	}

	name := knownhosts.Normalize(hostname)
	if prev, ok := h.accepted[name]; ok {
		if bytes.Equal(prev.Marshal(), key.Marshal()) {
			return nil
		}
		return fmt.Errorf("%s: %w", hostname, ErrHostKeyChanged)
	}

	if err := h.record(name, key); err != nil {
		return err
	}
	h.accepted[name] = key
	h.logger.Warn("accepted new host key",
		"host", hostname,
		"type", key.Type(),
		"fingerprint", ssh.FingerprintSHA256(key),
		"known_hosts", h.path,
	)
	return nil
}

func (h *HostKeyStore) record(name string, key ssh.PublicKey) error {
	if h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{name}, key)); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	return nil
}
