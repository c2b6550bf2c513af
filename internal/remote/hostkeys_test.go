package remote

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func TestHostKeyStore_TrustOnFirstUse(t *testing.T) {
	khPath := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	srv := startTestServer(t, nil)

	hk, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	d := NewDialer(Options{ConnectTimeout: 2 * time.Second}, hk, nil)

	s, err := d.Dial(context.Background(), targetFor(t, srv.addr))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(khPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	require.Contains(t, line, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(srv.hostKey.PublicKey()))))
	require.Equal(t, 1, strings.Count(string(data), "\n"))

	// A fresh store reads the recorded key back and accepts it without
	// appending again.
	hk2, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	d2 := NewDialer(Options{ConnectTimeout: 2 * time.Second}, hk2, nil)
	s2, err := d2.Dial(context.Background(), targetFor(t, srv.addr))
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	data, err = os.ReadFile(khPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestHostKeyStore_RejectsChangedKey(t *testing.T) {
	khPath := filepath.Join(t.TempDir(), "known_hosts")
	first := startTestServer(t, nil)

	hk, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	s, err := NewDialer(Options{ConnectTimeout: 2 * time.Second}, hk, nil).Dial(context.Background(), targetFor(t, first.addr))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Same address, different key: simulate by checking directly.
	hk2, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	remoteAddr, err := net.ResolveTCPAddr("tcp", first.addr)
	require.NoError(t, err)
	other := newSigner(t)
	err = hk2.Callback()(first.addr, remoteAddr, other.PublicKey())
	require.ErrorIs(t, err, ErrHostKeyChanged)
}

func TestHostKeyStore_InMemory(t *testing.T) {
	hk, err := NewHostKeyStore("", nil)
	require.NoError(t, err)

	k1 := newSigner(t).PublicKey()
	k2 := newSigner(t).PublicKey()

	require.NoError(t, hk.Callback()("db1:22", nil, k1))
	require.NoError(t, hk.Callback()("db1:22", nil, k1))
	require.ErrorIs(t, hk.Callback()("db1:22", nil, k2), ErrHostKeyChanged)
	require.NoError(t, hk.Callback()("db2:22", nil, k2))
}

func newECDSASigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// A host recorded by OpenSSH under its ed25519 key may also hold an ECDSA
// key, which the client library would otherwise prefer.
func TestHostKeyStore_NegotiatesRecordedKeyType(t *testing.T) {
	edKey := newSigner(t)
	srv := startTestServerWithKeys(t, nil, newECDSASigner(t), edKey)

	khPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, edKey.PublicKey())
	require.NoError(t, os.WriteFile(khPath, []byte(line+"\n"), 0600))

	hk, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	require.Equal(t, []string{ssh.KeyAlgoED25519}, hk.Algorithms(srv.addr))

	s, err := NewDialer(Options{ConnectTimeout: 2 * time.Second}, hk, nil).Dial(context.Background(), targetFor(t, srv.addr))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(khPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"), "known host must not be recorded again")
}

func TestHostKeyStore_AlgorithmsForUnknownHost(t *testing.T) {
	khPath := filepath.Join(t.TempDir(), "known_hosts")
	other := knownhosts.Line([]string{"db9.example.com"}, newSigner(t).PublicKey())
	require.NoError(t, os.WriteFile(khPath, []byte(other+"\n"), 0600))

	hk, err := NewHostKeyStore(khPath, nil)
	require.NoError(t, err)
	require.Nil(t, hk.Algorithms("db1.example.com:22"))
}

func TestAlgorithmsFor(t *testing.T) {
	require.Nil(t, algorithmsFor(nil))
	require.Equal(t,
		[]string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA, ssh.KeyAlgoED25519},
		algorithmsFor([]string{ssh.KeyAlgoRSA, ssh.KeyAlgoED25519, ssh.KeyAlgoRSA}),
	)
}
