package localdb

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/go-sql-driver/mysql"
	"github.com/klauspost/compress/gzip"
)

// stderrLimit caps how much client stderr is kept for error messages.
const stderrLimit = 4096

// Loader restores gzip-compressed SQL dumps into a local MySQL server.
type Loader struct {
	cfg    config.LocalDB
	logger *slog.Logger

	// connect opens the admin connection; replaced in tests.
	connect func(ctx context.Context) (*sql.DB, error)
}

// New creates a Loader for the server described by cfg.
func New(cfg config.LocalDB, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientBinary == "" {
		cfg.ClientBinary = "mysql"
	}
	l := &Loader{cfg: cfg, logger: logger}
	l.connect = l.open
	return l
}

func (l *Loader) addr() string {
	port := l.cfg.Port
	if port == 0 {
		port = 3306
	}
	return net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
}

func (l *Loader) open(ctx context.Context) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = l.cfg.User
	mc.Passwd = l.cfg.Password
	mc.Net = "tcp"
	mc.Addr = l.addr()
	mc.Timeout = 10 * time.Second

	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql config: %w", err)
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s: %w", mc.Addr, err)
	}
	return db, nil
}

// EnsureDatabase creates the schema if it does not exist yet.
func (l *Loader) EnsureDatabase(ctx context.Context, name string) error {
	db, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	l.logger.Info("database ensured", "db", name)
	return nil
}

// Import streams the decompressed artifact into the mysql client and waits
// for it to exit. The password is passed through the environment so it
// never shows up in the process list.
func (l *Loader) Import(ctx context.Context, name, artifactPath string) error {
	bin, err := exec.LookPath(l.cfg.ClientBinary)
	if err != nil {
		return fmt.Errorf("mysql client %q not found: %w", l.cfg.ClientBinary, err)
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip header of %s: %w", artifactPath, err)
	}
	defer gz.Close()

	port := l.cfg.Port
	if port == 0 {
		port = 3306
	}
	cmd := exec.CommandContext(ctx, bin,
		"--host", l.cfg.Host,
		"--port", strconv.Itoa(port),
		"--user", l.cfg.User,
		"--",
		name,
	)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+l.cfg.Password)
	cmd.Stdin = gz
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("mysql import into %s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("mysql import into %s: %w", name, err)
	}
	return nil
}

// QuoteIdentifier quotes a MySQL schema or table name with backticks.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
