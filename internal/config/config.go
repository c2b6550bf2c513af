package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/dbharvest/internal/safety"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	LocalDB   LocalDB         `yaml:"local_db"`
	SSH       SSHConfig       `yaml:"ssh"`
	Runner    RunnerConfig    `yaml:"runner"`
	Log       LogConfig       `yaml:"log"`
	Targets   []Target        `yaml:"targets"`
}

// StorageConfig holds local storage settings
type StorageConfig struct {
	BaseDir   string `yaml:"base_dir"`
	HistoryDB string `yaml:"history_db"`
}

// RetentionConfig holds artifact retention settings
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// LocalDB holds the credentials of the local server artifacts are loaded into
type LocalDB struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	ClientBinary string `yaml:"client_binary"`
}

// SSHConfig holds settings shared by every remote session
type SSHConfig struct {
	KeyPath        string        `yaml:"key_path"`
	Passphrase     string        `yaml:"passphrase"`
	KnownHosts     string        `yaml:"known_hosts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RunnerConfig holds pipeline scheduling settings
type RunnerConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// LogConfig holds log file settings. An empty File logs to stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Target describes one remote database to back up
type Target struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	SSHUser     string `yaml:"ssh_user"`
	SSHPassword string `yaml:"ssh_password,omitempty"`
	KeyPath     string `yaml:"key_path,omitempty"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBName      string `yaml:"db_name"`
	RemoteDir   string `yaml:"remote_dir,omitempty"`
}

// Address returns host:port for dialing
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			BaseDir:   "/var/lib/dbharvest",
			HistoryDB: "",
		},
		Retention: RetentionConfig{
			Days: 30,
		},
		LocalDB: LocalDB{
			Host:         "127.0.0.1",
			Port:         3306,
			User:         "root",
			ClientBinary: "mysql",
		},
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Runner: RunnerConfig{
			Parallelism: 1,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseLegacy(data, filepath.Dir(path))
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.expandPaths()

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dbharvest.yaml",
		"config.json",
		"/etc/dbharvest/dbharvest.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dbharvest", "dbharvest.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.BaseDir == "" {
		errs = append(errs, errors.New("storage.base_dir is required"))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, fmt.Errorf("retention.days must not be negative (got %d)", c.Retention.Days))
	}
	if c.Runner.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("runner.parallelism must not be negative (got %d)", c.Runner.Parallelism))
	}
	if c.SSH.ConnectTimeout < 0 {
		errs = append(errs, errors.New("ssh.connect_timeout must not be negative"))
	}
	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("at least one target is required"))
	}

	for i, t := range c.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.Host == "" {
			errs = append(errs, fmt.Errorf("%s: host is required", prefix))
		}
		if t.SSHUser == "" {
			errs = append(errs, fmt.Errorf("%s: ssh_user is required", prefix))
		}
		if t.DBUser == "" {
			errs = append(errs, fmt.Errorf("%s: db_user is required", prefix))
		}
		if err := ValidateDBName(t.DBName); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if t.Port < 0 || t.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s: port %d out of range", prefix, t.Port))
		}
	}

	return errors.Join(errs...)
}

// ValidateDBName checks that name can be used both as a MySQL schema name
// and as a single directory name under the backup tree.
func ValidateDBName(name string) error {
	if name == "" {
		return errors.New("db_name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("db_name %q is longer than 64 characters", name)
	}
	if err := safety.CheckSegment(name); err != nil {
		return fmt.Errorf("db_name %q is not a valid directory name: %w", name, err)
	}
	// Client tools would read a leading dash as an option.
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("db_name %q must not start with '-'", name)
	}
	return nil
}

// DBNames returns the distinct database names of all targets, in order.
func (c *Config) DBNames() []string {
	seen := make(map[string]bool, len(c.Targets))
	var names []string
	for _, t := range c.Targets {
		if seen[t.DBName] {
			continue
		}
		seen[t.DBName] = true
		names = append(names, t.DBName)
	}
	return names
}

// expandPaths resolves a leading "~/" in path settings.
func (c *Config) expandPaths() {
	c.SSH.KeyPath = expandHome(c.SSH.KeyPath)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	for i := range c.Targets {
		c.Targets[i].KeyPath = expandHome(c.Targets[i].KeyPath)
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
