package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// legacyFile is the config.json layout used by the original cron script:
//
//	{"config": {"deletedays": 30, "localuser": "root", "localpass": "x"},
//	 "backups": [{"sshhost": "db1", "sshuser": "u", "dbuser": "u", "dbpass": "p", "dbname": "app"}]}
//
// JSON is a subset of YAML, so it is decoded with the same parser.
type legacyFile struct {
	Config struct {
		DeleteDays int    `yaml:"deletedays"`
		LocalUser  string `yaml:"localuser"`
		LocalPass  string `yaml:"localpass"`
	} `yaml:"config"`
	Backups []struct {
		SSHHost string `yaml:"sshhost"`
		SSHUser string `yaml:"sshuser"`
		DBUser  string `yaml:"dbuser"`
		DBPass  string `yaml:"dbpass"`
		DBName  string `yaml:"dbname"`
	} `yaml:"backups"`
}

// parseLegacy converts a legacy file found in dir. The script kept its
// backups and logs next to itself, which is where config.json lives, so
// relative paths resolve against dir rather than the working directory.
func parseLegacy(data []byte, dir string) (*Config, error) {
	var lf legacyFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing legacy config: %w", err)
	}

	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	cfg := DefaultConfig()
	cfg.Storage.BaseDir = dir
	cfg.Log.File = filepath.Join(dir, "logs", "backup.log")
	cfg.Retention.Days = lf.Config.DeleteDays
	cfg.LocalDB.User = lf.Config.LocalUser
	cfg.LocalDB.Password = lf.Config.LocalPass

	for _, b := range lf.Backups {
		cfg.Targets = append(cfg.Targets, Target{
			Host:       b.SSHHost,
			SSHUser:    b.SSHUser,
			DBUser:     b.DBUser,
			DBPassword: b.DBPass,
			DBName:     b.DBName,
		})
	}

	return cfg, nil
}
