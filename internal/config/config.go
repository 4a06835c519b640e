package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/proc"
	"github.com/g960059/procmux/internal/wire"
)

// File names probed in the working directory when no config is given.
var DiscoveryNames = []string{"procmux.yaml", "procmux.yml", "procmux.json"}

type Config struct {
	Server          string        `mapstructure:"server"`
	SocketPath      string        `mapstructure:"socket_path"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	JournalPath     string        `mapstructure:"journal_path"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	OutputRetention int           `mapstructure:"output_retention"`
	MaxFrame        int           `mapstructure:"max_frame"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`

	// Procs keeps the declaration order of the file.
	Procs []model.ProcessRecord `mapstructure:"-"`
	// File is the config file that was read, empty when none.
	File string `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      defaultSocketPath(),
		LogLevel:        "info",
		LogFile:         defaultStatePath("procmux.log"),
		GracePeriod:     proc.DefaultGrace,
		OutputRetention: proc.DefaultLogLimit,
		MaxFrame:        wire.DefaultMaxFrame,
		ConnectTimeout:  3 * time.Second,
		CommandTimeout:  5 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "procmux", "procmux.sock")
	}
	return defaultStatePath("procmux.sock")
}

func defaultStatePath(name string) string {
	home, err := homedir.Dir()
	if err != nil {
		return "." + name
	}
	return filepath.Join(home, ".local", "state", "procmux", name)
}

// Load reads path (when non-empty) over the defaults and applies PROCMUX_*
// environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix("PROCMUX")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == ".yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", model.ErrConfiguration, path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
		procs, err := ParseProcs(data, filepath.Dir(path))
		if err != nil {
			return Config{}, err
		}
		cfg.Procs = procs
		cfg.File = path
	}

	for _, p := range []*string{&cfg.SocketPath, &cfg.LogFile, &cfg.JournalPath} {
		expanded, err := homedir.Expand(*p)
		if err == nil {
			*p = expanded
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server", cfg.Server)
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("journal_path", cfg.JournalPath)
	v.SetDefault("grace_period", cfg.GracePeriod)
	v.SetDefault("output_retention", cfg.OutputRetention)
	v.SetDefault("max_frame", cfg.MaxFrame)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("command_timeout", cfg.CommandTimeout)
}

func (c Config) Validate() error {
	switch {
	case c.GracePeriod <= 0:
		return fmt.Errorf("%w: grace_period must be positive", model.ErrConfiguration)
	case c.OutputRetention <= 0:
		return fmt.Errorf("%w: output_retention must be positive", model.ErrConfiguration)
	case c.MaxFrame < wire.MinMaxFrame:
		return fmt.Errorf("%w: max_frame must be at least %d", model.ErrConfiguration, wire.MinMaxFrame)
	}
	return nil
}

// Discover returns the first known config file in dir, or "" when none exists.
func Discover(dir string) (string, error) {
	for _, name := range DiscoveryNames {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		if err == nil && !st.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
	}
	return "", nil
}

// FromCommands turns positional shell commands into autostart records. Names
// come from names by position, falling back to the command text.
func FromCommands(cmds, names []string) ([]model.ProcessRecord, error) {
	out := make([]model.ProcessRecord, 0, len(cmds))
	seen := map[string]int{}
	for i, cmd := range cmds {
		if strings.TrimSpace(cmd) == "" {
			return nil, fmt.Errorf("%w: empty command at position %d", model.ErrConfiguration, i+1)
		}
		name := cmd
		if i < len(names) && strings.TrimSpace(names[i]) != "" {
			name = strings.TrimSpace(names[i])
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s (%d)", name, n)
		}
		out = append(out, model.ProcessRecord{
			Name:      name,
			Command:   model.ShellLine(cmd),
			Autostart: true,
		})
	}
	return out, nil
}
