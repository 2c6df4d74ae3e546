package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
)

const (
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 443
	DefaultRoot     = "."
	DefaultCertFile = "server.crt"
	DefaultKeyFile  = "server.key"
)

var (
	ErrInvalidPort      = errors.New("port out of range")
	ErrEmptyHost        = errors.New("host must not be empty")
	ErrEmptyPath        = errors.New("path must not be empty")
	ErrInvalidLogFormat = errors.New("unknown log format")
	ErrInvalidWorkers   = errors.New("handshake workers must be positive")
)

var logFormats = []string{"json", "text"}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Handshake HandshakeConfig `toml:"handshake"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Root     string `toml:"root"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// TimeoutsConfig のゼロ値はタイムアウトなし（プラットフォームのデフォルト動作）
type TimeoutsConfig struct {
	ReadHeader Duration `toml:"read_header"`
	Read       Duration `toml:"read"`
	Write      Duration `toml:"write"`
	Idle       Duration `toml:"idle"`
	Handshake  Duration `toml:"handshake"`
	Shutdown   Duration `toml:"shutdown"`
}

type HandshakeConfig struct {
	Workers    int `toml:"workers"`
	MaxPending int `toml:"max_pending"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration は TOML 上で "15s" のような文字列として書ける time.Duration
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the fixed values the server has always used:
// ./server.crt and ./server.key, all interfaces, port 443, serving the working directory.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:     DefaultHost,
			Port:     DefaultPort,
			Root:     DefaultRoot,
			CertFile: DefaultCertFile,
			KeyFile:  DefaultKeyFile,
		},
		Timeouts: TimeoutsConfig{
			Shutdown: Duration(5 * time.Second),
		},
		Handshake: HandshakeConfig{
			Workers:    16,
			MaxPending: 128,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load decodes the TOML file at path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	// 全インターフェースは 0.0.0.0 か :: で明示する
	if c.Server.Host == "" {
		return ErrEmptyHost
	}

	for name, p := range map[string]string{
		"root":      c.Server.Root,
		"cert_file": c.Server.CertFile,
		"key_file":  c.Server.KeyFile,
	} {
		if p == "" {
			return fmt.Errorf("%w: %s", ErrEmptyPath, name)
		}
	}

	if c.Handshake.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Handshake.Workers)
	}

	if !lo.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// Addr returns host:port suitable for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}
