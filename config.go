package leap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Bridge connection. Every field has a
// sensible default populated by DefaultConfig; the library never reads a
// package-global configuration or log level.
type Config struct {
	// Host is the bridge's IP address or hostname. Required.
	Host string `yaml:"host" json:"host"`

	// OperationsPort is the LEAP port used after pairing. Defaults to 8081.
	OperationsPort int `yaml:"operations_port" json:"operations_port" default:"8081"`

	// PairingPort is the LAP pairing port. Defaults to 8083. Pair does not
	// read it; Pair takes its port from PairOptions.Port.
	PairingPort int `yaml:"pairing_port" json:"pairing_port" default:"8083"`

	// CertDir is the directory holding the three credential files produced
	// by Pair. Defaults to "<XDG_CONFIG_HOME>/pylutron_caseta".
	CertDir string `yaml:"cert_dir" json:"cert_dir"`

	// RequestTimeout bounds how long a single request waits for its
	// response before resolving with a TimeoutError.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" default:"5s"`

	// ReconnectInitialBackoff / ReconnectMaxBackoff bound the supervisor's
	// exponential backoff (§4.4): initial 1s, factor 2, capped at 60s.
	ReconnectInitialBackoff time.Duration `yaml:"reconnect_initial_backoff" json:"reconnect_initial_backoff" default:"1s"`
	ReconnectMaxBackoff     time.Duration `yaml:"reconnect_max_backoff" json:"reconnect_max_backoff" default:"60s"`

	// PairingButtonTimeout is the button-press wait for pairing, at least
	// 60s per §4.2. Pair does not read it; Pair takes its wait from
	// PairOptions.ButtonTimeout.
	PairingButtonTimeout time.Duration `yaml:"pairing_button_timeout" json:"pairing_button_timeout" default:"60s"`

	// ReadBufferFloor is the minimum size, in bytes, the Connection's line
	// accumulation buffer is preallocated to (§4.1: at least 256 KiB).
	ReadBufferFloor int `yaml:"read_buffer_floor" json:"read_buffer_floor" default:"262144"`

	// DiagnosticsRingSize bounds the Bridge's recent-activity ring (§2.3).
	DiagnosticsRingSize uint32 `yaml:"diagnostics_ring_size" json:"diagnostics_ring_size" default:"256"`

	// Logger receives every log message emitted by the library. If nil,
	// DefaultConfig installs a logrus.Logger at InfoLevel; the library
	// itself never sets a process-global log level.
	Logger *logrus.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config for host with every tunable at its
// documented default, mirroring the teacher's pkg/config.DefaultConfig.
func DefaultConfig(host string) *Config {
	cfg := &Config{Host: host}
	defaults.SetDefaults(cfg)
	cfg.CertDir = defaultCertDir()
	cfg.Logger = cfg.NewLogger()
	return cfg
}

// NewLogger builds a logger at InfoLevel with the library's standard
// text format. Callers are free to replace Config.Logger with their own
// instance before calling Pair or NewBridge.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func defaultCertDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pylutron_caseta")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "pylutron_caseta")
	}
	return filepath.Join(home, ".config", "pylutron_caseta")
}

// CredentialPaths returns the three file paths Pair writes and Connect
// reads, per §6: "<host>-bridge.crt", "<host>.crt", "<host>.key".
func (c *Config) CredentialPaths() (caPath, certPath, keyPath string) {
	base := filepath.Join(c.CertDir, c.Host)
	return base + "-bridge.crt", base + ".crt", base + ".key"
}

// LoadConfigFile reads a YAML Config file, applying DefaultConfig(host)
// first so unset fields keep their documented defaults.
func LoadConfigFile(path, host string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("leap: read config file %q: %w", path, err)
	}
	cfg := DefaultConfig(host)
	logger := cfg.Logger
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("leap: parse config file %q: %w", path, err)
	}
	if cfg.Host == "" {
		cfg.Host = host
	}
	if cfg.CertDir == "" {
		cfg.CertDir = defaultCertDir()
	}
	cfg.Logger = logger
	return cfg, nil
}
