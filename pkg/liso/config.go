// Package liso provides a single-threaded static file server for HTTP/1.x over
// plaintext and TLS sockets.
package liso

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/FumingPower3925/liso/internal/conn"
	"github.com/FumingPower3925/liso/internal/pool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Engines accepted by Config.Engine.
const (
	EngineSelect = "select"
	EngineGnet   = "gnet"
)

var (
	ErrNoRoot        = errors.New("liso: root directory not set")
	ErrNoListener    = errors.New("liso: neither http nor https address set")
	ErrNoCertificate = errors.New("liso: https address set without certificate")
	ErrUnknownEngine = errors.New("liso: unknown engine")
	ErrGnetTLS       = errors.New("liso: gnet engine does not serve https")
)

// Config holds the server configuration.
type Config struct {
	HTTPAddr        string `yaml:"http_addr"`        // Plaintext listener address, empty to disable
	HTTPSAddr       string `yaml:"https_addr"`       // TLS listener address, empty to disable
	CertFile        string `yaml:"cert_file"`        // PEM certificate for the TLS listener
	KeyFile         string `yaml:"key_file"`         // PEM private key for the TLS listener
	Root            string `yaml:"root"`             // Directory files are served from
	DefaultDocument string `yaml:"default_document"` // File served for directory targets

	BufferSize         int           `yaml:"buffer_size"`          // Capacity of each connection buffer
	MaxConnections     int           `yaml:"max_connections"`      // Pool capacity, clamped to the descriptor-set size
	PollInterval       time.Duration `yaml:"poll_interval"`        // Upper bound of one readiness wait
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`    // Bound on each TLS handshake read/write
	RetryPartialWrites bool          `yaml:"retry_partial_writes"` // Keep unsent output instead of faulting
	Engine             string        `yaml:"engine"`               // "select" or "gnet"

	MetricsAddr string        `yaml:"metrics_addr"` // Prometheus /metrics address, empty to disable
	LogLevel    string        `yaml:"log_level"`
	LogFile     string        `yaml:"log_file"`
	Tracing     TracingConfig `yaml:"tracing"`

	TLSConfig *tls.Config `yaml:"-"` // Overrides CertFile/KeyFile when set
	Logger    *zap.Logger `yaml:"-"` // Overrides LogLevel/LogFile when set
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:         ":8080",
		Root:             "www",
		DefaultDocument:  "index.html",
		BufferSize:       conn.DefaultBufferSize,
		MaxConnections:   pool.FDSetSize,
		PollInterval:     pool.DefaultPollInterval,
		HandshakeTimeout: 5 * time.Second,
		Engine:           EngineSelect,
		LogLevel:         "info",
		Tracing:          DefaultTracingConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	if c.HTTPAddr == "" && c.HTTPSAddr == "" {
		return ErrNoListener
	}
	if c.HTTPSAddr != "" && c.TLSConfig == nil && (c.CertFile == "" || c.KeyFile == "") {
		return ErrNoCertificate
	}
	switch c.Engine {
	case "":
		c.Engine = EngineSelect
	case EngineSelect:
	case EngineGnet:
		if c.HTTPSAddr != "" {
			return ErrGnetTLS
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownEngine, c.Engine)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("liso: %w", err)
	}

	if c.DefaultDocument == "" {
		c.DefaultDocument = "index.html"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = conn.DefaultBufferSize
	}
	if c.MaxConnections <= 0 || c.MaxConnections > pool.FDSetSize {
		c.MaxConnections = pool.FDSetSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = pool.DefaultPollInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = "liso"
	}
	return nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
