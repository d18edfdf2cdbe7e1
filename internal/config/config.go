package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "HEIC2PNG_CONFIG"

const defaultConfigPath = "config.yaml"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Conversion ConversionConfig `yaml:"conversion"`
	Registry   RegistryConfig   `yaml:"registry"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	StorageDir      string        `yaml:"storageDir"`
	ExternalBaseURL string        `yaml:"externalBaseURL"` // optional public URL prefix for download links (relay/tunnel)
	CORSOrigins     []string      `yaml:"corsOrigins"`
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel        string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat       string        `yaml:"logFormat"`     // text|json
}

// Addr returns the listen address derived from Port.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// ConversionConfig selects the converter and sizes the worker pool.
type ConversionConfig struct {
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	Converter string        `yaml:"converter"` // exec|mock
	Exec      ExecSettings  `yaml:"exec"`
	Mock      MockSettings  `yaml:"mock"`
}

// ExecSettings configures the external conversion command. Args may contain
// the {input} and {output} placeholders.
type ExecSettings struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// MockSettings config for the mock converter.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Images int           `yaml:"images"`
}

// RegistryConfig selects where job state lives.
type RegistryConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|redis
	SQLitePath  string `yaml:"sqlitePath"`
	RedisURL    string `yaml:"redisURL"`
	RedisPrefix string `yaml:"redisPrefix"`
}

// ArtifactsConfig selects where converted images are written.
type ArtifactsConfig struct {
	Driver string     `yaml:"driver"` // local|s3
	S3     S3Settings `yaml:"s3"`
}

// S3Settings for an S3 compatible bucket.
type S3Settings struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	Prefix       string `yaml:"prefix"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Binary units: Ki, Mi, Gi, KiB, MiB, GiB. Decimal units: KB, MB, GB. Bare numbers are bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	units := []struct {
		suffix string
		value  uint64
	}{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size in %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, applies defaults and validates it.
// If path is empty, it will attempt to read from env var HEIC2PNG_CONFIG, then "config.yaml".
// A missing config.yaml (the implicit default) is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - operator supplied config path
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
		// run on defaults
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if cfg.Registry.Driver == "sqlite" && cfg.Registry.SQLitePath == "" {
		cfg.Registry.SQLitePath = filepath.Join(cfg.Server.StorageDir, "heic2png.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(50 * 1024 * 1024)
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}
	cfg.Server.ExternalBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.ExternalBaseURL), "/")

	// Conversion defaults
	if cfg.Conversion.Workers == 0 {
		cfg.Conversion.Workers = 4
	}
	if cfg.Conversion.Timeout == 0 {
		cfg.Conversion.Timeout = 2 * time.Minute
	}
	if cfg.Conversion.Converter == "" {
		cfg.Conversion.Converter = "exec"
	}
	if strings.EqualFold(cfg.Conversion.Converter, "exec") {
		if strings.TrimSpace(cfg.Conversion.Exec.Command) == "" {
			cfg.Conversion.Exec.Command = "heif-convert"
		}
		if len(cfg.Conversion.Exec.Args) == 0 {
			cfg.Conversion.Exec.Args = []string{"{input}", "{output}"}
		}
	}
	if cfg.Conversion.Mock.Images == 0 {
		cfg.Conversion.Mock.Images = 1
	}

	// Registry defaults
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = "memory"
	}
	if cfg.Registry.RedisPrefix == "" {
		cfg.Registry.RedisPrefix = "heic2png:"
	}

	// Artifact defaults
	if cfg.Artifacts.Driver == "" {
		cfg.Artifacts.Driver = "local"
	}
	if cfg.Artifacts.S3.Region == "" {
		cfg.Artifacts.S3.Region = "us-east-1"
	}
	cfg.Artifacts.S3.Prefix = normalizeKeyPrefix(cfg.Artifacts.S3.Prefix)
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.ExternalBaseURL != "" {
		u, err := url.Parse(cfg.Server.ExternalBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.externalBaseURL must be an absolute URL, got %q", cfg.Server.ExternalBaseURL)
		}
	}
	switch strings.ToLower(cfg.Server.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("server.logFormat %q unsupported", cfg.Server.LogFormat)
	}
	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}

	if cfg.Conversion.Workers < 0 {
		return fmt.Errorf("conversion.workers must be positive")
	}
	if cfg.Conversion.Timeout < 0 {
		return fmt.Errorf("conversion.timeout must not be negative")
	}
	switch strings.ToLower(cfg.Conversion.Converter) {
	case "exec":
		if strings.TrimSpace(cfg.Conversion.Exec.Command) == "" {
			return fmt.Errorf("conversion.exec.command is required")
		}
	case "mock":
	default:
		return fmt.Errorf("conversion.converter %q unsupported", cfg.Conversion.Converter)
	}

	switch strings.ToLower(cfg.Registry.Driver) {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Registry.RedisURL) == "" {
			return fmt.Errorf("registry.redisURL is required")
		}
	default:
		return fmt.Errorf("registry.driver %q unsupported", cfg.Registry.Driver)
	}

	switch strings.ToLower(cfg.Artifacts.Driver) {
	case "local":
	case "s3":
		if strings.TrimSpace(cfg.Artifacts.S3.Bucket) == "" {
			return fmt.Errorf("artifacts.s3.bucket is required")
		}
	default:
		return fmt.Errorf("artifacts.driver %q unsupported", cfg.Artifacts.Driver)
	}
	return nil
}

// normalizeKeyPrefix turns "./a\b" into "a/b/"; an empty prefix stays empty.
func normalizeKeyPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	return p
}
