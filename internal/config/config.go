package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/agentd/internal/env"
	"github.com/loykin/agentd/internal/logger"
)

// EnvPrefix is the prefix of environment overrides: server.listen is read
// from AGENTD_SERVER_LISTEN.
const EnvPrefix = "AGENTD"

// BaseDir is where runtime files live unless configured otherwise.
const BaseDir = "run"

// Config is the top-level TOML structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     logger.Config `mapstructure:"log"`
	Fleet   FleetConfig   `mapstructure:"fleet"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`

	// Path is the file the config was read from, empty when only defaults
	// and environment were used.
	Path string `mapstructure:"-"`
}

type ServerConfig struct {
	// Listen is the public TCP address.
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
	// Socket is the privileged unix socket path.
	Socket          string        `mapstructure:"socket" validate:"required"`
	PIDFile         string        `mapstructure:"pidfile"`
	KeepProcesses   bool          `mapstructure:"keep_processes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
	MinVersion   string     `mapstructure:"min_version" validate:"omitempty,oneof=default 1.2 1.3"`
	MaxVersion   string     `mapstructure:"max_version" validate:"omitempty,oneof=default 1.2 1.3"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses" validate:"dive,ip"`
	ValidDays    int      `mapstructure:"valid_days" validate:"gte=0"`
}

type StoreConfig struct {
	// DSN selects the registry backend: bolt://path, sqlite://path,
	// postgres://... or a bare file path (bolt).
	DSN         string        `mapstructure:"dsn" validate:"required"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
}

type FleetConfig struct {
	// Hosts are the public base URLs of every daemon in the fleet,
	// including this one.
	Hosts   []string      `mapstructure:"hosts" validate:"dive,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type WorkerConfig struct {
	Dir         string        `mapstructure:"dir"`
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gt=0"`
	MaxInterval time.Duration `mapstructure:"max_interval" validate:"gtefield=MinInterval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
	// ResourceInterval is how often child resource usage is sampled; zero
	// disables sampling.
	ResourceInterval time.Duration `mapstructure:"resource_interval" validate:"gte=0"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Sinks are DSNs understood by the history factory.
	Sinks []string `mapstructure:"sinks" validate:"required_if=Enabled true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8888")
	v.SetDefault("server.socket", filepath.Join(BaseDir, "agent.sock"))
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.keep_processes", false)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")

	v.SetDefault("store.dsn", "bolt://"+filepath.Join(BaseDir, "agentd.db"))
	v.SetDefault("store.lock_timeout", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.quiet", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("fleet.hosts", []string{})
	v.SetDefault("fleet.timeout", 10*time.Second)

	v.SetDefault("worker.dir", filepath.Join(BaseDir, "workers"))
	v.SetDefault("worker.min_interval", 3*time.Second)
	v.SetDefault("worker.max_interval", 7*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resource_interval", 15*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
}

// Load reads the TOML file at path (optional) over the defaults, applies
// AGENTD_* environment overrides and validates the result. Relative paths
// are resolved against the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	c.Path = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("invalid config: metrics.listen is required when metrics are enabled")
	}
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return errors.New("invalid config: server.tls needs cert_file and key_file or dir")
	}
	return nil
}

func (c *Config) resolvePaths() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	c.Server.Socket = abs(c.Server.Socket)
	c.Server.PIDFile = abs(c.Server.PIDFile)
	c.Worker.Dir = abs(c.Worker.Dir)
	c.Log.File.Path = abs(c.Log.File.Path)
	if p, ok := strings.CutPrefix(c.Store.DSN, "bolt://"); ok {
		c.Store.DSN = "bolt://" + abs(p)
	}
}

// PublicURL is the base URL of the public channel as seen from this host.
func (c *Config) PublicURL() string {
	scheme := "http"
	if c.Server.TLS.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return scheme + "://" + c.Server.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// ChildEnv is the environment of spawned tasks: the daemon's own plus the
// variables that point a task back at this daemon.
func (c *Config) ChildEnv(host string) []string {
	return env.New().
		WithSet(env.ConfigVar, c.Path).
		WithSet(env.SocketVar, c.Server.Socket).
		WithSet(env.URLVar, c.PublicURL()).
		WithSet(env.HostVar, host).
		Merge(nil)
}
