// Package config holds the socksfarm settings: built-in defaults, an
// optional YAML file, and command-line flags, applied in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// MinInterval is the shortest accepted worker interval.
const MinInterval = 10 * time.Second

type Config struct {
	Bind       string `yaml:"bind"`
	Ports      string `yaml:"ports"`
	PublicHost string `yaml:"public_host"`
	Database   string `yaml:"database"`
	PoolFile   string `yaml:"pool_file"`

	SyncInterval   time.Duration `yaml:"sync_interval"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`
	Upstream           string        `yaml:"upstream"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Verbose   bool   `yaml:"verbose"`
}

func Default() Config {
	return Config{
		Bind:               "0.0.0.0",
		Ports:              "30000-30199",
		PublicHost:         "127.0.0.1",
		Database:           "socksfarm.db",
		PoolFile:           "data/proxy_pool.json",
		SyncInterval:       30 * time.Second,
		ExpiryInterval:     60 * time.Second,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		TCPKeepAlive:       "45:45:3",
		Upstream:           defaultUpstream(),
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// RegisterFlags binds every setting to a flag in fs, using the current
// values of c as flag defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Bind, "bind", c.Bind, "Address the pool port listeners bind to")
	fs.StringVar(&c.Ports, "ports", c.Ports, "Pool port range, start-end")
	fs.StringVar(&c.PublicHost, "public-host", c.PublicHost, "Host name placed in subscriber proxy links")
	fs.StringVar(&c.Database, "database", c.Database, "Path to the SQLite pool database")
	fs.StringVar(&c.PoolFile, "pool-file", c.PoolFile, "Path to the JSON pool description")
	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "Interval between pool syncs and listener refreshes")
	fs.DurationVar(&c.ExpiryInterval, "expiry-interval", c.ExpiryInterval, "Interval between lease expiry sweeps")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", c.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
	fs.StringVar(&c.TCPKeepAlive, "tcp-keepalive", c.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&c.Upstream, "upstream", c.Upstream, "Upstream forwarding target URL: direct:// | socks5://[user:pass@]host:port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: json|console")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable per-connection error logging")
}

// Load reads the YAML file at path into c. Flags already set on fs keep
// precedence over the file. An empty path only re-validates c.
func (c *Config) Load(path string, fs *pflag.FlagSet) error {
	if path != "" {
		changed := make(map[string]string)
		if fs != nil {
			fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		for name, v := range changed {
			if err := fs.Set(name, v); err != nil {
				return fmt.Errorf("--%s: %w", name, err)
			}
		}
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if _, _, err := c.PortRange(); err != nil {
		return fmt.Errorf("invalid ports: %w", err)
	}
	if _, err := c.KeepAlive(); err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}
	if c.SyncInterval < MinInterval {
		return fmt.Errorf("sync_interval %v is below %v", c.SyncInterval, MinInterval)
	}
	if c.ExpiryInterval < MinInterval {
		return fmt.Errorf("expiry_interval %v is below %v", c.ExpiryInterval, MinInterval)
	}
	if c.DialTimeout <= 0 || c.NegotiationTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Database == "" || c.PoolFile == "" {
		return errors.New("database and pool_file are required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) PortRange() (start, end int, err error) {
	return ParsePortRange(c.Ports)
}

func (c *Config) KeepAlive() (net.KeepAliveConfig, error) {
	return ParseTCPKeepAlive(c.TCPKeepAlive)
}

// ParsePortRange parses "start-end" or a single port.
func ParsePortRange(s string) (start, end int, err error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found {
		hi = lo
	}
	if start, err = parsePort(lo); err != nil {
		return 0, 0, err
	}
	if end, err = parsePort(hi); err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("start %d is after end %d", start, end)
	}
	return start, end, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// defaultUpstream honors ALL_PROXY only when it names a SOCKS5 proxy, the one
// kind of upstream the dialer speaks. An http:// proxy set for other tools
// falls back to dialing direct.
func defaultUpstream() string {
	p := os.Getenv("ALL_PROXY")
	if p == "" {
		p = os.Getenv("all_proxy")
	}
	if scheme, _, ok := strings.Cut(p, "://"); ok && strings.EqualFold(scheme, "socks5") {
		return p
	}
	return "direct://"
}
