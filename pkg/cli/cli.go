package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dmdmdm-nz/netwatchd/pkg/version"
)

const (
	DefaultHost   = "127.0.0.1"
	DefaultPort   = 60180
	DefaultPeriod = 30 * time.Second

	EnvPrefix = "NETWATCHD"
)

var LogLevels = []string{"trace", "debug", "info", "warn", "error"}

// Config holds the application configuration
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Period           time.Duration `mapstructure:"period"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFile          string        `mapstructure:"log-file"`
	UnprivilegedICMP bool          `mapstructure:"unprivileged-icmp"`
	WatchLinks       bool          `mapstructure:"watch-links"`
	Advertise        bool          `mapstructure:"advertise"`
	ShowVersion      bool          `mapstructure:"version"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("netwatchd", pflag.ContinueOnError)
	fs.String("host", DefaultHost, "Host to bind the API to")
	fs.Int("port", DefaultPort, "Port to listen on")
	fs.Duration("period", DefaultPeriod, "Connectivity check period (0 disables checks and always reports up)")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "Also write logs to this file, rotated by size")
	fs.Bool("unprivileged-icmp", false, "Use unprivileged ICMP datagram sockets instead of raw sockets")
	fs.Bool("watch-links", true, "Recheck connectivity when network interfaces change")
	fs.Bool("advertise", false, "Advertise the API over mDNS")
	fs.String("config", "", "Path to a YAML config file")
	fs.Bool("version", false, "Show version information")
	return fs
}

// Parse reads configuration from args, NETWATCHD_* environment variables
// and an optional config file, in that order of precedence.
func Parse(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		Period:           v.GetDuration("period"),
		LogLevel:         strings.ToLower(v.GetString("log-level")),
		LogFile:          v.GetString("log-file"),
		UnprivilegedICMP: v.GetBool("unprivileged-icmp"),
		WatchLinks:       v.GetBool("watch-links"),
		Advertise:        v.GetBool("advertise"),
		ShowVersion:      v.GetBool("version"),
	}
	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseFlags parses the command line and exits on --version or invalid input.
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("netwatchd %s\n", version.String())
		os.Exit(0)
	}

	return cfg
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required, is.Host),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogLevel, validation.Required, validation.In(toAny(LogLevels)...)),
		validation.Field(&c.Period, validation.Min(time.Duration(0))),
	)
}

// Addr is the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, Period: %s, LogLevel: %s, UnprivilegedICMP: %t, WatchLinks: %t, Advertise: %t",
		c.Host, c.Port, c.Period, c.LogLevel, c.UnprivilegedICMP, c.WatchLinks, c.Advertise)
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
