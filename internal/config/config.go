package config

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile   = "/etc/powerd.toml"
	DefaultEnvPrefix    = "POWERD"
	DefaultLogLevel     = "info"
	DefaultPollInterval = 30
	DefaultSocket       = "@powerd"
	DefaultSysfsRoot    = "/sys"
	DefaultMsrRoot      = "/dev/cpu"
	DefaultPIDFile      = "/run/powerd.pid"
	DefaultHistoryDB    = "/var/lib/powerd/history.db"
)

// DefaultProfiles maps the power source to a profile file. Both entries are
// required when the table is present.
type DefaultProfiles struct {
	AC      string `mapstructure:"ac"`
	Battery string `mapstructure:"battery"`
}

// PPDProfiles maps each named profile to the file applied for it.
type PPDProfiles struct {
	PowerSaver  string `mapstructure:"power-saver"`
	Balanced    string `mapstructure:"balanced"`
	Performance string `mapstructure:"performance"`
}

type HistoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Database string `mapstructure:"database"`
}

type Config struct {
	Profiles     string           `mapstructure:"profiles"`
	Default      *DefaultProfiles `mapstructure:"default"`
	PPD          PPDProfiles      `mapstructure:"ppd"`
	PollInterval int              `mapstructure:"poll_interval"`
	LogLevel     string           `mapstructure:"log_level"`
	Socket       string           `mapstructure:"socket"`
	DBus         bool             `mapstructure:"dbus"`
	SysfsRoot    string           `mapstructure:"sysfs_root"`
	MsrRoot      string           `mapstructure:"msr_root"`
	PIDFile      string           `mapstructure:"pid_file"`
	History      HistoryConfig    `mapstructure:"history"`
}

// Load reads the daemon configuration from the config file, the environment
// and any bound flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if o.flags != nil {
		for key, name := range flagBindings {
			flag := o.flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	configFile := o.configPath
	if configFile == "" {
		configFile = os.Getenv(o.envPrefix + "_CONFIG")
	}
	explicit := configFile != ""
	if !explicit {
		configFile = DefaultConfigFile
	}

	v.SetConfigFile(configFile)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
		logger.Debug().Str("path", configFile).Msg("No config file found, using defaults")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var flagBindings = map[string]string{
	"log_level": "log-level",
	"profiles":  "profiles",
	"socket":    "socket",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("socket", DefaultSocket)
	v.SetDefault("dbus", true)
	v.SetDefault("sysfs_root", DefaultSysfsRoot)
	v.SetDefault("msr_root", DefaultMsrRoot)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database", DefaultHistoryDB)

	// Registered so AutomaticEnv can see them during Unmarshal.
	v.SetDefault("profiles", "")
	v.SetDefault("ppd.power-saver", "")
	v.SetDefault("ppd.balanced", "")
	v.SetDefault("ppd.performance", "")
}

// Validate checks the loaded configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Profiles == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "profiles directory is not configured")
	}

	named := map[string]string{
		"power-saver": c.PPD.PowerSaver,
		"balanced":    c.PPD.Balanced,
		"performance": c.PPD.Performance,
	}
	for _, name := range []string{"power-saver", "balanced", "performance"} {
		if named[name] == "" {
			return errFactory.WithMessage(errors.ErrMissingConfig, fmt.Sprintf("ppd.%s profile is not configured", name))
		}
	}

	if c.Default != nil && (c.Default.AC == "" || c.Default.Battery == "") {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "default profiles need both ac and battery")
	}

	if c.PollInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollInterval)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.History.Enabled && c.History.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "history is enabled without a database path")
	}

	return nil
}

func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// BatteryAware reports whether an AC/battery default mapping is configured.
func (c *Config) BatteryAware() bool {
	return c.Default != nil
}
