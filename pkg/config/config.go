package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           uint32           `yaml:"port"`
	BindAddresses  []string         `yaml:"bind_addresses"`
	PrometheusPort uint32           `yaml:"prometheus_port,omitempty"`
	RTC            RTCConfig        `yaml:"rtc,omitempty"`
	Conference     ConferenceConfig `yaml:"conference,omitempty"`
	Recording      RecordingConfig  `yaml:"recording,omitempty"`
	Redis          RedisConfig      `yaml:"redis,omitempty"`
	Nats           NatsConfig       `yaml:"nats,omitempty"`
	LogLevel       string           `yaml:"log_level,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RTCConfig struct {
	// UDP port range for ICE. zero values let the OS pick.
	PortRangeStart uint16 `yaml:"port_range_start,omitempty"`
	PortRangeEnd   uint16 `yaml:"port_range_end,omitempty"`
	// STUN servers to use for candidate harvesting
	STUNServers []string `yaml:"stun_servers,omitempty"`
}

type ConferenceConfig struct {
	// conferences idle longer than this are swept by the bridge
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
	// delay applied to ranked-speaker pushes; 0 pushes immediately
	SpeakerOrderDebounce time.Duration `yaml:"speaker_order_debounce,omitempty"`
}

type RecordingConfig struct {
	Enabled bool `yaml:"enabled"`
	// base directory; each conference records into its own subdirectory
	Path string `yaml:"path,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type NatsConfig struct {
	Url   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	// start with defaults
	conf := &Config{
		Port: 7880,
		Conference: ConferenceConfig{
			IdleTimeout: 5 * time.Minute,
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if conf.Recording.Path != "" {
		path, err := homedir.Expand(conf.Recording.Path)
		if err != nil {
			return nil, errors.Wrap(err, "could not expand recording path")
		}
		conf.Recording.Path = path
	}

	return conf, nil
}

func (conf *Config) HasRedis() bool {
	return conf.Redis.Address != ""
}

func (conf *Config) HasNats() bool {
	return conf.Nats.Url != ""
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("recording-dir") {
		conf.Recording.Enabled = true
		conf.Recording.Path = c.String("recording-dir")
	}
	if c.Bool("dev") {
		conf.Development = true
		if conf.LogLevel == "" {
			conf.LogLevel = "debug"
		}
	}
	return nil
}

func GetConfigString(configFile, inlineConfig string) (string, error) {
	if inlineConfig != "" {
		return inlineConfig, nil
	}
	if configFile == "" {
		return "", nil
	}
	content, err := os.ReadFile(configFile)
	if err != nil {
		return "", fmt.Errorf("could not read config file %s: %w", configFile, err)
	}
	return string(content), nil
}
