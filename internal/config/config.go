package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Settings SettingsConfig `yaml:"settings"`
	Poll     PollConfig     `yaml:"poll"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
	Servers  []ServerConfig `yaml:"servers"`
}

// SettingsConfig locates the Configuration Store file.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// PollConfig controls how sessions poll their server.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	DevicesPath string        `yaml:"devices_path"`
	StatsPath   string        `yaml:"stats_path"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig seeds an endpoint into an empty Configuration Store.
type ServerConfig struct {
	DisplayName string `yaml:"display_name"`
	Hostname    string `yaml:"hostname"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AutoConnect *bool  `yaml:"auto_connect"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Settings: SettingsConfig{
			Path: "/data/servers.yaml",
		},
		Poll: PollConfig{
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			DevicesPath: "/ajax/devices.php?XML=1",
			StatsPath:   "/ajax/stats.php",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			ClientID:    "dvrsession",
			TopicPrefix: "dvr",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no session could run with.
func (c Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("config: poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	for i, s := range c.Servers {
		if s.Hostname == "" {
			return fmt.Errorf("config: servers[%d]: hostname is required", i)
		}
		if s.Port < 0 || s.Port > 65534 {
			return fmt.Errorf("config: servers[%d]: port %d out of range", i, s.Port)
		}
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("DVR_SETTINGS_PATH"); v != "" {
		cfg.Settings.Path = v
	}
	if v := os.Getenv("DVR_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DVR_POLL_INTERVAL: %w", err)
		}
		cfg.Poll.Interval = d
	}
	if v := os.Getenv("DVR_POLL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DVR_POLL_TIMEOUT: %w", err)
		}
		cfg.Poll.Timeout = d
	}
	if v := os.Getenv("DVR_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := os.Getenv("DVR_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DVR_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("DVR_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("DVR_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DVR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DVR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DVR_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("DVR_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("DVR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DVR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
