package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	GNSS   GNSSConfig   `yaml:"gnss"`
	Host   HostConfig   `yaml:"host"`
	Update UpdateConfig `yaml:"update"`
	UDP    UDPConfig    `yaml:"udp"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Web    WebConfig    `yaml:"web"`
	Log    LogConfig    `yaml:"log"`
}

type GNSSConfig struct {
	// Source is one of serial, gpsd, replay.
	Source   string       `yaml:"source"`
	Device   string       `yaml:"device"`
	Baud     int          `yaml:"baud"`
	GPSDAddr string       `yaml:"gpsd_addr"`
	Replay   ReplayConfig `yaml:"replay"`
}

type ReplayConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Loop     bool          `yaml:"loop"`
}

type HostConfig struct {
	WakelockName      string `yaml:"wakelock_name"`
	TimeUncertaintyMS int    `yaml:"time_uncertainty_ms"`
	PowerGPIO         int    `yaml:"power_gpio"`
	SysfsDir          string `yaml:"sysfs_dir"`
}

type UpdateConfig struct {
	// Interval of the periodic location update; 0 disables it.
	Interval time.Duration `yaml:"interval"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   *bool  `yaml:"compress"`
}

const (
	SourceSerial = "serial"
	SourceGPSD   = "gpsd"
	SourceReplay = "replay"
)

var supportedBauds = []int{4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	g := &cfg.GNSS
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = SourceSerial
	}
	switch g.Source {
	case SourceSerial:
		if g.Baud == 0 {
			g.Baud = 9600
		}
		if !validBaud(g.Baud) {
			return fmt.Errorf("gnss.baud %d is not supported (use one of %v)", g.Baud, supportedBauds)
		}
	case SourceGPSD:
		if strings.TrimSpace(g.GPSDAddr) == "" {
			g.GPSDAddr = "127.0.0.1:2947"
		}
	case SourceReplay:
		if strings.TrimSpace(g.Replay.Path) == "" {
			return fmt.Errorf("gnss.replay.path is required when gnss.source is 'replay'")
		}
		if g.Replay.Interval < 0 {
			return fmt.Errorf("gnss.replay.interval must be >= 0")
		}
	default:
		return fmt.Errorf("gnss.source must be one of serial, gpsd, replay (got %q)", g.Source)
	}

	if strings.TrimSpace(cfg.Host.WakelockName) == "" {
		cfg.Host.WakelockName = "gnsshal"
	}
	if cfg.Host.TimeUncertaintyMS == 0 {
		cfg.Host.TimeUncertaintyMS = 1000
	}
	if cfg.Host.TimeUncertaintyMS < 0 {
		return fmt.Errorf("host.time_uncertainty_ms must be >= 0")
	}
	if cfg.Host.PowerGPIO < 0 {
		return fmt.Errorf("host.power_gpio must be >= 0")
	}

	if cfg.Update.Interval < 0 {
		return fmt.Errorf("update.interval must be >= 0")
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.MQTT.Enable && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "gnsshal"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "gnss"
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 20
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Log.Compress == nil {
		v := true
		cfg.Log.Compress = &v
	}
	return nil
}

func validBaud(b int) bool {
	for _, v := range supportedBauds {
		if v == b {
			return true
		}
	}
	return false
}
