package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeModem = "modem"

	defaultDevice = "/dev/serial/by-id/usb-HUAWEI_HUAWEI_Mobile-if00-port0"

	// noPIN is the placeholder the add-on passes when no PIN is set.
	noPIN = "-"
)

// Config holds the application configuration
type Config struct {
	// Mode selects the gateway mode; only "modem" is supported
	Mode string `yaml:"mode"`
	// Device is the path to the modem's serial port
	Device string `yaml:"device"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"pin"`
	// USBReset resets the modem's USB device before the port is opened
	USBReset bool `yaml:"usb_reset"`

	MQTTHost    string `yaml:"mqtt_host"`
	MQTTPort    int    `yaml:"mqtt_port"`
	MQTTUser    string `yaml:"mqtt_user"`
	MQTTSecret  string `yaml:"mqtt_secret"`
	SendTopic   string `yaml:"send_topic"`
	RecvTopic   string `yaml:"recv_topic"`
	StatusTopic string `yaml:"status_topic"`

	// PollInterval is the receive cycle period
	PollInterval time.Duration `yaml:"poll_interval"`
	// StatusInterval is the MQTT status report period
	StatusInterval time.Duration `yaml:"status_interval"`

	// BindAddress is the address the HTTP API listens on; empty disables it
	BindAddress string `yaml:"bind_address"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// LogFile is an optional rotated log file written next to stderr
	LogFile string `yaml:"log_file"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if config.SimPIN == noPIN {
		config.SimPIN = ""
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.Mode != ModeModem {
		return fmt.Errorf("unsupported mode %q, expected %q", c.Mode, ModeModem)
	}
	if c.Device == "" {
		return errors.New("device is required")
	}
	if c.MQTTHost == "" {
		return errors.New("mqtt host is required")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("invalid mqtt port %d", c.MQTTPort)
	}
	return nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.Mode = ModeModem
		c.Device = defaultDevice
		c.BaudRate = 115200
		c.MQTTHost = "homeassistant.local"
		c.MQTTPort = 1883
		c.MQTTUser = "mqtt"
		c.MQTTSecret = "mqtt"
		c.SendTopic = "send_sms"
		c.RecvTopic = "sms_received"
		c.StatusTopic = "sms_gateway/status"
		c.PollInterval = 30 * time.Second
		c.StatusInterval = 3 * time.Minute
		c.BindAddress = ""
		c.LogLevel = "info"
		return nil
	}
}

// WithFile loads configuration from a YAML file. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if mode := os.Getenv("GATEWAY_MODE"); mode != "" {
			c.Mode = mode
		}

		if device := os.Getenv("GSM_DEVICE"); device != "" {
			c.Device = device
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if host := os.Getenv("MQTT_HOST"); host != "" {
			c.MQTTHost = host
		}

		if port := os.Getenv("MQTT_PORT"); port != "" {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("MQTT_PORT: %w", err)
			}
			c.MQTTPort = p
		}

		if user := os.Getenv("MQTT_USER"); user != "" {
			c.MQTTUser = user
		}

		if secret := os.Getenv("MQTT_SECRET"); secret != "" {
			c.MQTTSecret = secret
		}

		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if file := os.Getenv("LOG_FILE"); file != "" {
			c.LogFile = file
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags. Only flags set on
// the command line override earlier sources.
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			value := f.Value.String()
			switch f.Name {
			case "mode":
				c.Mode = value
			case "device", "d":
				c.Device = value
			case "baud-rate":
				if b, convErr := strconv.Atoi(value); convErr == nil {
					c.BaudRate = b
				}
			case "pin":
				c.SimPIN = value
			case "usb-reset":
				c.USBReset = value == "true"
			case "user", "u":
				c.MQTTUser = value
			case "secret", "s":
				c.MQTTSecret = value
			case "host", "r":
				c.MQTTHost = value
			case "port", "p":
				p, convErr := strconv.Atoi(value)
				if convErr != nil {
					err = fmt.Errorf("--%s: %w", f.Name, convErr)
					return
				}
				c.MQTTPort = p
			case "send":
				c.SendTopic = value
			case "recv":
				c.RecvTopic = value
			case "status":
				c.StatusTopic = value
			case "log":
				c.LogFile = value
			case "log-level":
				c.LogLevel = value
			case "bind-address":
				c.BindAddress = value
			}
		})
		return err
	}
}
