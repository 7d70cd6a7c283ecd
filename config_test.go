package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		config, err := LoadConfig(WithDefaults())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Device != defaultDevice || config.MQTTHost != "homeassistant.local" || config.MQTTPort != 1883 {
			t.Errorf("unexpected defaults: %+v", config)
		}
		if config.SendTopic != "send_sms" || config.RecvTopic != "sms_received" || config.StatusTopic != "sms_gateway/status" {
			t.Errorf("unexpected topics: %+v", config)
		}
		if config.PollInterval != 30*time.Second || config.StatusInterval != 3*time.Minute {
			t.Errorf("unexpected intervals: %v %v", config.PollInterval, config.StatusInterval)
		}
	})

	t.Run("File overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.yaml")
		data := "device: /dev/ttyUSB2\nmqtt_host: broker.lan\nmqtt_port: 8883\npoll_interval: 10s\nusb_reset: true\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}

		config, err := LoadConfig(WithDefaults(), WithFile(path))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Device != "/dev/ttyUSB2" || config.MQTTHost != "broker.lan" || config.MQTTPort != 8883 {
			t.Errorf("expected file values, got: %+v", config)
		}
		if config.PollInterval != 10*time.Second || !config.USBReset {
			t.Errorf("expected file values, got: %v %v", config.PollInterval, config.USBReset)
		}
		if config.MQTTUser != "mqtt" {
			t.Errorf("expected default to survive, got: %s", config.MQTTUser)
		}
	})

	t.Run("Missing file", func(t *testing.T) {
		if _, err := LoadConfig(WithDefaults(), WithFile("/nonexistent/gateway.yaml")); err == nil {
			t.Error("expected error for a missing file")
		}
	})

	t.Run("Env overrides file", func(t *testing.T) {
		t.Setenv("GSM_DEVICE", "/dev/ttyACM0")
		t.Setenv("MQTT_PORT", "1884")
		t.Setenv("SIM_PIN", "1234")
		t.Setenv("LOG_FILE", "/var/log/gsmbridge.log")

		config, err := LoadConfig(WithDefaults(), WithEnv())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Device != "/dev/ttyACM0" || config.MQTTPort != 1884 || config.SimPIN != "1234" {
			t.Errorf("expected env values, got: %+v", config)
		}
		if config.LogFile != "/var/log/gsmbridge.log" {
			t.Errorf("expected log file from env, got: %s", config.LogFile)
		}
	})

	t.Run("Invalid env port", func(t *testing.T) {
		t.Setenv("MQTT_PORT", "broker")
		if _, err := LoadConfig(WithDefaults(), WithEnv()); err == nil {
			t.Error("expected error for a non-numeric port")
		}
	})

	t.Run("Flags and shorthands", func(t *testing.T) {
		fSet := flag.NewFlagSet("test", flag.ContinueOnError)
		fSet.String("d", "", "")
		fSet.String("pin", "", "")
		fSet.String("r", "", "")
		fSet.Int("p", 0, "")
		fSet.String("log-level", "", "")
		fSet.String("recv", "", "")
		if err := fSet.Parse([]string{"-d", "/dev/ttyUSB3", "--pin", "-", "-r", "10.0.0.2", "-p", "1885", "--log-level", "DEBUG", "--recv", "inbox"}); err != nil {
			t.Fatal(err)
		}

		config, err := LoadConfig(WithDefaults(), WithFlags(fSet))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Device != "/dev/ttyUSB3" || config.MQTTHost != "10.0.0.2" || config.MQTTPort != 1885 {
			t.Errorf("expected flag values, got: %+v", config)
		}
		if config.SimPIN != "" {
			t.Errorf("expected the PIN placeholder to mean no PIN, got: %q", config.SimPIN)
		}
		if config.LogLevel != "DEBUG" || config.RecvTopic != "inbox" {
			t.Errorf("expected flag values, got: %+v", config)
		}
	})

	t.Run("Unset flags keep earlier values", func(t *testing.T) {
		t.Setenv("MQTT_HOST", "from-env")
		fSet := flag.NewFlagSet("test", flag.ContinueOnError)
		fSet.String("host", "homeassistant.local", "")
		fSet.Parse(nil)

		config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(fSet))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.MQTTHost != "from-env" {
			t.Errorf("expected env host, got: %s", config.MQTTHost)
		}
	})

	t.Run("Unsupported mode", func(t *testing.T) {
		t.Setenv("GATEWAY_MODE", "api")
		if _, err := LoadConfig(WithDefaults(), WithEnv()); err == nil {
			t.Error("expected error for an unsupported mode")
		}
	})
}
