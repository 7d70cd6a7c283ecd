package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	flag.String("mode", ModeModem, "Gateway mode")
	flag.String("device", defaultDevice, "Serial device of the modem")
	flag.String("d", defaultDevice, "Shorthand for --device")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("pin", noPIN, "SIM card PIN code, - for none")
	flag.Bool("usb-reset", false, "Reset the modem USB device before opening it")
	flag.String("user", "mqtt", "MQTT user")
	flag.String("u", "mqtt", "Shorthand for --user")
	flag.String("secret", "mqtt", "MQTT password")
	flag.String("s", "mqtt", "Shorthand for --secret")
	flag.String("host", "homeassistant.local", "MQTT broker host")
	flag.String("r", "homeassistant.local", "Shorthand for --host")
	flag.Int("port", 1883, "MQTT broker port")
	flag.Int("p", 1883, "Shorthand for --port")
	flag.String("send", "send_sms", "MQTT topic for send requests")
	flag.String("recv", "sms_received", "MQTT topic for received messages")
	flag.String("status", "sms_gateway/status", "MQTT topic for gateway status")
	flag.String("log", "", "Log file, rotated; empty logs to stderr only")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("bind-address", "", "Bind address for the HTTP API, empty disables it")
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	config, err := LoadConfig(WithDefaults(), WithFile(configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	logger, closer := newLogger(config.LogLevel, config.LogFile, os.Stderr)
	defer closer.Close()

	logger.Info("Starting SMS Gateway",
		"mode", config.Mode,
		"device", config.Device,
		"pin_set", config.SimPIN != "",
		"mqtt_host", config.MQTTHost,
		"mqtt_port", config.MQTTPort,
		"mqtt_user", config.MQTTUser,
		"send_topic", config.SendTopic,
		"recv_topic", config.RecvTopic,
		"status_topic", config.StatusTopic,
		"log_level", config.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = newGateway(config, logger).run(ctx)
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal, SMS gateway stopped")
		return 0
	}
	if err != nil {
		// A supervisor restarts the process.
		logger.Error("SMS gateway stopped", "error", err)
		return 1
	}
	return 0
}
