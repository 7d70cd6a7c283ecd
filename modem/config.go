package modem

import (
	"log/slog"
	"slices"
	"time"

	"i4.energy/across/gsmbridge/at"
)

// Config holds the engine settings. Build one with NewConfigBuilder.
type Config struct {
	dialer             Dialer
	device             string
	simPIN             string
	atTimeout          time.Duration
	initTimeout        time.Duration
	maxCommandDuration time.Duration
	lockTimeout        time.Duration
	settleDelay        time.Duration
	messagePause       time.Duration
	vendorCommands     []string
	logger             *slog.Logger
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.atTimeout == 0 {
		c.atTimeout = 15 * time.Second
	}
	if c.initTimeout == 0 {
		c.initTimeout = OpStartup.Deadline()
	}
	if c.maxCommandDuration == 0 {
		c.maxCommandDuration = DefaultMaxCommandDuration
	}
	if c.settleDelay < 0 {
		c.settleDelay = 0
	}
	if c.messagePause < 0 {
		c.messagePause = 0
	}
	if c.vendorCommands == nil {
		c.vendorCommands = []string{at.CmdCurcOff, at.CmdAutoOperator}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: Config{
		settleDelay:  2 * time.Second,
		messagePause: 500 * time.Millisecond,
	}}
}

// WithDialer sets how the modem connection is opened. Required.
func (b *ConfigBuilder) WithDialer(dialer Dialer) *ConfigBuilder {
	b.config.dialer = dialer
	return b
}

// WithDevice records the device path reported in the modem state.
func (b *ConfigBuilder) WithDevice(device string) *ConfigBuilder {
	b.config.device = device
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.simPIN = pin
	return b
}

// WithATTimeout sets the reply timeout of every initialization command.
func (b *ConfigBuilder) WithATTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.atTimeout = timeout
	return b
}

// WithInitTimeout bounds the whole initialization sequence.
func (b *ConfigBuilder) WithInitTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.initTimeout = timeout
	return b
}

func (b *ConfigBuilder) WithMaxCommandDuration(d time.Duration) *ConfigBuilder {
	b.config.maxCommandDuration = d
	return b
}

// WithLockTimeout overrides the per-operation wait for the operation lock.
func (b *ConfigBuilder) WithLockTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.lockTimeout = timeout
	return b
}

// WithSettleDelay sets the pause before the storage selection at the end
// of initialization.
func (b *ConfigBuilder) WithSettleDelay(d time.Duration) *ConfigBuilder {
	b.config.settleDelay = d
	return b
}

// WithMessagePause sets the pause between consecutive messages while
// draining the store.
func (b *ConfigBuilder) WithMessagePause(d time.Duration) *ConfigBuilder {
	b.config.messagePause = d
	return b
}

// WithVendorCommands replaces the best-effort commands sent during
// initialization. An empty list disables them.
func (b *ConfigBuilder) WithVendorCommands(cmds ...string) *ConfigBuilder {
	b.config.vendorCommands = append([]string{}, cmds...)
	return b
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.logger = logger
	return b
}

// Build validates the settings and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	config := b.config
	config.vendorCommands = slices.Clone(config.vendorCommands)
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	config.setDefaults()
	return config, nil
}
