package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
	"i4.energy/across/gsmbridge/bridge"
	"i4.energy/across/gsmbridge/health"
	"i4.energy/across/gsmbridge/modem"
	"i4.energy/across/gsmbridge/poller"
	"i4.energy/across/gsmbridge/recovery"
)

const (
	deviceTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	resetPause      = 2 * time.Second
)

var errModemClosed = errors.New("modem connection closed")

// gateway brings the modem up and runs the receive loop, the MQTT bridge
// and the HTTP API until one of them fails or the context ends.
type gateway struct {
	config *Config
	logger *slog.Logger

	dialer      modem.Dialer
	usb         []recovery.Strategy
	settleDelay time.Duration
	resetPause  time.Duration
}

func newGateway(config *Config, logger *slog.Logger) *gateway {
	target := recovery.USBTarget{
		Device: config.Device,
		Logger: logger.With("component", "recovery"),
	}
	return &gateway{
		config: config,
		logger: logger,
		dialer: modem.SerialDialer{
			PortName: config.Device,
			BaudRate: config.BaudRate,
		},
		usb:         target.Strategies(),
		settleDelay: 2 * time.Second,
		resetPause:  resetPause,
	}
}

func (g *gateway) modemConfig() (modem.Config, error) {
	return modem.NewConfigBuilder().
		WithDialer(g.dialer).
		WithDevice(g.config.Device).
		WithSimPIN(g.config.SimPIN).
		WithSettleDelay(g.settleDelay).
		WithLogger(g.logger).
		Build()
}

// bringUp dials, initializes and sweeps read messages. When the port opened
// but a later step failed, the modem is returned along with the error so
// the AT ladder can still talk to it.
func (g *gateway) bringUp(ctx context.Context) (*modem.Modem, error) {
	config, err := g.modemConfig()
	if err != nil {
		return nil, err
	}

	transport, err := g.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	m := modem.Attach(transport, config)

	initCtx, cancel := context.WithTimeout(ctx, modem.OpStartup.Deadline())
	defer cancel()
	if err := m.Initialize(initCtx); err != nil {
		return m, fmt.Errorf("initialize modem: %w", err)
	}

	swept, err := m.SMS().Sweep(ctx)
	if err != nil {
		return m, fmt.Errorf("startup sweep: %w", err)
	}
	g.logger.Info("Modem ready", "device", g.config.Device, "swept", swept)
	return m, nil
}

// start opens the modem. A failed first attempt runs the AT ladder on the
// open port and, when that does not help, the USB ladder, then reopens once.
func (g *gateway) start(ctx context.Context) (*modem.Modem, error) {
	if g.config.USBReset {
		g.logger.Info("Resetting modem USB device before open")
		recovery.NewLadder("usb", g.logger, g.usb...).Run(ctx)
		if err := recovery.WaitForDevice(ctx, g.config.Device, deviceTimeout); err != nil {
			return nil, err
		}
	}

	m, err := g.bringUp(ctx)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, modem.ErrSIMPinRequired) || ctx.Err() != nil {
		closeModem(m)
		return nil, err
	}
	g.logger.Warn("Modem startup failed, starting recovery", "error", err)

	recovered := false
	if m != nil && m.State().Open {
		report := recovery.NewLadder("at", g.logger,
			&recovery.SoftCommands{Commander: m.Correlator(), Logger: g.logger},
			&recovery.ATReset{Commander: m.Correlator(), Pause: g.resetPause, Logger: g.logger},
		).Run(ctx)
		recovered = report.Recovered()
	}
	closeModem(m)

	if !recovered {
		recovery.NewLadder("usb", g.logger, g.usb...).Run(ctx)
	}
	if err := recovery.WaitForDevice(ctx, g.config.Device, deviceTimeout); err != nil {
		return nil, err
	}

	m, err = g.bringUp(ctx)
	if err != nil {
		closeModem(m)
		return nil, fmt.Errorf("modem startup failed after recovery: %w", err)
	}
	return m, nil
}

func closeModem(m *modem.Modem) {
	if m == nil {
		return
	}
	m.Close()
	<-m.Done()
}

// startupError picks the error kind reported on the status topic.
func startupError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, modem.ErrTimeout):
		return bridge.ErrorTimeout
	case errors.Is(err, modem.ErrConnection):
		return bridge.ErrorDevice
	default:
		return bridge.ErrorStartup
	}
}

func (g *gateway) mqttConfig() bridge.MQTTConfig {
	return bridge.MQTTConfig{
		Host:           g.config.MQTTHost,
		Port:           g.config.MQTTPort,
		User:           g.config.MQTTUser,
		Secret:         g.config.MQTTSecret,
		SendTopic:      g.config.SendTopic,
		RecvTopic:      g.config.RecvTopic,
		StatusTopic:    g.config.StatusTopic,
		StatusInterval: g.config.StatusInterval,
		Logger:         g.logger,
	}
}

// run returns nil after ctx ends and the cause of the stop otherwise.
func (g *gateway) run(ctx context.Context) error {
	mq := bridge.NewMQTT(g.mqttConfig())
	if err := mq.Connect(ctx); err != nil {
		return err
	}
	defer mq.Close()

	m, err := g.start(ctx)
	if err != nil {
		status := bridge.ErrorStatus(startupError(err), err.Error(), time.Now())
		if pubErr := mq.PublishStatus(ctx, status); pubErr != nil {
			g.logger.Error("Failed to publish error status", "error", pubErr)
		}
		return err
	}
	defer closeModem(m)

	monitor := health.NewMonitor(m.Correlator(), g.logger)
	reporter := &bridge.Reporter{
		Source:    monitor,
		Device:    g.config.Device,
		Mode:      g.config.Mode,
		Connected: mq.Connected,
	}
	p := poller.New(poller.Options{
		Hang:      m.Correlator(),
		Health:    monitor,
		Inbox:     m.SMS(),
		Deliverer: mq,
		Interval:  g.config.PollInterval,
		Logger:    g.logger,
	})
	if err := mq.Serve(m.SMS()); err != nil {
		return fmt.Errorf("subscribe send topic: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return p.Run(ctx) })
	group.Go(func() error { return mq.Run(ctx, reporter) })
	group.Go(func() error { return watchModem(ctx, m) })
	group.Go(func() error { return watchdog(ctx, p) })
	if g.config.BindAddress != "" {
		g.serveHTTP(ctx, group, &bridge.Server{
			Logger:   g.logger.With("component", "server"),
			Sender:   m.SMS(),
			Reporter: reporter,
			Ready:    func() bool { return p.State() != poller.StateStopped },
		})
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)
	g.logger.Info("SMS gateway is running", "send_topic", g.config.SendTopic, "recv_topic", g.config.RecvTopic)

	err = group.Wait()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

func (g *gateway) serveHTTP(ctx context.Context, group *errgroup.Group, server *bridge.Server) {
	httpServer := &http.Server{
		Addr:              g.config.BindAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		g.logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
}

// watchModem fails when the parser stops underneath the poller.
func watchModem(ctx context.Context, m *modem.Modem) error {
	select {
	case <-ctx.Done():
		return nil
	case <-m.Done():
		if err := m.Err(); err != nil {
			return err
		}
		return errModemClosed
	}
}

// watchdog pets the systemd watchdog while the poller runs.
func watchdog(ctx context.Context, p *poller.Poller) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.State() == poller.StateRunning {
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
