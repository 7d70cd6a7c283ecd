package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"i4.energy/across/gsmbridge/at"
)

const pinTimeout = 20 * time.Second

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// A background parser is the only reader of the transport; every write goes
// through the Correlator, which admits one operation at a time.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	parser     *Parser
	correlator *Correlator
	sms        *SmsManager

	// closed is set by Close; a parser stop after it is not a failure
	closed atomic.Bool
	// done is closed when the parser stops
	done chan struct{}

	mu  sync.Mutex
	err error
}

// State is a snapshot of the modem connection for status reporting.
type State struct {
	Device string
	Open   bool
	// Err is the transport failure that stopped the parser, if any.
	Err error
}

// New dials the modem, starts the parser and runs the initialization
// sequence. The transport is closed again when initialization fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := Attach(transport, config)

	initCtx, cancel := context.WithTimeout(ctx, config.initTimeout)
	defer cancel()

	if err := m.Initialize(initCtx); err != nil {
		m.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}
	return m, nil
}

// Attach wraps an open transport and starts the parser without running the
// initialization sequence.
func Attach(transport Transport, config Config) *Modem {
	config.setDefaults()
	logger := config.logger.With("component", "modem")

	parser := NewParser(config.logger.With("component", "parser"))
	correlator := newCorrelator(transport, parser, config)

	m := &Modem{
		transport:  transport,
		config:     config,
		logger:     logger,
		parser:     parser,
		correlator: correlator,
		done:       make(chan struct{}),
	}
	m.sms = newSmsManager(correlator, config)

	go m.run()
	return m
}

func (m *Modem) run() {
	defer close(m.done)

	err := m.parser.Run(m.transport)
	if m.closed.Load() {
		m.logger.Debug("parser stopped after close")
		return
	}
	m.logger.Error("modem connection lost", "error", err)

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Initialize runs the startup command sequence under one startup operation.
func (m *Modem) Initialize(ctx context.Context) error {
	s, err := m.correlator.Begin(ctx, OpStartup)
	if err != nil {
		return err
	}
	defer s.End()

	m.logger.Info("initializing modem", "device", m.config.device)

	for _, cmd := range []string{at.CmdEchoOff, at.CmdVerboseErrors, at.CmdCharsetGSM} {
		if err := m.expectOK(s, cmd); err != nil {
			return err
		}
	}

	for _, cmd := range m.config.vendorCommands {
		if err := m.expectOK(s, cmd); err != nil {
			if errors.Is(err, ErrConnection) {
				return err
			}
			m.logger.Warn("vendor command failed, modem may not be a Huawei", "command", cmd, "error", err)
		}
	}

	if err := m.checkSIM(s); err != nil {
		return err
	}

	for _, cmd := range []string{at.CmdSetTextMode, at.CmdShowTextParams, at.CmdNewMsgIndication, at.CmdAt} {
		if err := m.expectOK(s, cmd); err != nil {
			return err
		}
	}

	if err := sleep(ctx, m.config.settleDelay); err != nil {
		return err
	}
	if err := m.expectOK(s, at.CmdStorageSIM); err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		m.logger.Warn("selecting SIM message storage failed, continuing", "error", err)
	}

	m.logger.Info("modem initialized")
	return nil
}

// checkSIM probes network registration. When the probe fails the SIM is
// unlocked with the configured PIN, or reported as locked.
func (m *Modem) checkSIM(s *Session) error {
	err := m.expectOK(s, at.CmdRegistration)
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}

	if m.config.simPIN != "" {
		m.logger.Info("registration check failed, entering SIM PIN", "error", err)
		if _, err := s.Execute(at.EnterPIN(m.config.simPIN), at.EventOK, pinTimeout); err != nil {
			if errors.Is(err, ErrConnection) {
				return err
			}
			m.logger.Warn("SIM PIN not accepted", "error", err)
		}
		return nil
	}

	reply, err := s.Execute(at.CmdSimStatus, at.EventOK, m.config.atTimeout)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		m.logger.Warn("SIM status unknown, continuing", "error", err)
		return nil
	}
	if line, ok := at.FindLine(reply.Lines, at.SimReply); ok {
		if state, _ := at.ParseSim(line); state == at.SimPin {
			return ErrSIMPinRequired
		}
	}
	m.logger.Warn("network registration check failed, continuing")
	return nil
}

func (m *Modem) expectOK(s *Session, cmd string) error {
	_, err := s.Execute(cmd, at.EventOK, m.config.atTimeout)
	return err
}

// Close stops the parser and closes the transport. After calling Close the
// modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	m.logger.Info("closing modem")
	return m.transport.Close()
}

// Correlator returns the command correlator guarding this modem.
func (m *Modem) Correlator() *Correlator {
	return m.correlator
}

// SMS returns the message store manager.
func (m *Modem) SMS() *SmsManager {
	return m.sms
}

// Done is closed when the parser stopped, either after Close or because the
// transport failed.
func (m *Modem) Done() <-chan struct{} {
	return m.done
}

// Err returns the transport failure that stopped the parser. It is nil
// while the modem runs and after a regular Close.
func (m *Modem) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Modem) State() State {
	err := m.Err()
	return State{
		Device: m.config.device,
		Open:   !m.closed.Load() && err == nil,
		Err:    err,
	}
}
