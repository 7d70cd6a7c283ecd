// Package health probes modem responsiveness and reports the network
// state of the SIM.
package health

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"i4.energy/across/gsmbridge/at"
	"i4.energy/across/gsmbridge/modem"
)

const (
	// probeTimeout bounds every probe command.
	probeTimeout = 10 * time.Second

	// passRatio is the share of probes that must succeed for Check to pass.
	passRatio = 0.75

	unknown = "unknown"

	// ErrModemBusy is reported in NetworkStatus.Error when the operation
	// lock could not be taken.
	ErrModemBusy = "modem_busy"
)

// Registration states indexed by the +CREG <stat> value.
var registrationStates = []string{
	"not_registered",
	"registered_home",
	"searching",
	"denied",
	"unknown",
	"registered_roaming",
}

// NetworkStatus is a snapshot of the radio side of the modem.
type NetworkStatus struct {
	SignalStrength string    `json:"signal_strength"`
	SignalPercent  int       `json:"signal_percentage"`
	RSSI           int       `json:"rssi"`
	Registration   string    `json:"registration"`
	Operator       string    `json:"operator"`
	SimStatus      string    `json:"sim_status"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

func unknownStatus(now time.Time) NetworkStatus {
	return NetworkStatus{
		SignalStrength: SignalUnknown,
		RSSI:           UnknownRSSI,
		Registration:   unknown,
		Operator:       unknown,
		SimStatus:      unknown,
		Timestamp:      now,
	}
}

// Monitor runs health probes through the command correlator so they never
// collide with SMS traffic.
type Monitor struct {
	correlator *modem.Correlator
	logger     *slog.Logger
	now        func() time.Time
}

func NewMonitor(correlator *modem.Correlator, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		correlator: correlator,
		logger:     logger.With("component", "health"),
		now:        time.Now,
	}
}

// Check sends AT, AT+CSQ and AT+CREG?, each as its own status operation,
// and passes when at least three quarters of them are answered. Transport
// failures are returned instead of being counted.
func (m *Monitor) Check(ctx context.Context) (bool, error) {
	probes := []string{at.CmdAt, at.CmdSignalQuality, at.CmdRegistration}

	passed := 0
	for _, cmd := range probes {
		_, err := m.correlator.Execute(ctx, modem.OpStatusCheck, cmd, at.EventOK, probeTimeout)
		switch {
		case err == nil:
			passed++
		case errors.Is(err, modem.ErrConnection):
			return false, err
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			m.logger.Warn("health probe failed", "command", cmd, "error", err)
		}
	}

	ratio := float64(passed) / float64(len(probes))
	if ratio < passRatio {
		m.logger.Warn("modem health check failed", "passed", passed, "total", len(probes))
		return false, nil
	}
	m.logger.Info("modem health check passed", "passed", passed, "total", len(probes))
	return true, nil
}

// NetworkStatus queries signal, registration, operator and SIM state under
// a single status operation. When the modem is busy the snapshot is
// returned with every field unknown and Error set to "modem_busy".
func (m *Monitor) NetworkStatus(ctx context.Context, skipSignal bool) (NetworkStatus, error) {
	status := unknownStatus(m.now())

	s, err := m.correlator.Begin(ctx, modem.OpStatusCheck)
	if errors.Is(err, modem.ErrBusy) {
		m.logger.Warn("modem busy, skipping status check")
		status.Error = ErrModemBusy
		return status, nil
	}
	if err != nil {
		return status, err
	}
	defer s.End()

	if !skipSignal {
		line, err := m.query(s, at.CmdSignalQuality, at.SignalReply)
		if err != nil {
			return status, err
		}
		if signal, err := at.ParseSignal(line); err == nil {
			status.RSSI = signal.RSSI
			status.SignalStrength = SignalWord(signal.RSSI)
			status.SignalPercent = SignalPercent(signal.RSSI)
		}
	}

	line, err := m.query(s, at.CmdRegistration, at.RegistrationReply)
	if err != nil {
		return status, err
	}
	if stat, err := at.ParseRegistration(line); err == nil {
		status.Registration = RegistrationState(stat)
	}

	line, err = m.query(s, at.CmdOperator, at.OperatorReply)
	if err != nil {
		return status, err
	}
	if name, err := at.ParseOperator(line); err == nil && name != "" {
		status.Operator = name
	}

	line, err = m.query(s, at.CmdSimStatus, at.SimReply)
	if err != nil {
		return status, err
	}
	if state, err := at.ParseSim(line); err == nil {
		status.SimStatus = SimState(state)
	}

	m.logger.Info("network status",
		"signal", status.SignalStrength, "percent", status.SignalPercent,
		"registration", status.Registration, "operator", status.Operator,
		"sim", status.SimStatus)
	return status, nil
}

// query runs cmd and returns the reply line carrying prefix. Only fatal
// failures are returned; anything else leaves the field unknown.
func (m *Monitor) query(s *modem.Session, cmd, prefix string) (string, error) {
	reply, err := s.Execute(cmd, at.EventOK, probeTimeout)
	if err != nil {
		if modem.IsFatal(err) {
			return "", err
		}
		if errors.Is(err, modem.ErrTimeout) {
			m.logger.Debug("status query timed out", "command", cmd)
		} else {
			m.logger.Warn("status query failed", "command", cmd, "error", err)
		}
		return "", nil
	}
	line, _ := at.FindLine(reply.Lines, prefix)
	return line, nil
}

// RegistrationState names a +CREG <stat> value.
func RegistrationState(stat int) string {
	if stat < 0 || stat >= len(registrationStates) {
		return unknown
	}
	return registrationStates[stat]
}

// SimState turns a +CPIN code such as "SIM PIN" into "sim_pin".
func SimState(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return unknown
	}
	return strings.ReplaceAll(strings.ToLower(code), " ", "_")
}
