// Package bridge connects the modem engine to the outside world: MQTT for
// send requests, received messages and status, and a small HTTP API.
package bridge

import (
	"context"
	"time"

	"i4.energy/across/gsmbridge/health"
)

// StatusSource is satisfied by *health.Monitor.
type StatusSource interface {
	NetworkStatus(ctx context.Context, skipSignal bool) (health.NetworkStatus, error)
}

// Status is the gateway report published on the status topic and served
// on GET /status.
type Status struct {
	Status         string `json:"status"`
	GSM            string `json:"gsm"`
	MQTT           string `json:"mqtt"`
	Signal         int    `json:"signal"`
	SignalStrength string `json:"signal_strength"`
	Registration   string `json:"registration"`
	Operator       string `json:"operator"`
	SimStatus      string `json:"sim_status"`
	Device         string `json:"device"`
	Mode           string `json:"mode"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Error kinds reported in Status.Error.
const (
	ErrorDevice     = "gsm_device_error"
	ErrorStartup    = "gsm_startup_error"
	ErrorTimeout    = "gsm_timeout"
	ErrorConnection = "gsm_connection_error"
)

// ErrorStatus is the report published when the modem could not be brought
// up at all.
func ErrorStatus(kind, message string, now time.Time) Status {
	return Status{
		Status:    "error",
		GSM:       "error",
		Error:     kind,
		Message:   message,
		Timestamp: now.Format(time.RFC3339),
	}
}

// Reporter assembles Status snapshots from the health monitor.
type Reporter struct {
	Source StatusSource
	Device string
	Mode   string
	// Connected reports the MQTT link; nil means MQTT is not in use.
	Connected func() bool

	now func() time.Time
}

func (r *Reporter) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Reporter) mqttState() string {
	switch {
	case r.Connected == nil:
		return "disabled"
	case r.Connected():
		return "connected"
	default:
		return "disconnected"
	}
}

// Snapshot queries the modem and returns the current report. A busy modem
// yields a report with placeholder network values rather than an error.
func (r *Reporter) Snapshot(ctx context.Context) Status {
	ns, err := r.Source.NetworkStatus(ctx, false)
	if err != nil {
		status := ErrorStatus(ErrorConnection, err.Error(), r.clock())
		status.MQTT = r.mqttState()
		status.Device = r.Device
		status.Mode = r.Mode
		return status
	}

	gsm := "ready"
	if ns.Error == health.ErrModemBusy {
		gsm = "busy"
	}
	return Status{
		Status:         "ready",
		GSM:            gsm,
		MQTT:           r.mqttState(),
		Signal:         ns.SignalPercent,
		SignalStrength: ns.SignalStrength,
		Registration:   ns.Registration,
		Operator:       ns.Operator,
		SimStatus:      ns.SimStatus,
		Device:         r.Device,
		Mode:           r.Mode,
		Timestamp:      r.clock().Format(time.RFC3339),
	}
}
