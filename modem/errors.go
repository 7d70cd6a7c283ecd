package modem

import (
	"errors"
	"fmt"

	"i4.energy/across/gsmbridge/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// whose transport was never established.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrTimeout is returned when the expected reply did not arrive within
	// the command deadline. The caller may retry or give up.
	ErrTimeout = errors.New("timed out waiting for modem reply")

	// ErrBusy is returned when the global operation lock could not be taken
	// in time. Callers skip the current cycle instead of queueing.
	ErrBusy = errors.New("modem busy")

	// ErrConnection is the root of every transport-level failure. It is
	// always fatal to the current session and must be propagated.
	ErrConnection = errors.New("modem connection error")

	// ErrHangDetected is returned to the holder of an operation that was
	// force-cleared after running past its deadline, and by the hang check
	// when the modem stays silent after recovery.
	ErrHangDetected = errors.New("modem hang detected")

	// ErrProtocolParse is returned for reply shapes the engine cannot read.
	ErrProtocolParse = at.ErrProtocolParse

	// ErrNoPrompt is returned by Send when the body prompt never came. No
	// message body has been transmitted.
	ErrNoPrompt = errors.New("no SMS body prompt")

	// ErrSendUnconfirmed is returned by Send when the body was transmitted
	// but the modem never confirmed it. The message may already be on its
	// way, so the send must not be retried blindly.
	ErrSendUnconfirmed = errors.New("SMS body sent but not confirmed")
)

// ConnectionError wraps an I/O failure of the transport.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnection, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// CommandError carries a final ERROR, +CME ERROR or +CMS ERROR line.
type CommandError struct {
	Command string
	Line    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Line)
}

// IsFatal reports whether err ends the session: transport failures and
// hangs that did not recover.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrHangDetected)
}
