package modem

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

//go:generate go tool mockgen -destination=mock_transport.go -package=modem . Transport,Dialer

// Transport represents an established, bidirectional byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports or in-memory fakes used for testing.
//
// Read blocks until data is available or the transport fails. Errors coming out
// of Read or Write should be passed through ClassifyIOError so callers can tell
// a vanished device from a slow one.
type Transport interface {
	io.ReadWriteCloser

	// Flush discards input the modem sent that nobody read yet and output
	// that was not yet transmitted.
	Flush() error
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port or test double). The engine dials again when it reopens the
// device after a reset.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

const (
	DefaultBaudRate = 115200

	// defaultReadTimeout keeps the port read short so a closing transport
	// is noticed promptly.
	defaultReadTimeout = 100 * time.Millisecond
)

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. /dev/ttyUSB0 or a /dev/serial/by-id link.
	PortName string
	// BaudRate defaults to 115200 when zero. Ignored if Mode is set.
	BaudRate int
	// Mode overrides the 8N1 default line settings.
	Mode *serial.Mode
	// ReadTimeout bounds a single port read. Defaults to 100ms.
	ReadTimeout time.Duration
}

// Dial opens the serial port.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, ClassifyIOError("open "+d.PortName, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, ClassifyIOError("set read timeout", err)
	}

	return newSerialTransport(port), nil
}

// serialTransport adapts a serial.Port to Transport. Reads and writes hold
// separate locks so the parser's blocking read never starves a writer.
type serialTransport struct {
	port    serial.Port
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSerialTransport(port serial.Port) *serialTransport {
	return &serialTransport{port: port}
}

// Read polls the port until data arrives. A port read timeout surfaces as
// (0, nil) from go.bug.st/serial, which bufio.Scanner would reject after a
// handful of empty reads.
func (t *serialTransport) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for {
		if t.closed.Load() {
			return 0, io.EOF
		}
		n, err := t.port.Read(p)
		if err != nil {
			if t.closed.Load() {
				return n, io.EOF
			}
			return n, ClassifyIOError("read", err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (t *serialTransport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return 0, &ConnectionError{Op: "write", Err: os.ErrClosed}
	}
	written := 0
	for written < len(p) {
		n, err := t.port.Write(p[written:])
		written += n
		if err != nil {
			return written, ClassifyIOError("write", err)
		}
		if n == 0 {
			return written, &ConnectionError{Op: "write", Err: io.ErrShortWrite}
		}
	}
	return written, nil
}

func (t *serialTransport) Flush() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return ClassifyIOError("flush input", err)
	}
	if err := t.port.ResetOutputBuffer(); err != nil {
		return ClassifyIOError("flush output", err)
	}
	return nil
}

func (t *serialTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.port.Close()
}

// connectionHints are error texts that mean the device is gone rather than
// slow.
var connectionHints = []string{
	"device or resource busy",
	"permission denied",
	"no such file or directory",
	"no such device",
	"connection lost",
	"serial port",
	"i/o error",
	"input/output error",
	"broken pipe",
	"connection reset",
	"bad file descriptor",
	"timeout",
}

var connectionErrnos = []error{
	unix.EIO,
	unix.ENODEV,
	unix.ENXIO,
	unix.EPIPE,
	unix.EBADF,
	unix.EBUSY,
	unix.EACCES,
	unix.ECONNRESET,
}

// ClassifyIOError wraps err in a *ConnectionError when it means the modem
// connection is lost. Other errors are returned unchanged.
func ClassifyIOError(op string, err error) error {
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy, serial.PortNotFound, serial.InvalidSerialPort,
			serial.PermissionDenied, serial.PortClosed:
			return &ConnectionError{Op: op, Err: err}
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		return &ConnectionError{Op: op, Err: err}
	}
	for _, errno := range connectionErrnos {
		if errors.Is(err, errno) {
			return &ConnectionError{Op: op, Err: err}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range connectionHints {
		if strings.Contains(msg, hint) {
			return &ConnectionError{Op: op, Err: err}
		}
	}
	return err
}
