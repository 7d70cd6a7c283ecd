package modem

import (
	"io"
	"os"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a modem on a blocking
// transport. Replies are scripted per written command and queued for the
// parser the moment the command is written, like a real serial port would
// answer.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool

	replies  map[string]string
	once     map[string][]string
	fallback string
	written  []string
	writeErr error
	failFrom int
	flushes  int
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 256),
		replies:  make(map[string]string),
		once:     make(map[string][]string),
	}
}

// On scripts reply for every write of cmd. The command is matched without
// its line terminator; message bodies match including the trailing Ctrl-Z.
func (t *TestTransport) On(cmd, reply string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[cmd] = reply
	return t
}

// Once queues reply for the next write of cmd only. Queued replies take
// precedence over the one set with On.
func (t *TestTransport) Once(cmd, reply string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.once[cmd] = append(t.once[cmd], reply)
	return t
}

// Default sets the reply for commands with no script. The zero value keeps
// the modem silent.
func (t *TestTransport) Default(reply string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = reply
	return t
}

// FailWrites makes every following write fail with err.
func (t *TestTransport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
	t.failFrom = 0
}

// FailWritesAfter lets n more writes through and fails every write after
// them with err.
func (t *TestTransport) FailWritesAfter(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failFrom = len(t.written) + n + 1
	t.writeErr = err
}

// Written returns the commands written so far, terminators stripped.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.written...)
}

// Flushes returns how many times Flush was called.
func (t *TestTransport) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, os.ErrClosed
	}
	if t.writeErr != nil && (t.failFrom == 0 || len(t.written)+1 >= t.failFrom) {
		return 0, t.writeErr
	}

	cmd := strings.TrimRight(string(p), "\r\n")
	t.written = append(t.written, cmd)

	reply, ok := t.replies[cmd]
	if queued := t.once[cmd]; len(queued) > 0 {
		reply, ok = queued[0], true
		t.once[cmd] = queued[1:]
	}
	if !ok {
		reply = t.fallback
	}
	if reply != "" {
		t.readChan <- []byte(reply)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	return nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates unsolicited output from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}
