package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"i4.energy/across/gsmbridge/at"
)

// OperationKind names a high-level workflow that owns the modem while it
// runs.
type OperationKind int

const (
	OpStartup OperationKind = iota
	OpSmsSend
	OpSmsReceive
	OpStatusCheck
)

func (k OperationKind) String() string {
	switch k {
	case OpStartup:
		return "startup"
	case OpSmsSend:
		return "sms_send"
	case OpSmsReceive:
		return "sms_receive"
	case OpStatusCheck:
		return "status_check"
	}
	return "unknown"
}

// Deadline is how long an operation of this kind may hold the modem before
// it is considered hung.
func (k OperationKind) Deadline() time.Duration {
	switch k {
	case OpStartup, OpSmsReceive:
		return 5 * time.Minute
	case OpSmsSend:
		return 2 * time.Minute
	default:
		return time.Minute
	}
}

// AcquireTimeout is how long Begin waits for the operation lock.
func (k OperationKind) AcquireTimeout() time.Duration {
	if k == OpStatusCheck {
		return time.Minute
	}
	return 2 * time.Minute
}

// Operation describes the workflow currently holding the modem.
type Operation struct {
	ID        string
	Kind      OperationKind
	StartedAt time.Time
	Deadline  time.Duration

	// Command is the AT command in flight, empty between commands.
	Command        string
	CommandStarted time.Time
	CommandTimeout time.Duration
}

const (
	// DefaultMaxCommandDuration is the grace a command gets past its own
	// timeout before the hang check steps in.
	DefaultMaxCommandDuration = 10 * time.Second

	hangSettle       = 500 * time.Millisecond
	hangProbeTimeout = time.Second
)

var errSessionEnded = errors.New("operation already ended")

// Correlator pairs every command written to the modem with the reply the
// parser reports for it. A single operation lock serializes all workflows
// process-wide.
type Correlator struct {
	transport Transport
	parser    *Parser
	logger    *slog.Logger

	maxCommandDuration time.Duration
	lockTimeout        time.Duration
	now                func() time.Time

	// token is the operation lock: holding its only slot owns the modem.
	token chan struct{}

	mu         sync.Mutex
	current    *Operation
	generation uint64
}

func newCorrelator(transport Transport, parser *Parser, config Config) *Correlator {
	return &Correlator{
		transport:          transport,
		parser:             parser,
		logger:             config.logger.With("component", "correlator"),
		maxCommandDuration: config.maxCommandDuration,
		lockTimeout:        config.lockTimeout,
		now:                time.Now,
		token:              make(chan struct{}, 1),
	}
}

// Session is the handle of an acquired operation. It is not safe for use
// by more than one goroutine.
type Session struct {
	c          *Correlator
	ctx        context.Context
	generation uint64
	ended      bool
}

// Begin acquires the operation lock for a workflow of the given kind. It
// fails with ErrBusy when the lock does not free up within the kind's
// acquire timeout.
func (c *Correlator) Begin(ctx context.Context, kind OperationKind) (*Session, error) {
	wait := kind.AcquireTimeout()
	if c.lockTimeout > 0 {
		wait = c.lockTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case c.token <- struct{}{}:
	case <-timer.C:
		holder := "none"
		if op, ok := c.InProgress(); ok {
			holder = op.Kind.String()
		}
		c.logger.Warn("operation lock not acquired", "op", kind, "held_by", holder, "waited", wait)
		return nil, fmt.Errorf("%s: %w", kind, ErrBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.current = &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: c.now(),
		Deadline:  kind.Deadline(),
	}
	c.logger.Debug("operation started", "op", kind, "id", c.current.ID)
	return &Session{c: c, ctx: ctx, generation: c.generation}, nil
}

// Execute runs one command as a complete operation of the given kind.
func (c *Correlator) Execute(ctx context.Context, kind OperationKind, cmd string, want at.EventKind, timeout time.Duration) (Reply, error) {
	s, err := c.Begin(ctx, kind)
	if err != nil {
		return Reply{}, err
	}
	defer s.End()
	return s.Execute(cmd, want, timeout)
}

// InProgress returns a copy of the operation holding the modem, if any.
func (c *Correlator) InProgress() (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Operation{}, false
	}
	return *c.current, true
}

// Execute resets the event flags, writes cmd and waits for want.
func (s *Session) Execute(cmd string, want at.EventKind, timeout time.Duration) (Reply, error) {
	cmd = strings.TrimSpace(cmd)
	return s.exchange(cmd, []byte(cmd+at.CR), want, timeout)
}

// Transmit writes data verbatim, with no terminator added, and waits for
// want. It is used for message bodies.
func (s *Session) Transmit(data string, want at.EventKind, timeout time.Duration) (Reply, error) {
	return s.exchange("<sms body>", []byte(data), want, timeout)
}

// Wait waits for want without writing anything or resetting the flags.
func (s *Session) Wait(want at.EventKind, timeout time.Duration) (Reply, error) {
	if err := s.check(); err != nil {
		return Reply{}, err
	}
	reply, err := s.c.parser.wait(s.ctx, want, timeout)
	return s.finish(want.String(), reply, err)
}

// End releases the operation lock. It does nothing if the session already
// ended or its operation was force-cleared.
func (s *Session) End() {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	if s.generation != c.generation {
		return
	}
	if c.current != nil {
		c.logger.Debug("operation finished", "op", c.current.Kind, "id", c.current.ID,
			"elapsed", c.now().Sub(c.current.StartedAt))
	}
	c.current = nil
	<-c.token
}

func (s *Session) check() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.checkLocked()
}

func (s *Session) checkLocked() error {
	if s.ended {
		return errSessionEnded
	}
	if s.generation != s.c.generation {
		return ErrHangDetected
	}
	return nil
}

func (s *Session) exchange(label string, wire []byte, want at.EventKind, timeout time.Duration) (Reply, error) {
	if err := s.send(label, wire, want, timeout); err != nil {
		return Reply{}, err
	}
	reply, err := s.c.parser.wait(s.ctx, want, timeout)
	return s.finish(label, reply, err)
}

// send clears the flags and writes wire while holding the correlator
// state, so a force-cleared session can never write again.
func (s *Session) send(label string, wire []byte, want at.EventKind, timeout time.Duration) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	c.parser.reset(want)
	if c.current != nil {
		c.current.Command = label
		c.current.CommandStarted = c.now()
		c.current.CommandTimeout = timeout
	}

	c.logger.Debug("sending command", "command", label, "want", want)
	if _, err := c.transport.Write(wire); err != nil {
		return ClassifyIOError("write "+label, err)
	}
	return nil
}

func (s *Session) finish(label string, reply Reply, err error) (Reply, error) {
	c := s.c
	c.mu.Lock()
	stale := s.checkLocked()
	if stale == nil && c.current != nil {
		c.current.Command = ""
	}
	c.mu.Unlock()

	if stale != nil {
		return Reply{}, fmt.Errorf("%s: %w", label, stale)
	}
	if err == nil {
		return reply, nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		cmdErr.Command = label
		return reply, cmdErr
	}
	if errors.Is(err, ErrTimeout) {
		c.logger.Warn("command timed out", "command", label, "lines", reply.Lines)
	}
	return reply, fmt.Errorf("%s: %w", label, err)
}

// CheckHang force-clears the current operation when it ran past its
// deadline or its command ran past its timeout plus the command grace. The
// modem is then nudged out of any pending body input and probed. The
// returned bool reports whether a hang was handled; the error is
// ErrHangDetected when the modem stayed silent and a *ConnectionError when
// the transport failed.
func (c *Correlator) CheckHang(ctx context.Context) (bool, error) {
	c.mu.Lock()
	op := c.current
	now := c.now()
	if op == nil || !c.hung(op, now) {
		c.mu.Unlock()
		return false, nil
	}

	c.logger.Warn("operation hang detected, forcing recovery",
		"op", op.Kind, "id", op.ID,
		"elapsed", now.Sub(op.StartedAt), "deadline", op.Deadline,
		"command", op.Command)

	// The hung session keeps its token slot; ownership moves to the
	// recovery session, whose End releases it.
	c.generation++
	c.current = &Operation{
		ID:        uuid.NewString(),
		Kind:      OpStatusCheck,
		StartedAt: now,
		Deadline:  OpStatusCheck.Deadline(),
	}
	s := &Session{c: c, ctx: ctx, generation: c.generation}
	c.mu.Unlock()

	defer s.End()
	return true, c.recover(s)
}

func (c *Correlator) hung(op *Operation, now time.Time) bool {
	if now.Sub(op.StartedAt) > op.Deadline {
		return true
	}
	return op.Command != "" && now.Sub(op.CommandStarted) > op.CommandTimeout+c.maxCommandDuration
}

func (c *Correlator) recover(s *Session) error {
	if err := c.transport.Flush(); err != nil {
		err = ClassifyIOError("flush", err)
		if errors.Is(err, ErrConnection) {
			return err
		}
		c.logger.Warn("flush failed during hang recovery", "error", err)
	}

	if err := s.send("<ctrl-z>", []byte(at.CtrlZ), at.EventOK, hangSettle); err != nil {
		return err
	}
	if err := sleep(s.ctx, hangSettle); err != nil {
		return err
	}

	_, err := s.exchange(at.CmdAt, []byte(at.CmdAt+at.CRLF), at.EventOK, hangProbeTimeout)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		c.logger.Error("modem unresponsive after hang recovery", "error", err)
		return fmt.Errorf("modem unresponsive after recovery: %w", ErrHangDetected)
	}
	c.logger.Info("modem responsive after hang recovery")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
