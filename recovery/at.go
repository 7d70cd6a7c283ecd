package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"i4.energy/across/gsmbridge/at"
	"i4.energy/across/gsmbridge/modem"
)

const (
	resetCommandTimeout = 5 * time.Second
	resetProbeTimeout   = 3 * time.Second
)

// Commander hands out modem operations. *modem.Correlator implements it.
type Commander interface {
	Begin(ctx context.Context, kind modem.OperationKind) (*modem.Session, error)
}

// SoftCommands re-sends the vendor housekeeping commands. It succeeds when
// the modem acknowledges all of them.
type SoftCommands struct {
	Commander Commander
	Commands  []string
	Logger    *slog.Logger
}

func (s *SoftCommands) Name() string { return "soft_commands" }

func (s *SoftCommands) Attempt(ctx context.Context) Result {
	if s.Commander == nil {
		return unavailable(modem.ErrNotInitialized)
	}
	cmds := s.Commands
	if cmds == nil {
		cmds = []string{at.CmdCurcOff, at.CmdAutoOperator}
	}
	logger := loggerOr(s.Logger)

	session, err := s.Commander.Begin(ctx, modem.OpStartup)
	if err != nil {
		return failed(err)
	}
	defer session.End()

	var errs []error
	for _, cmd := range cmds {
		if _, err := session.Execute(cmd, at.EventOK, resetCommandTimeout); err != nil {
			if modem.IsFatal(err) {
				return failed(err)
			}
			logger.Warn("soft command failed", "command", cmd, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return failed(errors.Join(errs...))
	}
	return succeeded()
}

// ATReset walks the AT reset variants until one is acknowledged, then probes
// the modem with a plain AT.
type ATReset struct {
	Commander Commander
	// Commands defaults to at.ResetCommands.
	Commands []string
	// Pause follows an acknowledged reset command.
	Pause  time.Duration
	Logger *slog.Logger
}

func (r *ATReset) Name() string { return "at_reset" }

func (r *ATReset) Attempt(ctx context.Context) Result {
	if r.Commander == nil {
		return unavailable(modem.ErrNotInitialized)
	}
	cmds := r.Commands
	if cmds == nil {
		cmds = at.ResetCommands
	}
	logger := loggerOr(r.Logger)

	session, err := r.Commander.Begin(ctx, modem.OpStartup)
	if err != nil {
		return failed(err)
	}
	defer session.End()

	for _, cmd := range cmds {
		_, err := session.Execute(cmd, at.EventOK, resetCommandTimeout)
		if err == nil {
			logger.Info("modem accepted reset command", "command", cmd)
			if err := pause(ctx, r.Pause); err != nil {
				return failed(err)
			}
			break
		}
		if modem.IsFatal(err) {
			return failed(err)
		}
		logger.Debug("reset command not accepted", "command", cmd, "error", err)
	}

	if _, err := session.Execute(at.CmdAt, at.EventOK, resetProbeTimeout); err != nil {
		return failed(err)
	}
	logger.Info("modem responsive after AT reset")
	return succeeded()
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
