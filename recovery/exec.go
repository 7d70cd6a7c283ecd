package recovery

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const toolTimeout = 10 * time.Second

// Runner runs an external tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// permissionHints are the messages tools print when the process lacks the
// privileges to touch USB devices, as in a supervised container.
var permissionHints = []string{
	"operation not permitted",
	"permission denied",
}

// classify maps the failure of a tool or syscall onto an outcome: a
// missing tool or missing privileges make the strategy unavailable.
func classify(err error, output []byte) Result {
	if err == nil {
		return succeeded()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, os.ErrPermission) {
		return unavailable(err)
	}
	text := strings.ToLower(string(output))
	for _, hint := range permissionHints {
		if strings.Contains(text, hint) {
			return unavailable(errors.New(strings.TrimSpace(string(output))))
		}
	}
	if len(output) > 0 {
		return failed(errors.Join(err, errors.New(strings.TrimSpace(string(output)))))
	}
	return failed(err)
}
