// Package errors reports fatal startup problems before structured logging
// is available and maps them onto process exit codes.
package errors

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/migadu/bender/logger"
)

// Exit codes used by the bender binary.
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitConfig = 2
)

// StartupError is a failure that keeps the process from serving.
type StartupError struct {
	Operation string
	Code      int
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ErrorHandler prints startup failures and remembers the exit code of the
// first one.
type ErrorHandler struct {
	out io.Writer

	mu   sync.Mutex
	code int
	errs []*StartupError
}

// NewErrorHandler returns a handler writing to out, or to stderr when out
// is nil.
func NewErrorHandler(out io.Writer) *ErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &ErrorHandler{out: out}
}

func (eh *ErrorHandler) record(e *StartupError, format string, args ...any) int {
	fmt.Fprintf(eh.out, "[ERROR] "+format+"\n", args...)

	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.errs = append(eh.errs, e)
	if eh.code == ExitOK {
		eh.code = e.Code
	}
	return eh.code
}

// FatalError reports a runtime failure during startup.
func (eh *ErrorHandler) FatalError(operation string, err error) int {
	e := &StartupError{Operation: operation, Code: ExitFatal, Err: err}
	return eh.record(e, "FATAL: %v", e)
}

// ConfigError reports a configuration file that is missing or unreadable.
func (eh *ErrorHandler) ConfigError(configPath string, err error) int {
	e := &StartupError{Operation: "load " + configPath, Code: ExitConfig, Err: err}
	if os.IsNotExist(err) {
		return eh.record(e, "configuration file '%s' not found: %v", configPath, err)
	}
	return eh.record(e, "failed to parse configuration file '%s': %v", configPath, err)
}

// ValidationError reports a configuration value that is rejected.
func (eh *ErrorHandler) ValidationError(field string, err error) int {
	e := &StartupError{Operation: "validate " + field, Code: ExitConfig, Err: err}
	return eh.record(e, "invalid configuration - %s: %v", field, err)
}

// ExitCode returns the code of the first reported error, or ExitOK.
func (eh *ErrorHandler) ExitCode() int {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.code
}

// Errors returns every reported error in order.
func (eh *ErrorHandler) Errors() []*StartupError {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return append([]*StartupError(nil), eh.errs...)
}

// Shutdown logs whether the process is stopping because ctx was cancelled
// or for another reason.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
