package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestErrorHandlerKeepsFirstExitCode(t *testing.T) {
	var out bytes.Buffer
	eh := NewErrorHandler(&out)

	if code := eh.ExitCode(); code != ExitOK {
		t.Fatalf("expected ExitOK before any error, got %d", code)
	}

	if code := eh.ValidationError("server 'edge'", stderrors.New("address is required")); code != ExitConfig {
		t.Errorf("expected ExitConfig, got %d", code)
	}
	if code := eh.FatalError("start server", stderrors.New("bind failed")); code != ExitConfig {
		t.Errorf("expected first exit code to stick, got %d", code)
	}

	if got := len(eh.Errors()); got != 2 {
		t.Errorf("expected 2 recorded errors, got %d", got)
	}
	if !strings.Contains(out.String(), "invalid configuration - server 'edge': address is required") {
		t.Errorf("unexpected output: %q", out.String())
	}
	if !strings.Contains(out.String(), "FATAL: operation 'start server' failed: bind failed") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestConfigErrorNotFound(t *testing.T) {
	var out bytes.Buffer
	eh := NewErrorHandler(&out)

	err := fmt.Errorf("open bender.toml: %w", fs.ErrNotExist)
	if code := eh.ConfigError("bender.toml", err); code != ExitConfig {
		t.Errorf("expected ExitConfig, got %d", code)
	}
	if !strings.Contains(out.String(), "not found") {
		t.Errorf("expected not found message, got %q", out.String())
	}
}

func TestStartupErrorUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := &StartupError{Operation: "start", Code: ExitFatal, Err: cause}
	if !stderrors.Is(err, cause) {
		t.Error("expected StartupError to unwrap to its cause")
	}
}
