package eventlog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Validate performs coarse validation on an entry.
func Validate(e lien.LogEntry) error {
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Level {
	case lien.LevelInfo, lien.LevelSuccess, lien.LevelWarning, lien.LevelError:
	default:
		return fmt.Errorf("unknown level %q", e.Level)
	}
	if strings.TrimSpace(e.Component) == "" {
		return errors.New("component is required")
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

// Logger stamps entries for one component and optional run before emitting them.
type Logger struct {
	emitter   Emitter
	clock     lien.Clock
	component string
	runID     string
}

// NewLogger builds a Logger. A nil emitter discards every entry.
func NewLogger(emitter Emitter, clock lien.Clock, component string) *Logger {
	return &Logger{emitter: emitter, clock: clock, component: component}
}

// WithRun returns a copy that tags entries with runID.
func (l *Logger) WithRun(runID string) *Logger {
	cp := *l
	cp.runID = runID
	return &cp
}

// Info emits an info entry.
func (l *Logger) Info(format string, args ...any) { l.emit(lien.LevelInfo, format, args...) }

// Success emits a success entry.
func (l *Logger) Success(format string, args ...any) { l.emit(lien.LevelSuccess, format, args...) }

// Warning emits a warning entry.
func (l *Logger) Warning(format string, args ...any) { l.emit(lien.LevelWarning, format, args...) }

// Error emits an error entry.
func (l *Logger) Error(format string, args ...any) { l.emit(lien.LevelError, format, args...) }

func (l *Logger) emit(level lien.LogLevel, format string, args ...any) {
	if l == nil || l.emitter == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.emitter.Emit(lien.LogEntry{
		Timestamp: l.clock.Now(),
		Level:     level,
		Component: l.component,
		Message:   msg,
		RunID:     l.runID,
	})
}
