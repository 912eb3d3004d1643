// Package logging emits the executor's observable progress and warning
// lines through the standard library's structured logger.
//
// No third-party structured-logging package appears anywhere in the
// example corpus surveyed for this project (see DESIGN.md), so this is
// the one ambient concern built on the standard library rather than an
// ecosystem dependency.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
)

// Logger emits fixed-shape progress and warning lines, plus arbitrary
// structured fields for everything else.
type Logger struct {
	out *slog.Logger
	err *slog.Logger
}

// New builds a Logger writing progress lines to stdout and warnings to
// stderr, at the given level ("debug", "info", "warn", "error").
func New(level string) *Logger {
	return NewWithWriters(os.Stdout, os.Stderr, level)
}

// NewWithWriters is New with explicit writers, for tests.
func NewWithWriters(stdout, stderr io.Writer, level string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return &Logger{
		out: slog.New(slog.NewTextHandler(stdout, opts)),
		err: slog.New(slog.NewTextHandler(stderr, opts)),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WillDispatch logs "Will {try|skip} <desc> in {foreground|background}".
func (l *Logger) WillDispatch(desc string, background bool, skip bool) {
	verb := "try"
	if skip {
		verb = "skip"
	}
	mode := "foreground"
	if background {
		mode = "background"
	}
	l.out.Info("dispatch", "line", "Will "+verb+" "+desc+" in "+mode)
}

// Done logs "[<n> to go] Done <desc>".
func (l *Logger) Done(remaining int, desc string) {
	l.out.Info("done", "line", progressPrefix(remaining)+"Done "+desc)
}

func progressPrefix(remaining int) string {
	return "[" + strconv.Itoa(remaining) + " to go] "
}

// Warn emits a warning line to stderr.
func (l *Logger) Warn(msg string, args...any) {
	l.err.Warn(msg, args...)
}

// Error emits a fatal-summary line to stderr.
func (l *Logger) Error(msg string, args...any) {
	l.err.Error(msg, args...)
}
