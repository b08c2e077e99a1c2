package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger
var Logger *slog.Logger

// Init initializes the global logger based on environment. An explicit
// level ("debug", "info", "warn", "error") overrides the environment default.
func Init(env, level string) {
	opts := &slog.HandlerOptions{Level: parseLevel(env, level)}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func parseLevel(env, level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if env == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func get() *slog.Logger {
	if Logger == nil {
		Init("development", "")
	}
	return Logger
}

// With returns a logger with additional key-value pairs
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return get().With("component", name)
}

func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	get().Error(msg, args...)
}
