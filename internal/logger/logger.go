package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// Options controls where log records are written.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Setup applies the level and, when a file is configured, redirects L to a
// size-rotated log file. The returned closer must be called on shutdown.
func Setup(opts Options) io.Closer {
	SetLevel(opts.Level)
	if opts.File == "" {
		return nopCloser{}
	}
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	SetOutput(w)
	return w
}

// SetOutput replaces the destination of L, keeping the current level.
func SetOutput(w io.Writer) {
	L = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
