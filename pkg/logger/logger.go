// Package logger provides the structured logger used across the collaboration
// server. Components depend on the Logger interface; the default backend is zerolog.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger is the leveled, key/value logging facade injected into every component.
// Args are alternating keys and values, e.g. Info("saved", "document", id).
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	pretty bool
}

type LogData struct {
	writer  io.Writer
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level sets the minimum level written.
func (build *LogBuild) Level(level zerolog.Level) *LogBuild {
	build.level = level
	return build
}

// Pretty switches to zerolog's human-readable console output.
func (build *LogBuild) Pretty(pretty bool) *LogBuild {
	build.pretty = pretty
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	logData.writer = os.Stdout
	if build.writer != nil {
		logData.writer = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		logData.writer = zerolog.SyncWriter(logData.LogFile)
	}
	if build.pretty {
		logData.writer = zerolog.ConsoleWriter{Out: logData.writer}
	}
	logData.Logger = zerolog.New(logData.writer).Level(build.level).With().Timestamp().Logger()
	return
}

// ParseLevel maps a configuration string such as "debug" to a zerolog level,
// defaulting to info for unknown values.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (l *LogData) Error(msg string, args ...any) {
	l.Logger.Error().Fields(args).Msg(msg)
}

func (l *LogData) Warn(msg string, args ...any) {
	l.Logger.Warn().Fields(args).Msg(msg)
}

func (l *LogData) Info(msg string, args ...any) {
	l.Logger.Info().Fields(args).Msg(msg)
}

func (l *LogData) Debug(msg string, args ...any) {
	l.Logger.Debug().Fields(args).Msg(msg)
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *LogData) With(args ...any) *LogData {
	return &LogData{
		writer:  l.writer,
		LogFile: l.LogFile,
		Logger:  l.Logger.With().Fields(args).Logger(),
	}
}

// Close releases the log file opened by FromPath, if any.
func (l *LogData) Close() error {
	if l.LogFile != nil {
		return l.LogFile.Close()
	}
	return nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &LogData{writer: io.Discard, Logger: zerolog.Nop()}
}
