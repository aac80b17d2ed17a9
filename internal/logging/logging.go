package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimestampFormat is RFC3339 with milliseconds.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Setup configures the package-level logrus logger. When file is set,
// output is duplicated to a size-rotated log file.
func Setup(level, file string) error {
	log.SetLevel(ParseLevel(level))
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: TimestampFormat,
		FullTimestamp:   true,
	})

	if file == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, NewRotatingFile(file)))
	return nil
}

func NewRotatingFile(file string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
