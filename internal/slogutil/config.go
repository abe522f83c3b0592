package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gmta/mountload/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ReplaceAttrFunc mirrors slog.HandlerOptions.ReplaceAttr's shape.
type ReplaceAttrFunc func(groups []string, a slog.Attr) slog.Attr

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogRotation configures slog with log rotation using lumberjack.
// If logConfig.File is empty, it logs to console only; if configured,
// it logs to both console and a rotated file. The level falls back to
// the LOG_LEVEL environment variable when the config leaves it unset.
// The returned DynamicLeveler backs the handler's level check, so a
// later LogLevelUpdater.UpdateLevel call takes effect on
// already-created loggers instead of only affecting a value computed
// at startup.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	var writer io.Writer = os.Stdout

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,   // compress old files
		}
		// Write to both console and file.
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	level := logConfig.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	leveler := &DynamicLeveler{}
	leveler.SetLevel(parseLevel(level))

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level:       leveler,
		ReplaceAttr: changeMsgKey(nil),
	})

	return slog.New(WrapHandler(handler)), leveler
}
