package main

import (
	"fmt"
	"log/slog"
	"os"
)

const (
	logFileEnvVar  = "LOG_FILE"
	logLevelEnvVar = "LOG_LEVEL"
)

// initLogger installs the default slog handler.
// Priority: CLI flags > env vars > defaults.
func initLogger(cliLevel, cliFile string) (func(), error) {
	levelName := cliLevel
	if levelName == "" {
		levelName = os.Getenv(logLevelEnvVar)
	}
	if levelName == "" {
		levelName = "info"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	logFile := cliFile
	if logFile == "" {
		logFile = os.Getenv(logFileEnvVar)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = func() { _ = file.Close() }
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})))
	return cleanup, nil
}
