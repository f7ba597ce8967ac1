// Package util holds process-level helpers shared by the kgnet commands:
// logger setup and host information.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string
	Directory  string
	MaxBackups int
	Console    bool
	// App is stamped on every log line.
	App string
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
		App:        "kgnet",
	}
}

// InitLogger sets the global zerolog logger. Lines go as JSON to a dated
// file under Directory, and in human form to stdout when Console is set. An
// empty Directory disables the file.
func InitLogger(cfg LogConfig) (string, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var (
		writers     []io.Writer
		logFilePath string
	)

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return "", fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}
		logFilePath = filepath.Join(cfg.Directory, fmt.Sprintf("%s_%s.log", appName(cfg), time.Now().Format("2006-01-02")))
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		writers = append(writers, logFile)
	}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", appName(cfg)).
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if cfg.Directory != "" && cfg.MaxBackups > 0 {
		go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}
	return logFilePath, nil
}

func appName(cfg LogConfig) string {
	if cfg.App == "" {
		return "kgnet"
	}
	return cfg.App
}

// cleanOldLogs keeps the newest maxBackups log files in directory.
func cleanOldLogs(directory string, maxBackups int) int {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	type logFile struct {
		name string
		mod  time.Time
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: entry.Name(), mod: info.ModTime()})
	}
	if len(files) <= maxBackups {
		return 0
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	removed := 0
	for _, f := range files[:len(files)-maxBackups] {
		path := filepath.Join(directory, f.name)
		if err := os.Remove(path); err == nil {
			removed++
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
