// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ffutop/modbus-interface/internal/config"
)

// Level maps a configured level name onto a slog level. Unknown names are info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Writer returns the log destination for cfg: stderr, or a rotating file.
// Stdout is left to command output.
func Writer(cfg config.LogConfig) io.Writer {
	if cfg.File == "" || cfg.File == "-" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// Setup builds a text logger from cfg and installs it as the slog default.
func Setup(cfg config.LogConfig) *slog.Logger {
	handler := slog.NewTextHandler(Writer(cfg), &slog.HandlerOptions{
		Level: Level(cfg.Level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
