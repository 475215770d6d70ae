// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logutils configures the process-wide structured logger.
package logutils

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/dunebugger/dunebugger-remote"
)

// SupportedLevelsText lists the supported log levels in their text
// representation. All strings are in uppercase.
var SupportedLevelsText = []string{
	slog.LevelDebug.String(),
	slog.LevelInfo.String(),
	slog.LevelWarn.String(),
	slog.LevelError.String(),
}

// ParseLevel returns the slog level matching the supplied name,
// case-insensitively. "WARNING" is accepted as an alias for "WARN".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q, expected one of %v", name, SupportedLevelsText)
}

// Init installs a text handler writing to stderr at the supplied level as
// the default slog logger and returns it.
func Init(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// NewPackageLogger returns a logger scoped to the named supervisor
// component.
func NewPackageLogger(component string) *slog.Logger {
	return slog.With(dunebugger.ComponentKey, component)
}
