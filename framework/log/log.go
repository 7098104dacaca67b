/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log provides the structured logging facade used across the
// core: a lightweight Logger value wrapping a zap.SugaredLogger, keyed
// by component name the way every kept module ("table.memory",
// "storage.s3", "bay.uidindex") already identifies itself.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	infoCore  zapcore.Core
	debugCore zapcore.Core
	coreOnce  sync.Once
	debugFlag bool

	sugarCache sync.Map // map[string]*zap.SugaredLogger, keyed by "name\x00debug"
)

func buildCore(level zapcore.Level) zapcore.Core {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "t"
	cfg.LevelKey = "level"
	cfg.NameKey = "component"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(cfg)
	return zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level)
}

// SetDebug toggles debug-level logging process-wide. Every Logger,
// including ones already used, picks up the new level on its next call.
func SetDebug(v bool) {
	debugFlag = v
}

func sharedCores() (info, debug zapcore.Core) {
	coreOnce.Do(func() {
		infoCore = buildCore(zap.InfoLevel)
		debugCore = buildCore(zap.DebugLevel)
	})
	return infoCore, debugCore
}

// Logger is a named logging handle. The zero value is usable and logs
// under an empty component name; most callers should set Name. Logger
// holds no mutable state of its own, so it is safe to copy and pass by
// value, matching how call sites construct one inline per component
// (log.Logger{Name: "incoming"}).
type Logger struct {
	Name string
	// Debug forces debug-level logging for this Logger regardless of
	// the process-wide SetDebug flag, for components that want to run
	// noisier than their neighbours.
	Debug bool
}

func (l Logger) ensure() *zap.SugaredLogger {
	debug := l.Debug || debugFlag
	key := l.Name
	if debug {
		key += "\x00debug"
	}
	if cached, ok := sugarCache.Load(key); ok {
		return cached.(*zap.SugaredLogger)
	}
	info, dbg := sharedCores()
	c := info
	if debug {
		c = dbg
	}
	logger := zap.New(c)
	if l.Name != "" {
		logger = logger.Named(l.Name)
	}
	sugar := logger.Sugar()
	actual, _ := sugarCache.LoadOrStore(key, sugar)
	return actual.(*zap.SugaredLogger)
}

// Msg logs an informational message with optional structured fields
// given as alternating key/value arguments.
func (l Logger) Msg(msg string, kv ...interface{}) {
	l.ensure().Infow(msg, kv...)
}

// DebugMsg logs a debug-level message; suppressed unless SetDebug(true)
// is in effect at the time of the call or l.Debug is set.
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	l.ensure().Debugw(msg, kv...)
}

// Error logs msg with the error attached under the "error" field.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	args := append([]interface{}{"error", err}, kv...)
	l.ensure().Errorw(msg, args...)
}

// Printf formats and logs at info level, for call sites that predate
// structured logging and pass a preformatted string.
func (l Logger) Printf(format string, args ...interface{}) {
	l.ensure().Infof(format, args...)
}

// Debugf is the debug-level counterpart of Printf.
func (l Logger) Debugf(format string, args ...interface{}) {
	l.ensure().Debugf(format, args...)
}

// DefaultLogger is the process-wide fallback logger, named "aerogramme".
var DefaultLogger = &Logger{Name: "aerogramme"}

// Println matches the stdlib log.Println call shape used by a few
// bootstrap call sites that run before a named Logger is available.
func Println(args ...interface{}) {
	DefaultLogger.Msg(fmt.Sprint(args...))
}
