// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is the severity of a log message.
type Level int

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logging tracks the state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	prefix  bool
	loggers map[string]logger
}

type logger struct {
	source string
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// SetLevel sets the minimum severity of emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given sources ("*" for all).
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		log.dbgmap[src] = true
	}
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if l.level <= LevelDebug {
		return true
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) emitting(level Level) (bool, bool) {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level, l.prefix
}

func (lg logger) format(prefix bool, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if prefix {
		return "[" + lg.source + "] " + msg
	}
	return msg
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	_, prefix := log.emitting(LevelDebug)
	for _, line := range strings.Split(lg.format(prefix, format, args...), "\n") {
		klog.InfoDepth(1, "D: "+line)
	}
}

func (lg logger) Info(format string, args ...interface{}) {
	if ok, prefix := log.emitting(LevelInfo); ok {
		klog.InfoDepth(1, lg.format(prefix, format, args...))
	}
}

func (lg logger) Warn(format string, args ...interface{}) {
	if ok, prefix := log.emitting(LevelWarn); ok {
		klog.WarningDepth(1, lg.format(prefix, format, args...))
	}
}

func (lg logger) Error(format string, args ...interface{}) {
	if ok, prefix := log.emitting(LevelError); ok {
		klog.ErrorDepth(1, lg.format(prefix, format, args...))
	}
}

func (lg logger) Fatal(format string, args ...interface{}) {
	_, prefix := log.emitting(LevelError)
	klog.FatalDepth(1, lg.format(prefix, format, args...))
}

func (lg logger) Debugf(format string, args ...interface{}) {
	lg.Debug(format, args...)
}

func (lg logger) Infof(format string, args ...interface{}) {
	lg.Info(format, args...)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.Warn(format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.Error(format, args...)
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
