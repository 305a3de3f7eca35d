// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log wraps a single global *zap.SugaredLogger so every package in
// the engine can log without threading a logger through every constructor.
// Components that want their own scoped logger (see torrentlog) call New
// directly instead of using the package-level functions.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	global = newDefault()
)

func newDefault() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// Default returns a fresh production logger, without affecting the current
// global logger. Useful for saving/restoring the global logger around tests.
func Default() *zap.SugaredLogger {
	return newDefault()
}

// SetGlobalLogger replaces the logger used by the package-level functions.
func SetGlobalLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// ConfigureLogger builds a zap logger from config and installs it as the
// global logger.
func ConfigureLogger(config zap.Config) error {
	l, err := config.Build()
	if err != nil {
		return err
	}
	SetGlobalLogger(l.Sugar())
	return nil
}

// Config controls construction of a scoped logger via New, e.g. the
// per-torrent logger in torrentlog.
type Config struct {
	Disable     bool     `yaml:"disable"`
	Level       string   `yaml:"level"`
	OutputPaths []string `yaml:"output_paths"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
	return c
}

// New creates a standalone *zap.Logger scoped with the given fields,
// independent of the global logger. If config.Disable is true, the returned
// logger discards everything. Callers wanting a SugaredLogger call .Sugar()
// on the result, matching torrentlog's (structured fields) vs. the rest of
// the engine's (Sugared, printf-style) logging styles.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	config = config.applyDefaults()

	if config.Disable {
		return zap.NewNop(), nil
	}

	level, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	zapConfig.OutputPaths = config.OutputPaths

	l, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return l.With(zapFields(args)...), nil
}

func zapFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}

// Debug logs at debug level.
func Debug(args ...interface{}) { get().Debug(args...) }

// Debugf logs at debug level with a format string.
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }

// Info logs at info level.
func Info(args ...interface{}) { get().Info(args...) }

// Infof logs at info level with a format string.
func Infof(format string, args ...interface{}) { get().Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { get().Warn(args...) }

// Warnf logs at warn level with a format string.
func Warnf(format string, args ...interface{}) { get().Warnf(format, args...) }

// Error logs at error level.
func Error(args ...interface{}) { get().Error(args...) }

// Errorf logs at error level with a format string.
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// Fatal logs at fatal level and exits the process.
func Fatal(args ...interface{}) { get().Fatal(args...) }

// Fatalf logs at fatal level with a format string and exits the process.
func Fatalf(format string, args ...interface{}) { get().Fatalf(format, args...) }

// With returns a SugaredLogger scoped with the given key/value pairs.
func With(args ...interface{}) *zap.SugaredLogger { return get().With(args...) }
